// Package backend opens the tokenizer and model pair selected by the
// configuration: the in-process GPT-2 runtime over a local or downloaded
// checkpoint, or a remote sidecar.
package backend

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"attnd/internal/config"
	"attnd/internal/gpt2"
	"attnd/internal/hub"
	"attnd/internal/lm"
	"attnd/internal/remote"
	"attnd/internal/tokenizer"
)

// Open loads the capability pair. Failure here is fatal for the process.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (lm.Tokenizer, lm.Model, error) {
	var (
		tok   lm.Tokenizer
		model lm.Model
		err   error
	)
	switch cfg.Backend {
	case config.BackendRemote:
		tok, model, err = openRemote(ctx, cfg, log)
	case config.BackendNative, "":
		tok, model, err = openNative(ctx, cfg, log)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, err
	}
	aliasPad(tok, model, log)

	info := model.Info()
	log.Info().Str("model", info.ID).Str("backend", info.Backend).
		Int("layers", info.Layers).Int("heads", info.Heads).
		Int("vocab", info.VocabSize).Msg("model loaded")
	return tok, model, nil
}

func openNative(ctx context.Context, cfg config.Config, log zerolog.Logger) (lm.Tokenizer, lm.Model, error) {
	tiktoken := cfg.Tokenizer == config.TokenizerTikToken
	dir, err := hub.Fetch(ctx, hub.Options{
		ModelID:       cfg.Model,
		ModelDir:      cfg.ModelDir,
		CacheDir:      cfg.CacheDir,
		Token:         cfg.HFToken,
		Progress:      cfg.Debug,
		SkipTokenizer: tiktoken,
		Logger:        log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch model: %w", err)
	}

	var tok lm.Tokenizer
	if tiktoken {
		tok, err = tokenizer.NewTikToken(tokenizer.EncodingR50kBase)
	} else {
		tok, err = tokenizer.LoadDir(dir)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load tokenizer: %w", err)
	}

	id := cfg.Model
	if cfg.ModelDir != "" {
		id = cfg.ModelDir
	}
	m, err := gpt2.Load(id, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("load model: %w", err)
	}
	log.Debug().Str("dir", dir).Msg("native model files")
	return tok, m, nil
}

func openRemote(ctx context.Context, cfg config.Config, log zerolog.Logger) (lm.Tokenizer, lm.Model, error) {
	c, err := remote.Dial(ctx, remote.Options{
		BaseURL:        cfg.RemoteURL,
		Token:          cfg.HFToken,
		RequestTimeout: cfg.RequestTimeout.Std(),
		Logger:         log,
	})
	if err != nil {
		return nil, nil, err
	}
	return c.Tokenizer(), c.Model(), nil
}

// aliasPad makes the end-of-sequence token double as padding when the
// tokenizer defines no pad token. The model's pad then follows the model's
// own eos id. A tokenizer that already has a pad token leaves both untouched.
func aliasPad(tok lm.Tokenizer, model lm.Model, log zerolog.Logger) {
	if _, ok := tok.PadTokenID(); ok {
		return
	}
	eos, ok := tok.EOSTokenID()
	if !ok {
		log.Warn().Msg("tokenizer has neither pad nor eos token")
		return
	}
	tok.SetPadTokenID(eos)
	if modelEOS := model.Info().EOSTokenID; modelEOS >= 0 {
		model.SetPadTokenID(modelEOS)
	}
	log.Debug().Int("pad", eos).Msg("pad token aliased to eos")
}
