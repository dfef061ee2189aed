// Package hub resolves a model id to a local directory holding config.json,
// model.safetensors and tokenizer files, downloading from the Hugging Face
// Hub when the id is not a local path.
package hub

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	hfhub "github.com/gomlx/go-huggingface/hub"
	"github.com/rs/zerolog"

	"attnd/internal/common/fsutil"
	"attnd/internal/gpt2"
	"attnd/internal/tokenizer"
)

// Options controls model acquisition.
type Options struct {
	ModelID string
	// ModelDir, when set, is used as-is and nothing is downloaded.
	ModelDir string
	CacheDir string
	Token    string
	Progress bool
	// SkipTokenizer omits tokenizer files, for tokenizers that bring their
	// own vocabulary.
	SkipTokenizer bool
	Logger        zerolog.Logger
}

var optionalFiles = []string{tokenizer.FileTokenizerConfig, tokenizer.FileSpecialTokensMap}

// repo is the subset of *hfhub.Repo used here.
type repo interface {
	DownloadInfo(forceDownload bool) error
	DownloadFile(fileName string) (string, error)
}

var newRepo = func(opts Options) repo {
	r := hfhub.New(opts.ModelID).WithProgressBar(opts.Progress)
	if opts.CacheDir != "" {
		r = r.WithCacheDir(opts.CacheDir)
	}
	if opts.Token != "" {
		r = r.WithAuth(opts.Token)
	}
	return r
}

// Fetch returns a directory containing the model files.
func Fetch(ctx context.Context, opts Options) (string, error) {
	if opts.ModelDir != "" {
		return checkLocal(opts.ModelDir, opts.SkipTokenizer)
	}
	if opts.ModelID == "" {
		return "", errors.New("no model id or model dir")
	}
	// A model id that names an existing directory is treated as local.
	if p, err := fsutil.ExpandHome(opts.ModelID); err == nil && fsutil.DirExists(p) {
		return checkLocal(p, opts.SkipTokenizer)
	}
	if opts.CacheDir != "" {
		dir, err := fsutil.ExpandHome(opts.CacheDir)
		if err != nil {
			return "", err
		}
		opts.CacheDir = dir
	}
	return download(ctx, opts)
}

func checkLocal(dir string, skipTokenizer bool) (string, error) {
	p, err := fsutil.ExpandHome(dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}
	if !fsutil.DirExists(abs) {
		return "", fmt.Errorf("model dir %s does not exist", abs)
	}
	if missing := fsutil.MissingFiles(abs, gpt2.FileConfig, gpt2.FileWeights); len(missing) > 0 {
		return "", fmt.Errorf("model dir %s: missing %v", abs, missing)
	}
	if !skipTokenizer && !hasTokenizer(abs) {
		return "", fmt.Errorf("model dir %s: missing %s or %s+%s", abs,
			tokenizer.FileTokenizerJSON, tokenizer.FileVocabJSON, tokenizer.FileMergesTXT)
	}
	return abs, nil
}

func hasTokenizer(dir string) bool {
	return fsutil.FileExists(filepath.Join(dir, tokenizer.FileTokenizerJSON)) ||
		len(fsutil.MissingFiles(dir, tokenizer.FileVocabJSON, tokenizer.FileMergesTXT)) == 0
}

func download(ctx context.Context, opts Options) (string, error) {
	log := opts.Logger.With().Str("model", opts.ModelID).Logger()
	r := newRepo(opts)
	if err := r.DownloadInfo(false); err != nil {
		return "", fmt.Errorf("fetch repo info for %s: %w", opts.ModelID, err)
	}

	get := func(name string) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p, err := r.DownloadFile(name)
		if err != nil {
			return "", fmt.Errorf("download %s/%s: %w", opts.ModelID, name, err)
		}
		log.Debug().Str("file", name).Str("path", p).Msg("model file ready")
		return p, nil
	}

	cfgPath, err := get(gpt2.FileConfig)
	if err != nil {
		return "", err
	}
	if _, err := get(gpt2.FileWeights); err != nil {
		return "", err
	}
	if !opts.SkipTokenizer {
		if _, err := get(tokenizer.FileTokenizerJSON); err != nil {
			log.Debug().Err(err).Msg("no tokenizer.json, trying vocab.json and merges.txt")
			if _, err := get(tokenizer.FileVocabJSON); err != nil {
				return "", err
			}
			if _, err := get(tokenizer.FileMergesTXT); err != nil {
				return "", err
			}
		}
		for _, name := range optionalFiles {
			if _, err := get(name); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return "", ctxErr
				}
				log.Debug().Str("file", name).Msg("optional file unavailable")
			}
		}
	}
	dir := filepath.Dir(cfgPath)
	log.Info().Str("dir", dir).Msg("model files ready")
	return dir, nil
}
