package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attnd/internal/config"
	"attnd/internal/gpt2"
	"attnd/internal/gpt2/gpt2test"
	"attnd/internal/inference"
	"attnd/internal/lm"
)

func nativeConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.ModelDir = dir
	return cfg
}

func TestOpenNative(t *testing.T) {
	dir := gpt2test.WriteDir(t, gpt2test.Options{})
	tok, model, err := Open(context.Background(), nativeConfig(dir), zerolog.Nop())
	require.NoError(t, err)

	info := model.Info()
	assert.Equal(t, dir, info.ID)
	assert.Equal(t, gpt2.BackendName, info.Backend)
	assert.Equal(t, 2, info.Layers)
	assert.Equal(t, 2, info.Heads)

	pad, ok := tok.PadTokenID()
	require.True(t, ok)
	assert.Equal(t, gpt2test.EndOfText, pad)
	assert.Equal(t, gpt2test.EndOfText, model.Info().PadTokenID)
}

func TestOpenNativeServesBothOperations(t *testing.T) {
	tok, model, err := Open(context.Background(), nativeConfig(gpt2test.WriteDir(t, gpt2test.Options{})), zerolog.Nop())
	require.NoError(t, err)
	svc := inference.New(tok, model, inference.Options{MaxNewTokens: 3})

	att, err := svc.Attention(context.Background(), "Hello world")
	require.NoError(t, err)
	assert.Equal(t, []string{"H", "e", "ll", "o", " w", "o", "r", "l", "d"}, att.Tokens)
	assert.Equal(t, 2, att.NumLayers)
	for _, layer := range att.AttentionLayers {
		require.Len(t, layer, 9)
		for q, row := range layer {
			require.Len(t, row, 9)
			var sum float64
			for k, v := range row {
				if k > q {
					assert.Zero(t, v)
				}
				sum += v
			}
			assert.InDelta(t, 1, sum, 1e-5)
		}
	}

	_, err = svc.PredictNext(context.Background(), "Hello")
	require.NoError(t, err)
}

func TestOpenNativeMissingFiles(t *testing.T) {
	_, _, err := Open(context.Background(), nativeConfig(t.TempDir()), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch model")
}

func TestOpenRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/info":
			_, _ = w.Write([]byte(`{"model_id":"sidecar-gpt2","num_layers":12,"num_heads":12,"vocab_size":50257,"max_positions":1024,"bos_token_id":50256,"eos_token_id":50256,"pad_token_id":null}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Backend = config.BackendRemote
	cfg.RemoteURL = srv.URL
	tok, model, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "sidecar-gpt2", model.Info().ID)

	pad, ok := tok.PadTokenID()
	require.True(t, ok)
	assert.Equal(t, 50256, pad)
	assert.Equal(t, 50256, model.Info().PadTokenID)
}

func TestOpenRemoteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	cfg := config.Default()
	cfg.Backend = config.BackendRemote
	cfg.RemoteURL = srv.URL
	_, _, err := Open(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "tpu"
	_, _, err := Open(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
}

// padTokenizer and padModel carry only what aliasPad touches.
type padTokenizer struct {
	lm.Tokenizer
	pad, eos int
}

func (t *padTokenizer) PadTokenID() (int, bool) { return t.pad, t.pad >= 0 }
func (t *padTokenizer) EOSTokenID() (int, bool) { return t.eos, t.eos >= 0 }
func (t *padTokenizer) SetPadTokenID(id int)    { t.pad = id }

type padModel struct {
	lm.Model
	pad, eos int
	sets     int
}

func (m *padModel) Info() lm.ModelInfo { return lm.ModelInfo{EOSTokenID: m.eos, PadTokenID: m.pad} }
func (m *padModel) SetPadTokenID(id int) {
	m.pad = id
	m.sets++
}

func TestAliasPad(t *testing.T) {
	tests := []struct {
		name             string
		tok              padTokenizer
		model            padModel
		wantTok, wantMod int
		wantSets         int
	}{
		{"tokenizer has pad", padTokenizer{pad: 3, eos: 7}, padModel{pad: -1, eos: 9}, 3, -1, 0},
		{"alias to eos", padTokenizer{pad: -1, eos: 7}, padModel{pad: -1, eos: 9}, 7, 9, 1},
		{"no eos anywhere", padTokenizer{pad: -1, eos: -1}, padModel{pad: -1, eos: 9}, -1, -1, 0},
		{"model without eos", padTokenizer{pad: -1, eos: 7}, padModel{pad: 2, eos: -1}, 7, 2, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tok, model := tc.tok, tc.model
			aliasPad(&tok, &model, zerolog.Nop())
			assert.Equal(t, tc.wantTok, tok.pad)
			assert.Equal(t, tc.wantMod, model.pad)
			assert.Equal(t, tc.wantSets, model.sets)
		})
	}
}
