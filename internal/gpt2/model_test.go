package gpt2

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attnd/internal/lm"
	"attnd/internal/safetensors"
)

const (
	testLayers = 2
	testHeads  = 2
	testEmbd   = 8
	testVocab  = 16
	testPos    = 12
)

// writeTestModel writes a tiny randomly initialized GPT-2 checkpoint.
func writeTestModel(t *testing.T, prefix string, extra map[string]any) string {
	t.Helper()
	dir := t.TempDir()
	cfg := map[string]any{
		"model_type":   "gpt2",
		"n_layer":      testLayers,
		"n_head":       testHeads,
		"n_embd":       testEmbd,
		"n_positions":  testPos,
		"vocab_size":   testVocab,
		"bos_token_id": testVocab - 1,
		"eos_token_id": testVocab - 1,
	}
	for k, v := range extra {
		cfg[k] = v
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileConfig), raw, 0o644))

	rng := rand.New(rand.NewSource(7))
	random := func(shape ...int) safetensors.F32Tensor {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = float32(rng.NormFloat64() * 0.5)
		}
		return safetensors.F32Tensor{Shape: shape, Data: data}
	}
	fill := func(v float32, n int) safetensors.F32Tensor {
		data := make([]float32, n)
		for i := range data {
			data[i] = v
		}
		return safetensors.F32Tensor{Shape: []int{n}, Data: data}
	}

	e := testEmbd
	tensors := map[string]safetensors.F32Tensor{
		prefix + "wte.weight":  random(testVocab, e),
		prefix + "wpe.weight":  random(testPos, e),
		prefix + "ln_f.weight": fill(1, e),
		prefix + "ln_f.bias":   fill(0, e),
	}
	for i := 0; i < testLayers; i++ {
		p := fmt.Sprintf("%sh.%d.", prefix, i)
		tensors[p+"ln_1.weight"] = fill(1, e)
		tensors[p+"ln_1.bias"] = fill(0, e)
		tensors[p+"attn.c_attn.weight"] = random(e, 3*e)
		tensors[p+"attn.c_attn.bias"] = random(3 * e)
		tensors[p+"attn.c_proj.weight"] = random(e, e)
		tensors[p+"attn.c_proj.bias"] = random(e)
		tensors[p+"ln_2.weight"] = fill(1, e)
		tensors[p+"ln_2.bias"] = fill(0, e)
		tensors[p+"mlp.c_fc.weight"] = random(e, 4*e)
		tensors[p+"mlp.c_fc.bias"] = random(4 * e)
		tensors[p+"mlp.c_proj.weight"] = random(4*e, e)
		tensors[p+"mlp.c_proj.bias"] = random(e)
	}
	require.NoError(t, safetensors.WriteF32File(filepath.Join(dir, FileWeights), tensors, map[string]string{"format": "pt"}))
	return dir
}

func loadTestModel(t *testing.T) *Model {
	t.Helper()
	m, err := Load("tiny", writeTestModel(t, "", nil))
	require.NoError(t, err)
	return m
}

func TestForward_AttentionShapeAndCausality(t *testing.T) {
	m := loadTestModel(t)
	ids := []int{3, 1, 4, 1, 5}

	out, err := m.Forward(context.Background(), ids, lm.ForwardOptions{OutputAttentions: true})
	require.NoError(t, err)
	require.Len(t, out.Attentions, testLayers)

	for li, a := range out.Attentions {
		require.NotNil(t, a, "layer %d", li)
		require.NoError(t, a.Validate())
		assert.Equal(t, []int{1, testHeads, len(ids), len(ids)}, []int{a.Batch, a.Heads, a.Queries, a.Keys})
		for h := 0; h < a.Heads; h++ {
			for q := 0; q < a.Queries; q++ {
				row := a.Row(0, h, q)
				var sum float64
				for k, v := range row {
					if k > q {
						assert.Zero(t, v, "layer %d head %d q %d k %d", li, h, q, k)
					}
					assert.GreaterOrEqual(t, v, float32(0))
					sum += float64(v)
				}
				assert.InDelta(t, 1.0, sum, 1e-5)
			}
		}
		// The first query can only see itself.
		assert.InDelta(t, 1.0, a.Row(0, 0, 0)[0], 1e-6)
	}
}

func TestForward_WithoutAttentions(t *testing.T) {
	m := loadTestModel(t)
	out, err := m.Forward(context.Background(), []int{1, 2}, lm.ForwardOptions{})
	require.NoError(t, err)
	assert.Nil(t, out.Attentions)
}

func TestForward_RejectsBadInput(t *testing.T) {
	m := loadTestModel(t)
	ctx := context.Background()

	_, err := m.Forward(ctx, nil, lm.ForwardOptions{})
	assert.Error(t, err)
	_, err = m.Forward(ctx, []int{testVocab}, lm.ForwardOptions{})
	assert.Error(t, err)
	_, err = m.Forward(ctx, make([]int, testPos+1), lm.ForwardOptions{})
	assert.Error(t, err)
}

func TestForward_ContextCanceled(t *testing.T) {
	m := loadTestModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Forward(ctx, []int{1, 2}, lm.ForwardOptions{OutputAttentions: true})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_CacheMatchesFullPass(t *testing.T) {
	m := loadTestModel(t)
	ctx := context.Background()
	ids := []int{2, 7, 1, 8}

	full, _, err := m.run(ctx, ids, newKVCache(m.cfg), false)
	require.NoError(t, err)

	cache := newKVCache(m.cfg)
	_, _, err = m.run(ctx, ids[:3], cache, false)
	require.NoError(t, err)
	step, _, err := m.run(ctx, ids[3:], cache, false)
	require.NoError(t, err)

	require.Len(t, step, len(full))
	for i := range full {
		assert.InDelta(t, full[i], step[i], 1e-4)
	}
}

func TestGenerate_GreedyAndDeterministic(t *testing.T) {
	m := loadTestModel(t)
	m.cfg.EOSTokenID = nil
	ctx := context.Background()
	ids := []int{3, 1, 4}
	opts := lm.GenerateOptions{MaxNewTokens: 5, NumReturnSequences: 1, PadTokenID: 0}

	a, err := m.Generate(ctx, ids, opts)
	require.NoError(t, err)
	b, err := m.Generate(ctx, ids, opts)
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, a, b)
	assert.Len(t, a[0], len(ids)+5)
	assert.Equal(t, ids, a[0][:len(ids)])

	// The first generated token is the argmax of a full forward pass.
	logits, _, err := m.run(ctx, ids, newKVCache(m.cfg), false)
	require.NoError(t, err)
	assert.Equal(t, argmax(logits), a[0][len(ids)])
}

func TestGenerate_StopsAfterEOS(t *testing.T) {
	m := loadTestModel(t)
	ctx := context.Background()
	ids := []int{3, 1, 4}

	m.cfg.EOSTokenID = nil
	first, err := m.Generate(ctx, ids, lm.GenerateOptions{MaxNewTokens: 1, PadTokenID: 0})
	require.NoError(t, err)
	eos := first[0][len(ids)]
	m.cfg.EOSTokenID = &eos

	out, err := m.Generate(ctx, ids, lm.GenerateOptions{MaxNewTokens: 5, PadTokenID: 0})
	require.NoError(t, err)
	assert.Equal(t, append(append([]int{}, ids...), eos), out[0])
}

func TestGenerate_PadToken(t *testing.T) {
	m := loadTestModel(t)
	ctx := context.Background()
	assert.Equal(t, -1, m.Info().PadTokenID)

	_, err := m.Generate(ctx, []int{1}, lm.GenerateOptions{MaxNewTokens: 1, PadTokenID: -1})
	assert.ErrorIs(t, err, ErrNoPadToken)

	m.SetPadTokenID(testVocab - 1)
	assert.Equal(t, testVocab-1, m.Info().PadTokenID)
	_, err = m.Generate(ctx, []int{1}, lm.GenerateOptions{MaxNewTokens: 1, PadTokenID: -1})
	assert.NoError(t, err)
}

func TestGenerate_Limits(t *testing.T) {
	m := loadTestModel(t)
	ctx := context.Background()

	_, err := m.Generate(ctx, make([]int, testPos-2), lm.GenerateOptions{MaxNewTokens: 5, PadTokenID: 0})
	assert.ErrorContains(t, err, "n_positions")

	_, err = m.Generate(ctx, []int{1}, lm.GenerateOptions{MaxNewTokens: 1, NumReturnSequences: 2, PadTokenID: 0})
	assert.Error(t, err)
}

func TestLoad_TransformerPrefix(t *testing.T) {
	m, err := Load("tiny", writeTestModel(t, "transformer.", map[string]any{"pad_token_id": 0}))
	require.NoError(t, err)
	info := m.Info()
	assert.Equal(t, lm.ModelInfo{
		ID: "tiny", Backend: BackendName, Layers: testLayers, Heads: testHeads,
		VocabSize: testVocab, MaxPositions: testPos, EOSTokenID: testVocab - 1, PadTokenID: 0,
	}, info)
}

func TestLoad_ShapeMismatch(t *testing.T) {
	dir := writeTestModel(t, "", map[string]any{"n_embd": 4, "n_head": 2})
	_, err := Load("tiny", dir)
	assert.ErrorContains(t, err, "shape")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ok", Config{NLayer: 1, NHead: 2, NEmbd: 4, NPositions: 8, VocabSize: 4, ActivationFunction: "gelu_new"}, false},
		{"heads do not divide", Config{NLayer: 1, NHead: 3, NEmbd: 4, NPositions: 8, VocabSize: 4, ActivationFunction: "gelu_new"}, true},
		{"wrong model type", Config{ModelType: "llama", NLayer: 1, NHead: 2, NEmbd: 4, NPositions: 8, VocabSize: 4, ActivationFunction: "gelu_new"}, true},
		{"relu", Config{NLayer: 1, NHead: 2, NEmbd: 4, NPositions: 8, VocabSize: 4, ActivationFunction: "relu"}, true},
		{"zero layers", Config{NHead: 2, NEmbd: 4, NPositions: 8, VocabSize: 4, ActivationFunction: "gelu_new"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLinearParallelMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rows, in, out := 3, 96, 1024
	x := make([]float32, rows*in)
	w := make([]float32, in*out)
	b := make([]float32, out)
	for i := range x {
		x[i] = rng.Float32()
	}
	for i := range w {
		w[i] = rng.Float32() - 0.5
	}
	got := make([]float32, rows*out)
	linear(got, x, rows, in, out, w, b)

	for r := 0; r < rows; r++ {
		for o := 0; o < out; o += 97 {
			var want float32
			for i := 0; i < in; i++ {
				want += x[r*in+i] * w[i*out+o]
			}
			assert.InDelta(t, want, got[r*out+o], 1e-3)
		}
	}
}
