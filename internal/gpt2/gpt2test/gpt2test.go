// Package gpt2test writes small randomly initialized GPT-2 checkpoints, with a
// matching byte-level BPE tokenizer, for tests that need a real model dir.
package gpt2test

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"attnd/internal/gpt2"
	"attnd/internal/safetensors"
	"attnd/internal/tokenizer"
)

// TokenizerJSON is an 11-token vocabulary where "Hello world" encodes to
// [0 1 8 3 9 3 6 2 7] and id 10 is <|endoftext|>.
const TokenizerJSON = `{
  "added_tokens": [{"id": 10, "content": "<|endoftext|>", "special": true}],
  "pre_tokenizer": {"type": "ByteLevel", "add_prefix_space": false},
  "model": {
    "type": "BPE",
    "vocab": {"H":0,"e":1,"l":2,"o":3,"Ġ":4,"w":5,"r":6,"d":7,"ll":8,"Ġw":9,"<|endoftext|>":10},
    "merges": ["l l", "Ġ w"]
  }
}`

// EndOfText is the id of <|endoftext|> in TokenizerJSON.
const EndOfText = 10

// Options sizes the checkpoint. Zero fields take the defaults in WriteDir.
type Options struct {
	Layers    int
	Heads     int
	Embd      int
	Positions int
	Seed      int64
	// Prefix is prepended to every tensor name, e.g. "transformer.".
	Prefix string
	// NoTokenizer omits tokenizer.json.
	NoTokenizer bool
}

// WriteDir writes config.json, model.safetensors and tokenizer.json into a
// fresh temp dir and returns it. The vocabulary matches TokenizerJSON.
func WriteDir(t testing.TB, opts Options) string {
	t.Helper()
	if opts.Layers == 0 {
		opts.Layers = 2
	}
	if opts.Heads == 0 {
		opts.Heads = 2
	}
	if opts.Embd == 0 {
		opts.Embd = 8
	}
	if opts.Positions == 0 {
		opts.Positions = 32
	}
	const vocab = EndOfText + 1

	dir := t.TempDir()
	cfg, err := json.Marshal(map[string]any{
		"model_type":   "gpt2",
		"n_layer":      opts.Layers,
		"n_head":       opts.Heads,
		"n_embd":       opts.Embd,
		"n_positions":  opts.Positions,
		"vocab_size":   vocab,
		"bos_token_id": EndOfText,
		"eos_token_id": EndOfText,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, gpt2.FileConfig), cfg, 0o644))
	if !opts.NoTokenizer {
		require.NoError(t, os.WriteFile(filepath.Join(dir, tokenizer.FileTokenizerJSON), []byte(TokenizerJSON), 0o644))
	}

	rng := rand.New(rand.NewSource(opts.Seed))
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

	e, p := opts.Embd, opts.Prefix
	tensors := map[string]safetensors.F32Tensor{
		p + "wte.weight":  random(vocab, e),
		p + "wpe.weight":  random(opts.Positions, e),
		p + "ln_f.weight": fill(1, e),
		p + "ln_f.bias":   fill(0, e),
	}
	for i := 0; i < opts.Layers; i++ {
		h := fmt.Sprintf("%sh.%d.", p, i)
		tensors[h+"ln_1.weight"] = fill(1, e)
		tensors[h+"ln_1.bias"] = fill(0, e)
		tensors[h+"attn.c_attn.weight"] = random(e, 3*e)
		tensors[h+"attn.c_attn.bias"] = random(3 * e)
		tensors[h+"attn.c_proj.weight"] = random(e, e)
		tensors[h+"attn.c_proj.bias"] = random(e)
		tensors[h+"ln_2.weight"] = fill(1, e)
		tensors[h+"ln_2.bias"] = fill(0, e)
		tensors[h+"mlp.c_fc.weight"] = random(e, 4*e)
		tensors[h+"mlp.c_fc.bias"] = random(4 * e)
		tensors[h+"mlp.c_proj.weight"] = random(4*e, e)
		tensors[h+"mlp.c_proj.bias"] = random(e)
	}
	require.NoError(t, safetensors.WriteF32File(filepath.Join(dir, gpt2.FileWeights), tensors, map[string]string{"format": "pt"}))
	return dir
}
