package gpt2

import (
	"fmt"
	"slices"

	"attnd/internal/safetensors"
)

type layer struct {
	ln1W, ln1B   []float32
	attnW, attnB []float32 // [E, 3E], [3E]
	attnProjW    []float32 // [E, E]
	attnProjB    []float32
	ln2W, ln2B   []float32
	fcW, fcB     []float32 // [E, inner], [inner]
	mlpProjW     []float32 // [inner, E]
	mlpProjB     []float32
}

type weights struct {
	wte    []float32 // [V, E], also the output projection
	wpe    []float32 // [P, E]
	layers []layer
	lnfW   []float32
	lnfB   []float32
}

type tensorReader struct {
	f      *safetensors.File
	prefix string
}

func (r tensorReader) read(name string, shape ...int) ([]float32, error) {
	data, info, err := r.f.ReadTensorF32(r.prefix + name)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(info.Shape, shape) {
		return nil, fmt.Errorf("tensor %s: shape %v, want %v", name, info.Shape, shape)
	}
	return data, nil
}

// loadWeights reads GPT-2 tensors, accepting both bare names and the
// "transformer." prefix used by GPT2LMHeadModel checkpoints.
func loadWeights(path string, cfg Config) (*weights, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	r := tensorReader{f: f}
	if _, ok := f.Tensor("wte.weight"); !ok {
		if _, ok := f.Tensor("transformer.wte.weight"); !ok {
			return nil, fmt.Errorf("weights: no wte.weight tensor")
		}
		r.prefix = "transformer."
	}

	e, inner := cfg.NEmbd, cfg.Inner()
	w := &weights{layers: make([]layer, cfg.NLayer)}
	if w.wte, err = r.read("wte.weight", cfg.VocabSize, e); err != nil {
		return nil, err
	}
	if w.wpe, err = r.read("wpe.weight", cfg.NPositions, e); err != nil {
		return nil, err
	}
	if w.lnfW, err = r.read("ln_f.weight", e); err != nil {
		return nil, err
	}
	if w.lnfB, err = r.read("ln_f.bias", e); err != nil {
		return nil, err
	}

	for i := range w.layers {
		l := &w.layers[i]
		p := fmt.Sprintf("h.%d.", i)
		specs := []struct {
			dst   *[]float32
			name  string
			shape []int
		}{
			{&l.ln1W, "ln_1.weight", []int{e}},
			{&l.ln1B, "ln_1.bias", []int{e}},
			{&l.attnW, "attn.c_attn.weight", []int{e, 3 * e}},
			{&l.attnB, "attn.c_attn.bias", []int{3 * e}},
			{&l.attnProjW, "attn.c_proj.weight", []int{e, e}},
			{&l.attnProjB, "attn.c_proj.bias", []int{e}},
			{&l.ln2W, "ln_2.weight", []int{e}},
			{&l.ln2B, "ln_2.bias", []int{e}},
			{&l.fcW, "mlp.c_fc.weight", []int{e, inner}},
			{&l.fcB, "mlp.c_fc.bias", []int{inner}},
			{&l.mlpProjW, "mlp.c_proj.weight", []int{inner, e}},
			{&l.mlpProjB, "mlp.c_proj.bias", []int{e}},
		}
		for _, s := range specs {
			data, err := r.read(p+s.name, s.shape...)
			if err != nil {
				return nil, err
			}
			*s.dst = data
		}
	}
	return w, nil
}
