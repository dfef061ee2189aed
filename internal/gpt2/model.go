// Package gpt2 is an in-process GPT-2 runtime over safetensors weights. It
// supports greedy generation with a KV cache and forward passes that capture
// per-layer attention weights.
package gpt2

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"attnd/internal/lm"
)

// Files that Load reads from a model directory.
const (
	FileConfig  = "config.json"
	FileWeights = "model.safetensors"
)

// BackendName is reported in lm.ModelInfo.
const BackendName = "native"

var ErrNoPadToken = errors.New("generation requires a pad token id")

type Model struct {
	id  string
	cfg Config
	w   *weights
	act func([]float32)

	mu    sync.RWMutex
	padID int
}

var _ lm.Model = (*Model)(nil)

// Load reads config.json and model.safetensors from dir.
func Load(id, dir string) (*Model, error) {
	cfg, err := LoadConfig(filepath.Join(dir, FileConfig))
	if err != nil {
		return nil, err
	}
	w, err := loadWeights(filepath.Join(dir, FileWeights), cfg)
	if err != nil {
		return nil, err
	}
	return newModel(id, cfg, w), nil
}

func newModel(id string, cfg Config, w *weights) *Model {
	pad := -1
	if cfg.PadTokenID != nil {
		pad = *cfg.PadTokenID
	}
	act := geluNew
	if cfg.ActivationFunction == "gelu" {
		act = geluExact
	}
	return &Model{id: id, cfg: cfg, w: w, act: act, padID: pad}
}

func (m *Model) Config() Config { return m.cfg }

func (m *Model) Info() lm.ModelInfo {
	eos := -1
	if m.cfg.EOSTokenID != nil {
		eos = *m.cfg.EOSTokenID
	}
	m.mu.RLock()
	pad := m.padID
	m.mu.RUnlock()
	return lm.ModelInfo{
		ID:           m.id,
		Backend:      BackendName,
		Layers:       m.cfg.NLayer,
		Heads:        m.cfg.NHead,
		VocabSize:    m.cfg.VocabSize,
		MaxPositions: m.cfg.NPositions,
		EOSTokenID:   eos,
		PadTokenID:   pad,
	}
}

func (m *Model) SetPadTokenID(id int) {
	m.mu.Lock()
	m.padID = id
	m.mu.Unlock()
}

// Generate greedily appends up to MaxNewTokens ids and stops after EOS.
func (m *Model) Generate(ctx context.Context, ids []int, opts lm.GenerateOptions) ([][]int, error) {
	if opts.NumReturnSequences > 1 {
		return nil, fmt.Errorf("greedy decoding returns one sequence, %d requested", opts.NumReturnSequences)
	}
	pad := opts.PadTokenID
	if pad < 0 {
		m.mu.RLock()
		pad = m.padID
		m.mu.RUnlock()
	}
	if pad < 0 {
		return nil, ErrNoPadToken
	}
	if err := m.checkInput(ids); err != nil {
		return nil, err
	}
	if total := len(ids) + opts.MaxNewTokens; total > m.cfg.NPositions {
		return nil, fmt.Errorf("sequence of %d tokens exceeds n_positions %d", total, m.cfg.NPositions)
	}

	eos := -1
	if m.cfg.EOSTokenID != nil {
		eos = *m.cfg.EOSTokenID
	}
	out := append(make([]int, 0, len(ids)+opts.MaxNewTokens), ids...)
	cache := newKVCache(m.cfg)
	next := ids
	for step := 0; step < opts.MaxNewTokens; step++ {
		logits, _, err := m.run(ctx, next, cache, false)
		if err != nil {
			return nil, err
		}
		tok := argmax(logits)
		out = append(out, tok)
		if tok == eos {
			break
		}
		next = []int{tok}
	}
	return [][]int{out}, nil
}

// Forward runs the whole sequence once. Attention tensors are
// [1, n_head, N, N] post-softmax weights with zeros above the diagonal.
func (m *Model) Forward(ctx context.Context, ids []int, opts lm.ForwardOptions) (*lm.ForwardOutput, error) {
	if err := m.checkInput(ids); err != nil {
		return nil, err
	}
	_, attns, err := m.run(ctx, ids, newKVCache(m.cfg), opts.OutputAttentions)
	if err != nil {
		return nil, err
	}
	return &lm.ForwardOutput{Attentions: attns}, nil
}

func (m *Model) checkInput(ids []int) error {
	if len(ids) == 0 {
		return errors.New("empty input")
	}
	if len(ids) > m.cfg.NPositions {
		return fmt.Errorf("input of %d tokens exceeds n_positions %d", len(ids), m.cfg.NPositions)
	}
	for _, id := range ids {
		if id < 0 || id >= m.cfg.VocabSize {
			return fmt.Errorf("token id %d out of range", id)
		}
	}
	return nil
}

type kvCache struct {
	keys   [][]float32 // per layer, [T, E]
	values [][]float32
	n      int
}

func newKVCache(cfg Config) *kvCache {
	return &kvCache{
		keys:   make([][]float32, cfg.NLayer),
		values: make([][]float32, cfg.NLayer),
	}
}

// run feeds ids at positions following the cached ones, appends their keys and
// values to the cache and returns the logits of the last position. With
// capture, it also returns each layer's attention for the new positions.
func (m *Model) run(ctx context.Context, ids []int, cache *kvCache, capture bool) ([]float32, []*lm.Attention, error) {
	cfg := m.cfg
	e, nh := cfg.NEmbd, cfg.NHead
	hd := e / nh
	start, n := cache.n, len(ids)
	total := start + n
	scale := float32(1 / math.Sqrt(float64(hd)))

	h := make([]float32, n*e)
	for i, id := range ids {
		tok := m.w.wte[id*e : (id+1)*e]
		pos := m.w.wpe[(start+i)*e : (start+i+1)*e]
		row := h[i*e : (i+1)*e]
		for j := range row {
			row[j] = tok[j] + pos[j]
		}
	}

	var attns []*lm.Attention
	if capture {
		attns = make([]*lm.Attention, cfg.NLayer)
	}
	norm := make([]float32, n*e)
	qkv := make([]float32, n*3*e)
	ctxv := make([]float32, n*e)
	proj := make([]float32, n*e)
	fc := make([]float32, n*cfg.Inner())
	scores := make([]float32, total)

	for li := range m.w.layers {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		l := &m.w.layers[li]

		layerNorm(norm, h, n, e, l.ln1W, l.ln1B, cfg.LayerNormEpsilon)
		linear(qkv, norm, n, e, 3*e, l.attnW, l.attnB)
		for i := 0; i < n; i++ {
			row := qkv[i*3*e : (i+1)*3*e]
			cache.keys[li] = append(cache.keys[li], row[e:2*e]...)
			cache.values[li] = append(cache.values[li], row[2*e:]...)
		}
		keys, values := cache.keys[li], cache.values[li]

		var attn *lm.Attention
		if capture {
			attn = lm.NewAttention(1, nh, n, total)
			attns[li] = attn
		}
		for head := 0; head < nh; head++ {
			hs := head * hd
			for i := 0; i < n; i++ {
				q := qkv[i*3*e+hs : i*3*e+hs+hd]
				visible := start + i + 1
				s := scores[:visible]
				for t := 0; t < visible; t++ {
					s[t] = dot(q, keys[t*e+hs:t*e+hs+hd]) * scale
				}
				softmax(s)
				if attn != nil {
					copy(attn.Row(0, head, i), s)
				}
				out := ctxv[i*e+hs : i*e+hs+hd]
				clear(out)
				for t, wt := range s {
					v := values[t*e+hs : t*e+hs+hd]
					for j := range out {
						out[j] += wt * v[j]
					}
				}
			}
		}
		linear(proj, ctxv, n, e, e, l.attnProjW, l.attnProjB)
		for i := range h {
			h[i] += proj[i]
		}

		layerNorm(norm, h, n, e, l.ln2W, l.ln2B, cfg.LayerNormEpsilon)
		linear(fc, norm, n, e, cfg.Inner(), l.fcW, l.fcB)
		m.act(fc)
		linear(proj, fc, n, cfg.Inner(), e, l.mlpProjW, l.mlpProjB)
		for i := range h {
			h[i] += proj[i]
		}
	}
	cache.n = total

	last := make([]float32, e)
	layerNorm(last, h[(n-1)*e:], 1, e, m.w.lnfW, m.w.lnfB, cfg.LayerNormEpsilon)
	logits := make([]float32, cfg.VocabSize)
	parallelFor(cfg.VocabSize, cfg.VocabSize*e, func(lo, hi int) {
		for v := lo; v < hi; v++ {
			logits[v] = dot(last, m.w.wte[v*e:(v+1)*e])
		}
	})
	return logits, attns, nil
}
