package remote

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"attnd/internal/lm"
)

// Model delegates to the sidecar's /generate and /forward endpoints.
type Model struct {
	c   *Client
	eos int

	mu    sync.RWMutex
	padID int
}

var _ lm.Model = (*Model)(nil)

func newModel(c *Client) *Model {
	return &Model{c: c, eos: idOr(c.info.EOSTokenID), padID: idOr(c.info.PadTokenID)}
}

type generateRequest struct {
	InputIDs           []int `json:"input_ids"`
	MaxNewTokens       int   `json:"max_new_tokens"`
	NumReturnSequences int   `json:"num_return_sequences"`
	PadTokenID         *int  `json:"pad_token_id"`
}

type generateResponse struct {
	Sequences [][]int `json:"sequences"`
}

type forwardRequest struct {
	InputIDs         []int `json:"input_ids"`
	OutputAttentions bool  `json:"output_attentions"`
}

// forwardResponse holds attentions as [layer][batch][head][query][key]; a
// null layer is kept as nil.
type forwardResponse struct {
	Attentions [][][][][]float32 `json:"attentions"`
}

func (m *Model) Info() lm.ModelInfo {
	m.mu.RLock()
	pad := m.padID
	m.mu.RUnlock()
	in := m.c.info
	return lm.ModelInfo{
		ID:           in.ModelID,
		Backend:      BackendName,
		Layers:       in.NumLayers,
		Heads:        in.NumHeads,
		VocabSize:    in.VocabSize,
		MaxPositions: in.MaxPositions,
		EOSTokenID:   m.eos,
		PadTokenID:   pad,
	}
}

func (m *Model) SetPadTokenID(id int) {
	m.mu.Lock()
	m.padID = id
	m.mu.Unlock()
}

func (m *Model) Generate(ctx context.Context, ids []int, opts lm.GenerateOptions) ([][]int, error) {
	req := generateRequest{
		InputIDs:           ids,
		MaxNewTokens:       opts.MaxNewTokens,
		NumReturnSequences: max(opts.NumReturnSequences, 1),
	}
	pad := opts.PadTokenID
	if pad < 0 {
		m.mu.RLock()
		pad = m.padID
		m.mu.RUnlock()
	}
	if pad >= 0 {
		req.PadTokenID = &pad
	}
	var out generateResponse
	if err := m.c.do(ctx, http.MethodPost, "/generate", req, &out); err != nil {
		return nil, err
	}
	return out.Sequences, nil
}

func (m *Model) Forward(ctx context.Context, ids []int, opts lm.ForwardOptions) (*lm.ForwardOutput, error) {
	var out forwardResponse
	req := forwardRequest{InputIDs: ids, OutputAttentions: opts.OutputAttentions}
	if err := m.c.do(ctx, http.MethodPost, "/forward", req, &out); err != nil {
		return nil, err
	}
	if out.Attentions == nil {
		return &lm.ForwardOutput{}, nil
	}
	attns := make([]*lm.Attention, len(out.Attentions))
	for i, layer := range out.Attentions {
		if layer == nil {
			continue
		}
		a, err := flatten(layer)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		attns[i] = a
	}
	return &lm.ForwardOutput{Attentions: attns}, nil
}

// flatten converts a nested [B][H][Q][K] array into a row-major tensor,
// rejecting ragged input.
func flatten(t [][][][]float32) (*lm.Attention, error) {
	if len(t) == 0 || len(t[0]) == 0 || len(t[0][0]) == 0 || len(t[0][0][0]) == 0 {
		return nil, fmt.Errorf("empty attention tensor")
	}
	a := lm.NewAttention(len(t), len(t[0]), len(t[0][0]), len(t[0][0][0]))
	off := 0
	for _, b := range t {
		if len(b) != a.Heads {
			return nil, fmt.Errorf("ragged attention tensor")
		}
		for _, h := range b {
			if len(h) != a.Queries {
				return nil, fmt.Errorf("ragged attention tensor")
			}
			for _, q := range h {
				if len(q) != a.Keys {
					return nil, fmt.Errorf("ragged attention tensor")
				}
				off += copy(a.Data[off:], q)
			}
		}
	}
	return a, nil
}
