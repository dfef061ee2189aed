// Package lm defines the contract between the inference core and a loaded
// causal language model. Concrete runtimes (the in-process GPT-2 in
// internal/gpt2, the HTTP sidecar client in internal/remote) satisfy these
// interfaces; the core never sees anything else.
package lm

import (
	"context"
	"fmt"
)

// Encoding is the result of tokenizing one text. A nil IDs slice means the
// tokenizer produced no identifier sequence at all, which is distinct from an
// empty one.
type Encoding struct {
	IDs []int
}

// Tokenizer converts text to and from token identifiers.
type Tokenizer interface {
	Encode(text string) (Encoding, error)
	// Decode renders ids as text. With skipSpecial, special/control tokens are
	// dropped from the output.
	Decode(ids []int, skipSpecial bool) (string, error)
	BOSTokenID() (int, bool)
	EOSTokenID() (int, bool)
	PadTokenID() (int, bool)
	SetPadTokenID(id int)
}

// ContextTokenizer is implemented by tokenizers whose calls can block, such as
// a sidecar client. EncodeContext and DecodeContext honor ctx cancellation and
// carry its values (request id) to the backend.
type ContextTokenizer interface {
	EncodeContext(ctx context.Context, text string) (Encoding, error)
	DecodeContext(ctx context.Context, ids []int, skipSpecial bool) (string, error)
}

// Encode tokenizes text under ctx when t supports it.
func Encode(ctx context.Context, t Tokenizer, text string) (Encoding, error) {
	if ct, ok := t.(ContextTokenizer); ok {
		return ct.EncodeContext(ctx, text)
	}
	return t.Encode(text)
}

// Decode renders ids under ctx when t supports it.
func Decode(ctx context.Context, t Tokenizer, ids []int, skipSpecial bool) (string, error) {
	if ct, ok := t.(ContextTokenizer); ok {
		return ct.DecodeContext(ctx, ids, skipSpecial)
	}
	return t.Decode(ids, skipSpecial)
}

// GenerateOptions bounds a generation call.
type GenerateOptions struct {
	MaxNewTokens       int
	NumReturnSequences int
	// PadTokenID < 0 means "use the model's configured pad id".
	PadTokenID int
}

// ForwardOptions controls what a forward pass captures.
type ForwardOptions struct {
	OutputAttentions bool
}

// Attention holds one layer's attention weights in row-major
// [Batch, Heads, Queries, Keys] order.
type Attention struct {
	Batch   int
	Heads   int
	Queries int
	Keys    int
	Data    []float32
}

// NewAttention allocates a zeroed tensor of the given shape.
func NewAttention(batch, heads, queries, keys int) *Attention {
	return &Attention{
		Batch:   batch,
		Heads:   heads,
		Queries: queries,
		Keys:    keys,
		Data:    make([]float32, batch*heads*queries*keys),
	}
}

// Validate checks that Data matches the declared shape.
func (a *Attention) Validate() error {
	if a.Batch <= 0 || a.Heads <= 0 || a.Queries <= 0 || a.Keys <= 0 {
		return fmt.Errorf("invalid attention shape [%d,%d,%d,%d]", a.Batch, a.Heads, a.Queries, a.Keys)
	}
	if want := a.Batch * a.Heads * a.Queries * a.Keys; len(a.Data) != want {
		return fmt.Errorf("attention data has %d values, shape [%d,%d,%d,%d] needs %d",
			len(a.Data), a.Batch, a.Heads, a.Queries, a.Keys, want)
	}
	return nil
}

// Row returns the key weights of one query position for one head.
func (a *Attention) Row(batch, head, query int) []float32 {
	off := ((batch*a.Heads+head)*a.Queries + query) * a.Keys
	return a.Data[off : off+a.Keys]
}

// ForwardOutput is what a forward pass returns. A nil Attentions slice means
// the runtime returned no attention data; a nil entry means that layer's
// weights were unavailable.
type ForwardOutput struct {
	Attentions []*Attention
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	ID           string
	Backend      string
	Layers       int
	Heads        int
	VocabSize    int
	MaxPositions int
	EOSTokenID   int
	// PadTokenID is -1 when the model config defines none.
	PadTokenID int
}

// Model is a loaded causal language model.
type Model interface {
	Info() ModelInfo
	SetPadTokenID(id int)
	// Generate returns NumReturnSequences sequences, each the input ids
	// followed by up to MaxNewTokens generated ids.
	Generate(ctx context.Context, ids []int, opts GenerateOptions) ([][]int, error)
	// Forward runs a single inference-only pass over ids.
	Forward(ctx context.Context, ids []int, opts ForwardOptions) (*ForwardOutput, error)
}
