package remote

import (
	"context"
	"net/http"
	"sync"

	"attnd/internal/lm"
)

// Tokenizer delegates to the sidecar's /tokenize and /decode endpoints.
type Tokenizer struct {
	c        *Client
	bos, eos int

	mu    sync.RWMutex
	padID int
}

var _ lm.Tokenizer = (*Tokenizer)(nil)

func newTokenizer(c *Client) *Tokenizer {
	return &Tokenizer{c: c, bos: idOr(c.info.BOSTokenID), eos: idOr(c.info.EOSTokenID), padID: idOr(c.info.PadTokenID)}
}

type tokenizeRequest struct {
	Text string `json:"text"`
}

type tokenizeResponse struct {
	InputIDs []int `json:"input_ids"`
}

type decodeRequest struct {
	IDs               []int `json:"ids"`
	SkipSpecialTokens bool  `json:"skip_special_tokens"`
}

type decodeResponse struct {
	Text string `json:"text"`
}

var _ lm.ContextTokenizer = (*Tokenizer)(nil)

// Encode returns IDs == nil when the sidecar response has no input_ids.
func (t *Tokenizer) Encode(text string) (lm.Encoding, error) {
	return t.EncodeContext(context.Background(), text)
}

func (t *Tokenizer) EncodeContext(ctx context.Context, text string) (lm.Encoding, error) {
	ctx, cancel := t.c.withDefaultTimeout(ctx)
	defer cancel()
	var out tokenizeResponse
	if err := t.c.do(ctx, http.MethodPost, "/tokenize", tokenizeRequest{Text: text}, &out); err != nil {
		return lm.Encoding{}, err
	}
	return lm.Encoding{IDs: out.InputIDs}, nil
}

func (t *Tokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	return t.DecodeContext(context.Background(), ids, skipSpecial)
}

func (t *Tokenizer) DecodeContext(ctx context.Context, ids []int, skipSpecial bool) (string, error) {
	ctx, cancel := t.c.withDefaultTimeout(ctx)
	defer cancel()
	if ids == nil {
		ids = []int{}
	}
	var out decodeResponse
	if err := t.c.do(ctx, http.MethodPost, "/decode", decodeRequest{IDs: ids, SkipSpecialTokens: skipSpecial}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (t *Tokenizer) BOSTokenID() (int, bool) { return t.bos, t.bos >= 0 }
func (t *Tokenizer) EOSTokenID() (int, bool) { return t.eos, t.eos >= 0 }

func (t *Tokenizer) PadTokenID() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.padID, t.padID >= 0
}

// SetPadTokenID only changes the id sent with later generate calls; the
// sidecar's own tokenizer is not modified.
func (t *Tokenizer) SetPadTokenID(id int) {
	t.mu.Lock()
	t.padID = id
	t.mu.Unlock()
}

func idOr(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
