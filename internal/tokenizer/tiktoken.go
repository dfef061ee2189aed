package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"attnd/internal/lm"
)

// EncodingR50kBase has the same vocabulary and merges as GPT-2.
const EncodingR50kBase = "r50k_base"

const r50kEndOfText = 50256

// TikToken wraps pkoukk/tiktoken-go. <|endoftext|> serves as both BOS and
// EOS; there is no pad token until one is set.
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
	eos      int

	mu    sync.RWMutex
	padID int
}

var _ lm.Tokenizer = (*TikToken)(nil)

// NewTikToken loads the named encoding. The BPE ranks are fetched and cached
// by tiktoken-go on first use (see TIKTOKEN_CACHE_DIR).
func NewTikToken(encodingName string) (*TikToken, error) {
	if encodingName == "" {
		encodingName = EncodingR50kBase
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encodingName, err)
	}
	eos := -1
	if ids := enc.Encode(endOfText, []string{"all"}, nil); len(ids) == 1 {
		eos = ids[0]
	} else if encodingName == EncodingR50kBase {
		eos = r50kEndOfText
	}
	return &TikToken{encoding: enc, name: encodingName, eos: eos, padID: -1}, nil
}

func (t *TikToken) Encode(text string) (lm.Encoding, error) {
	ids := t.encoding.Encode(text, []string{"all"}, nil)
	if ids == nil {
		ids = []int{}
	}
	return lm.Encoding{IDs: ids}, nil
}

func (t *TikToken) Decode(ids []int, skipSpecial bool) (string, error) {
	if skipSpecial && t.eos >= 0 {
		kept := make([]int, 0, len(ids))
		for _, id := range ids {
			if id != t.eos {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	return toValidUTF8([]byte(t.encoding.Decode(ids))), nil
}

func (t *TikToken) BOSTokenID() (int, bool) { return t.eos, t.eos >= 0 }
func (t *TikToken) EOSTokenID() (int, bool) { return t.eos, t.eos >= 0 }

func (t *TikToken) PadTokenID() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.padID, t.padID >= 0
}

func (t *TikToken) SetPadTokenID(id int) {
	t.mu.Lock()
	t.padID = id
	t.mu.Unlock()
}

// Name returns the encoding name.
func (t *TikToken) Name() string { return t.name }
