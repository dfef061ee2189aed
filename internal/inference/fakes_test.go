package inference

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"attnd/internal/lm"
)

// wordTokenizer maps each space-separated word to an id; id i decodes to
// vocab[i]. Words after the first carry a leading space.
type wordTokenizer struct {
	vocab     []string
	bos, pad  int
	hasBOS    bool
	hasPad    bool
	nilIDs    bool
	encodeErr error
	decodeErr error
}

func newWordTokenizer(words ...string) *wordTokenizer {
	vocab := append([]string{"<|endoftext|>"}, words...)
	return &wordTokenizer{vocab: vocab, bos: 0, hasBOS: true}
}

func (t *wordTokenizer) Encode(text string) (lm.Encoding, error) {
	if t.encodeErr != nil {
		return lm.Encoding{}, t.encodeErr
	}
	if t.nilIDs {
		return lm.Encoding{}, nil
	}
	ids := []int{}
	for i, w := range strings.Fields(text) {
		if i > 0 {
			w = " " + w
		}
		id := t.lookup(w)
		if id < 0 {
			return lm.Encoding{}, errors.New("unknown word " + w)
		}
		ids = append(ids, id)
	}
	return lm.Encoding{IDs: ids}, nil
}

func (t *wordTokenizer) lookup(w string) int {
	for i, v := range t.vocab {
		if v == w {
			return i
		}
	}
	return -1
}

func (t *wordTokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	if t.decodeErr != nil {
		return "", t.decodeErr
	}
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.vocab) {
			return "", errors.New("id out of range")
		}
		if skipSpecial && id == 0 {
			continue
		}
		b.WriteString(t.vocab[id])
	}
	return b.String(), nil
}

func (t *wordTokenizer) BOSTokenID() (int, bool) { return t.bos, t.hasBOS }
func (t *wordTokenizer) EOSTokenID() (int, bool) { return 0, true }
func (t *wordTokenizer) PadTokenID() (int, bool) { return t.pad, t.hasPad }
func (t *wordTokenizer) SetPadTokenID(id int)    { t.pad, t.hasPad = id, true }

// slowTokenizer sleeps on every Decode and ignores cancellation.
type slowTokenizer struct {
	*wordTokenizer
	delay   time.Duration
	decodes atomic.Int32
}

func (t *slowTokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	t.decodes.Add(1)
	time.Sleep(t.delay)
	return t.wordTokenizer.Decode(ids, skipSpecial)
}

type ctxKey struct{}

// ctxTokenizer records the ctxKey value seen by each context-aware call.
type ctxTokenizer struct {
	*wordTokenizer
	mu   sync.Mutex
	seen []any
}

func (t *ctxTokenizer) note(ctx context.Context) {
	t.mu.Lock()
	t.seen = append(t.seen, ctx.Value(ctxKey{}))
	t.mu.Unlock()
}

func (t *ctxTokenizer) EncodeContext(ctx context.Context, text string) (lm.Encoding, error) {
	t.note(ctx)
	return t.Encode(text)
}

func (t *ctxTokenizer) DecodeContext(ctx context.Context, ids []int, skipSpecial bool) (string, error) {
	t.note(ctx)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return t.Decode(ids, skipSpecial)
}

// scriptModel appends a fixed continuation on Generate and returns canned
// attentions on Forward.
type scriptModel struct {
	mu         sync.Mutex
	next       []int
	seqs       [][]int
	genErr     error
	lastOpts   lm.GenerateOptions
	lastIDs    []int
	attentions func(n int) []*lm.Attention
	fwdErr     error
	block      chan struct{}
	entered    chan struct{}
}

func (m *scriptModel) Info() lm.ModelInfo {
	return lm.ModelInfo{ID: "fake", Backend: "fake", Layers: 2, Heads: 2, VocabSize: 10, MaxPositions: 64, EOSTokenID: 0, PadTokenID: -1}
}

func (m *scriptModel) SetPadTokenID(int) {}

func (m *scriptModel) wait(ctx context.Context) error {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block == nil {
		return nil
	}
	select {
	case <-m.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *scriptModel) Generate(ctx context.Context, ids []int, opts lm.GenerateOptions) ([][]int, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.lastOpts = opts
	m.lastIDs = append([]int(nil), ids...)
	m.mu.Unlock()
	if m.genErr != nil {
		return nil, m.genErr
	}
	if m.seqs != nil {
		return m.seqs, nil
	}
	seq := append(append([]int(nil), ids...), m.next...)
	return [][]int{seq}, nil
}

func (m *scriptModel) Forward(ctx context.Context, ids []int, opts lm.ForwardOptions) (*lm.ForwardOutput, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.fwdErr != nil {
		return nil, m.fwdErr
	}
	if m.attentions == nil {
		return &lm.ForwardOutput{}, nil
	}
	return &lm.ForwardOutput{Attentions: m.attentions(len(ids))}, nil
}

// twoHeadLayer builds a [1,2,n,n] tensor: head 0 attends to the first token,
// head 1 to the query position itself.
func twoHeadLayer(n int) *lm.Attention {
	a := lm.NewAttention(1, 2, n, n)
	for q := 0; q < n; q++ {
		a.Row(0, 0, q)[0] = 1
		a.Row(0, 1, q)[q] += 1
	}
	return a
}
