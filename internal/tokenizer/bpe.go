// Package tokenizer implements the GPT-2 byte-level BPE tokenizer and a
// tiktoken-backed alternative. Both satisfy lm.Tokenizer.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"

	"attnd/internal/lm"
)

// GPT2Pattern is the GPT-2 pre-tokenization regex. The (?!\S) lookahead
// keeps a single space attached to the following word.
const GPT2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

const maxCacheEntries = 1 << 16

// BPEOptions describes special tokens and decoding behavior.
type BPEOptions struct {
	// Specials lists added tokens matched verbatim before pre-tokenization.
	// Specials marked true are dropped when decoding with skipSpecial.
	Specials      map[string]bool
	BOSToken      string
	EOSToken      string
	PadToken      string
	UnkToken      string
	CleanupSpaces bool
	Pattern       string
}

// BPE is a byte-level BPE tokenizer. It is safe for concurrent use.
type BPE struct {
	encoder     map[string]int
	decoder     map[int]string
	ranks       map[Pair]int
	byteEncoder [256]string
	byteDecoder map[rune]byte
	pattern     *regexp2.Regexp

	specials   []string
	skippable  map[int]bool
	bosID      int
	eosID      int
	unkID      int
	cleanup    bool
	vocabSize  int

	mu    sync.RWMutex
	padID int
	cache map[string][]string
}

var _ lm.Tokenizer = (*BPE)(nil)

// NewBPE builds a tokenizer from a vocabulary and an ordered merge list
// ("a b" per entry, lowest index merges first).
func NewBPE(vocab map[string]int, merges []string, opts BPEOptions) (*BPE, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	pat := opts.Pattern
	if pat == "" {
		pat = GPT2Pattern
	}
	re, err := regexp2.Compile(pat, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("compile pre-tokenizer pattern: %w", err)
	}

	t := &BPE{
		encoder:   make(map[string]int, len(vocab)),
		decoder:   make(map[int]string, len(vocab)),
		ranks:     make(map[Pair]int, len(merges)),
		pattern:   re,
		skippable: make(map[int]bool),
		bosID:     -1,
		eosID:     -1,
		unkID:     -1,
		padID:     -1,
		cleanup:   opts.CleanupSpaces,
		cache:     make(map[string][]string),
	}
	for tok, id := range vocab {
		t.encoder[tok] = id
		t.decoder[id] = tok
		if id+1 > t.vocabSize {
			t.vocabSize = id + 1
		}
	}
	rank := 0
	for _, line := range merges {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok || a == "" || b == "" || strings.Contains(b, " ") {
			continue
		}
		p := Pair{A: a, B: b}
		if _, dup := t.ranks[p]; !dup {
			t.ranks[p] = rank
			rank++
		}
	}
	t.byteEncoder, t.byteDecoder = bytesToUnicode()

	for tok, special := range opts.Specials {
		id, ok := t.encoder[tok]
		if !ok {
			return nil, fmt.Errorf("special token %q not in vocabulary", tok)
		}
		t.specials = append(t.specials, tok)
		if special {
			t.skippable[id] = true
		}
	}
	sortLongestFirst(t.specials)

	lookup := func(name, tok string) (int, error) {
		if tok == "" {
			return -1, nil
		}
		id, ok := t.encoder[tok]
		if !ok {
			return -1, fmt.Errorf("%s token %q not in vocabulary", name, tok)
		}
		return id, nil
	}
	if t.bosID, err = lookup("bos", opts.BOSToken); err != nil {
		return nil, err
	}
	if t.eosID, err = lookup("eos", opts.EOSToken); err != nil {
		return nil, err
	}
	if t.padID, err = lookup("pad", opts.PadToken); err != nil {
		return nil, err
	}
	if t.unkID, err = lookup("unk", opts.UnkToken); err != nil {
		return nil, err
	}
	for _, id := range []int{t.bosID, t.eosID, t.padID} {
		if id >= 0 && isControlToken(t.decoder[id]) {
			t.skippable[id] = true
		}
	}
	return t, nil
}

// Encode tokenizes text. No BOS or EOS is added.
func (t *BPE) Encode(text string) (lm.Encoding, error) {
	ids := make([]int, 0, len(text)/3+1)
	for _, part := range splitSpecials(text, t.specials) {
		if part.isSpecial {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		pieces, err := t.pretokenize(part.text)
		if err != nil {
			return lm.Encoding{}, err
		}
		for _, piece := range pieces {
			for _, sym := range t.bpe(t.byteEncode(piece)) {
				id, ok := t.encoder[sym]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return lm.Encoding{}, fmt.Errorf("unknown token: %q", sym)
				}
				ids = append(ids, id)
			}
		}
	}
	return lm.Encoding{IDs: ids}, nil
}

// Decode renders ids as text. Invalid UTF-8 is replaced with U+FFFD.
func (t *BPE) Decode(ids []int, skipSpecial bool) (string, error) {
	var b []byte
	for _, id := range ids {
		tok, ok := t.decoder[id]
		if !ok {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		if skipSpecial && t.skippable[id] {
			continue
		}
		for _, r := range tok {
			if by, ok := t.byteDecoder[r]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	out := toValidUTF8(b)
	if t.cleanup {
		out = cleanupSpaces(out)
	}
	return out, nil
}

func (t *BPE) BOSTokenID() (int, bool) { return t.bosID, t.bosID >= 0 }
func (t *BPE) EOSTokenID() (int, bool) { return t.eosID, t.eosID >= 0 }

func (t *BPE) PadTokenID() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.padID, t.padID >= 0
}

func (t *BPE) SetPadTokenID(id int) {
	t.mu.Lock()
	t.padID = id
	t.mu.Unlock()
}

// VocabSize is one past the largest token id.
func (t *BPE) VocabSize() int { return t.vocabSize }

// TokenString returns the raw vocabulary entry for id.
func (t *BPE) TokenString(id int) string { return t.decoder[id] }

func (t *BPE) pretokenize(text string) ([]string, error) {
	var out []string
	m, err := t.pattern.FindStringMatch(text)
	for m != nil && err == nil {
		out = append(out, m.String())
		m, err = t.pattern.FindNextMatch(m)
	}
	if err != nil {
		return nil, fmt.Errorf("pre-tokenize: %w", err)
	}
	return out, nil
}

func (t *BPE) byteEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		b.WriteString(t.byteEncoder[s[i]])
	}
	return b.String()
}

func (t *BPE) bpe(token string) []string {
	t.mu.RLock()
	v, ok := t.cache[token]
	t.mu.RUnlock()
	if ok {
		return v
	}

	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		var bestPair Pair
		found := false
		for p := range pairs {
			if rank, ok := t.ranks[p]; ok && rank < bestRank {
				bestRank = rank
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}

	t.mu.Lock()
	if len(t.cache) >= maxCacheEntries {
		t.cache = make(map[string][]string)
	}
	t.cache[token] = word
	t.mu.Unlock()
	return word
}
