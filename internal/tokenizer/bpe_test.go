package tokenizer

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = map[string]int{
	"H": 0, "e": 1, "l": 2, "o": 3, "Ġ": 4, "w": 5, "r": 6, "d": 7,
	"ll": 8, "Ġw": 9, "<|endoftext|>": 10,
}

const testTokenizerJSON = `{
  "version": "1.0",
  "added_tokens": [{"id": 10, "content": "<|endoftext|>", "special": true}],
  "pre_tokenizer": {"type": "ByteLevel", "add_prefix_space": false},
  "model": {
    "type": "BPE",
    "vocab": {"H":0,"e":1,"l":2,"o":3,"Ġ":4,"w":5,"r":6,"d":7,"ll":8,"Ġw":9,"<|endoftext|>":10},
    "merges": ["l l", ["Ġ", "w"]]
  }
}`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func loadTestTokenizer(t *testing.T) *BPE {
	t.Helper()
	tok, err := LoadDir(writeFiles(t, map[string]string{FileTokenizerJSON: testTokenizerJSON}))
	require.NoError(t, err)
	return tok
}

func TestBPE_EncodeDecode(t *testing.T) {
	tok := loadTestTokenizer(t)

	tests := []struct {
		name string
		text string
		want []int
	}{
		{"words", "Hello world", []int{0, 1, 8, 3, 9, 3, 6, 2, 7}},
		{"special token", "Hello<|endoftext|>", []int{0, 1, 8, 3, 10}},
		{"empty", "", []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := tok.Encode(tt.text)
			require.NoError(t, err)
			require.NotNil(t, enc.IDs)
			assert.Equal(t, tt.want, enc.IDs)

			text, err := tok.Decode(enc.IDs, false)
			require.NoError(t, err)
			assert.Equal(t, tt.text, text)
		})
	}
}

func TestBPE_DecodeSkipSpecial(t *testing.T) {
	tok := loadTestTokenizer(t)
	got, err := tok.Decode([]int{0, 1, 8, 3, 10}, true)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got)

	got, err = tok.Decode([]int{10}, false)
	require.NoError(t, err)
	assert.Equal(t, "<|endoftext|>", got)

	_, err = tok.Decode([]int{99}, false)
	assert.Error(t, err)
}

func TestBPE_SpecialIDs(t *testing.T) {
	tok := loadTestTokenizer(t)

	bos, ok := tok.BOSTokenID()
	assert.True(t, ok)
	assert.Equal(t, 10, bos)
	eos, ok := tok.EOSTokenID()
	assert.True(t, ok)
	assert.Equal(t, 10, eos)

	_, ok = tok.PadTokenID()
	assert.False(t, ok)
	tok.SetPadTokenID(eos)
	pad, ok := tok.PadTokenID()
	assert.True(t, ok)
	assert.Equal(t, 10, pad)
}

func TestBPE_PretokenizeKeepsSpaceWithNextWord(t *testing.T) {
	tok := loadTestTokenizer(t)
	pieces, err := tok.pretokenize("Hello  world")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", " ", " world"}, pieces)

	pieces, err = tok.pretokenize("it's 42!")
	require.NoError(t, err)
	assert.Equal(t, []string{"it", "'s", " 42", "!"}, pieces)
}

func TestBPE_UnknownSymbol(t *testing.T) {
	// LoadDir falls back to <|endoftext|> as unk.
	tok := loadTestTokenizer(t)
	enc, err := tok.Encode("Hz")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 10}, enc.IDs)

	strict, err := NewBPE(testVocab, []string{"l l"}, BPEOptions{})
	require.NoError(t, err)
	_, err = strict.Encode("Hz")
	assert.ErrorContains(t, err, "unknown token")
}

func TestBPE_DecodeInvalidUTF8(t *testing.T) {
	vocab := map[string]int{"Ã": 0, "H": 1}
	tok, err := NewBPE(vocab, nil, BPEOptions{})
	require.NoError(t, err)
	// "Ã" is the byte-level symbol for 0xC3, a lone UTF-8 lead byte.
	got, err := tok.Decode([]int{1, 0}, false)
	require.NoError(t, err)
	assert.Equal(t, "H\uFFFD", got)
}

func TestBPE_DecodeReplacesEachBadByte(t *testing.T) {
	// "ÿ" and "þ" are the byte-level symbols for 0xFF and 0xFE.
	tok, err := NewBPE(map[string]int{"ÿ": 0, "þ": 1, "H": 2}, nil, BPEOptions{})
	require.NoError(t, err)
	got, err := tok.Decode([]int{2, 0, 1, 2}, false)
	require.NoError(t, err)
	assert.Equal(t, "H\uFFFD\uFFFDH", got)
}

func TestToValidUTF8(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"héllo", "héllo"},
		{"\xff\xfe", "\uFFFD\uFFFD"},
		{"a\xe2\x82b", "a\uFFFDb"},
		{"\xe2\x82", "\uFFFD"},
		{"\xed\xa0\x80", "\uFFFD\uFFFD\uFFFD"},
		{"\xf0\x9f\x98", "\uFFFD"},
		{"\xc0\xaf", "\uFFFD\uFFFD"},
		{"\uFFFD", "\uFFFD"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toValidUTF8([]byte(tt.in)), "%q", tt.in)
	}
}

func TestLoadDir_VocabAndMerges(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		FileVocabJSON:       `{"H":0,"e":1,"l":2,"o":3,"Ġ":4,"w":5,"r":6,"d":7,"ll":8,"Ġw":9,"<|endoftext|>":10}`,
		FileMergesTXT:       "#version: 0.2\nl l\nĠ w\n",
		FileTokenizerConfig: `{"model_max_length": 1024, "pad_token": {"content": "<|endoftext|>"},
			"clean_up_tokenization_spaces": true}`,
	})
	tok, err := LoadDir(dir)
	require.NoError(t, err)

	enc, err := tok.Encode("Hello world")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 8, 3, 9, 3, 6, 2, 7}, enc.IDs)

	pad, ok := tok.PadTokenID()
	assert.True(t, ok)
	assert.Equal(t, 10, pad)

	// <|endoftext|> is registered as a special token even without tokenizer.json.
	enc, err = tok.Encode("<|endoftext|>")
	require.NoError(t, err)
	assert.Equal(t, []int{10}, enc.IDs)
}

func TestLoadDir_Missing(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	assert.Error(t, err)
}

func TestCleanupSpaces(t *testing.T) {
	assert.Equal(t, "Hello, world. It's fine!", cleanupSpaces("Hello , world . It 's fine !"))
}

func TestBPE_ConcurrentEncode(t *testing.T) {
	tok := loadTestTokenizer(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				enc, err := tok.Encode("Hello world Hello")
				if !assert.NoError(t, err) {
					return
				}
				assert.Len(t, enc.IDs, 14)
			}
		}()
	}
	wg.Wait()
}
