package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The r50k ranks are downloaded on first use, so this only runs outside -short
// and is skipped when the encoding cannot be fetched.
func TestTikToken_R50k(t *testing.T) {
	if testing.Short() {
		t.Skip("needs network")
	}
	tok, err := NewTikToken(EncodingR50kBase)
	if err != nil {
		t.Skipf("r50k_base unavailable: %v", err)
	}

	enc, err := tok.Encode("Hello world")
	require.NoError(t, err)
	assert.Equal(t, []int{15496, 995}, enc.IDs)

	eos, ok := tok.EOSTokenID()
	require.True(t, ok)
	assert.Equal(t, 50256, eos)

	text, err := tok.Decode(append(enc.IDs, eos), true)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)

	_, ok = tok.PadTokenID()
	assert.False(t, ok)
	tok.SetPadTokenID(eos)
	pad, ok := tok.PadTokenID()
	assert.True(t, ok)
	assert.Equal(t, eos, pad)
}
