package shared

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var urlSafe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestNewURLTokenLengthAndAlphabet(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		tok, err := NewURLToken(TokenBytes)
		require.NoError(t, err)
		assert.Len(t, tok, 43)
		assert.Regexp(t, urlSafe, tok)
		_, dup := seen[tok]
		assert.False(t, dup)
		seen[tok] = struct{}{}
	}
}

func TestNewHexToken(t *testing.T) {
	tok, err := NewHexToken(16)
	require.NoError(t, err)
	assert.Len(t, tok, 32)
	assert.Regexp(t, `^[0-9a-f]+$`, tok)
}
