package shared

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// TokenBytes is the entropy of public access tokens; it encodes to 43 URL-safe characters.
const TokenBytes = 32

// NewURLToken returns an unpadded URL-safe base64 token of n random bytes.
func NewURLToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("shared: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewHexToken returns a hex token of n random bytes.
func NewHexToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("shared: read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
