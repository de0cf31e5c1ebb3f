package coordinator

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// newToken returns 32 hex characters of crypto-random data.
func newToken() string {
	b := make([]byte, 16)
	// crypto/rand.Read never returns an error.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func tokenEqual(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
