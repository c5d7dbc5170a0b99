package rand

import (
	"crypto/rand"
	"encoding/hex"
)

// ID16 returns a 16-character hex identifier from a CSPRNG.
func ID16() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("rand: " + err.Error())
	}
	return hex.EncodeToString(b)
}
