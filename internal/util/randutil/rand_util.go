package randutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Hex returns n bytes from crypto/rand, hex encoded. Panics if the system's
// source of randomness fails.
func Hex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("error generating random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}
