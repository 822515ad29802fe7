// Package sessioncode generates short, human-readable codes for pairing a
// browser with a relay session. Codes avoid glyphs that are easily
// confused when read off a terminal or dictated aloud.
package sessioncode

import (
	"crypto/rand"
	"fmt"
)

// alphabet excludes 0/O, 1/I/L and other visually ambiguous characters.
const alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// Length is the number of characters in a generated code.
const Length = 6

// Generate returns a fresh random code. It does not check for collisions;
// callers with a live registry should retry on collision (see Unique).
func Generate() (string, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("sessioncode: read random: %w", err)
	}
	out := make([]byte, Length)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// Unique generates candidates until exists returns false for one of them,
// or attempts are exhausted. exists reports whether a code is already in
// use; it should be a cheap, thread-safe lookup against a live
// registry (e.g. a sync.Map or a mutex-guarded map).
func Unique(exists func(code string) bool) (string, error) {
	const maxAttempts = 100
	for i := 0; i < maxAttempts; i++ {
		candidate, err := Generate()
		if err != nil {
			return "", err
		}
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("sessioncode: exhausted %d attempts without finding a unique code", maxAttempts)
}
