package accesscode

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

// Prefix is the fixed product tag carried by every issued code.
const Prefix = "AUTOOS"

const (
	charset    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	groupCount = 5
	groupLen   = 5
)

// Generator mints access codes of the form AUTOOS-XXXXX-XXXXX-XXXXX-XXXXX-XXXXX.
// 25 chars over a 36-symbol alphabet gives ~129 bits, above the 128-bit floor.
type Generator struct {
	Rand io.Reader
}

func NewGenerator() *Generator {
	return &Generator{Rand: rand.Reader}
}

// Generate draws every character from the generator's entropy source using
// rejection sampling so the distribution over the alphabet stays uniform.
// If the source fails the code is not issued; there is no weaker fallback.
func (g *Generator) Generate() (string, error) {
	source := g.Rand
	if source == nil {
		source = rand.Reader
	}

	chars := make([]byte, 0, groupCount*groupLen)
	buf := make([]byte, 64)
	// Largest multiple of 36 below 256; bytes at or above it are rejected.
	const limit = byte(252)

	for len(chars) < cap(chars) {
		if _, err := io.ReadFull(source, buf); err != nil {
			return "", fmt.Errorf("read entropy source: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			chars = append(chars, charset[int(b)%len(charset)])
			if len(chars) == cap(chars) {
				break
			}
		}
	}

	groups := make([]string, 0, groupCount+1)
	groups = append(groups, Prefix)
	for i := 0; i < groupCount; i++ {
		groups = append(groups, string(chars[i*groupLen:(i+1)*groupLen]))
	}
	return strings.Join(groups, "-"), nil
}

// ValidFormat reports whether code is syntactically a well-formed access code.
// It is a pure charset/grouping/length check and never touches storage.
func ValidFormat(code string) bool {
	parts := strings.Split(code, "-")
	if len(parts) != groupCount+1 {
		return false
	}
	if parts[0] != Prefix {
		return false
	}
	for _, group := range parts[1:] {
		if len(group) != groupLen {
			return false
		}
		for i := 0; i < len(group); i++ {
			c := group[i]
			if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
				return false
			}
		}
	}
	return true
}
