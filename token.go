package rzlock

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// debugSentinel separates the comparable core token from appended debug
// metadata (spec.md §4.2). The core token is always everything before it.
const debugSentinel = " !!DEBUG!! "

const tokenBaseLen = 17

// tokenGenerator produces unique, comparable acquisition tokens of the
// form PP + 17-char base + decimal counter (spec.md §4.2). One generator
// is owned per locker instance; its base is fixed for the instance's
// lifetime unless overridden per call via Options.TokenBase (used by
// LockSet to share conflict-resolution identity across writers).
type tokenGenerator struct {
	base    string
	counter uint64
	debug   bool
}

func newTokenGenerator(debug bool) *tokenGenerator {
	return &tokenGenerator{base: randomTokenBase(), debug: debug}
}

// randomTokenBase derives a 17-character base from a UUIDv4's entropy,
// re-encoded with base32 (case-insensitive alphabet, no padding) so the
// result is safe to embed directly in a Redis key/value.
func randomTokenBase() string {
	id := uuid.New()
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(id[:])
	if len(encoded) < tokenBaseLen {
		extra := make([]byte, tokenBaseLen)
		_, _ = rand.Read(extra)
		encoded += base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(extra)
	}
	return strings.ToLower(encoded[:tokenBaseLen])
}

// next produces a new token for the given priority (0-99, lower wins
// conflicts) using this generator's base, or overrideBase if non-empty
// (spec.md's tokenBase option).
func (g *tokenGenerator) next(priority int, overrideBase string) string {
	base := g.base
	if overrideBase != "" {
		base = overrideBase
	}
	n := atomic.AddUint64(&g.counter, 1)
	core := fmt.Sprintf("%02d%s%d", clampPriority(priority), base, n)
	if g.debug {
		return core + debugSentinel + fmt.Sprintf(`{"processId":%q,"base":%q}`, uuid.NewString(), base)
	}
	return core
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 99 {
		return 99
	}
	return p
}

// coreToken strips any debug metadata suffix, returning the comparable
// portion of a token.
func coreToken(token string) string {
	if idx := strings.Index(token, debugSentinel); idx >= 0 {
		return token[:idx]
	}
	return token
}

// tokenLess reports whether a wins conflict resolution over b: lower
// lexicographic order on the core token wins (priority prefix dominates).
func tokenLess(a, b string) bool {
	return coreToken(a) < coreToken(b)
}
