package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint hashes a stem after collapsing whitespace and case-folding,
// so trivially reformatted stems collide.
func Fingerprint(stem string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(stem), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// DedupGuard holds the fingerprints of stems accepted during one run.
type DedupGuard struct {
	seen map[string]struct{}
}

func NewDedupGuard() *DedupGuard {
	return &DedupGuard{seen: make(map[string]struct{})}
}

func (g *DedupGuard) Seen(stem string) bool {
	_, ok := g.seen[Fingerprint(stem)]
	return ok
}

// Accept records stem and reports true iff it was not seen before.
func (g *DedupGuard) Accept(stem string) bool {
	fp := Fingerprint(stem)
	if _, ok := g.seen[fp]; ok {
		return false
	}
	g.seen[fp] = struct{}{}
	return true
}

func (g *DedupGuard) Len() int {
	return len(g.seen)
}
