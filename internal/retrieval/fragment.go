package retrieval

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// FragmentKey is the stable identity of a chunk of source material.
type FragmentKey struct {
	SourceID string
	Page     int
	Index    int
}

func (k FragmentKey) String() string {
	return fmt.Sprintf("%s#p%d#c%d", k.SourceID, k.Page, k.Index)
}

// ParseFragmentKey reverses FragmentKey.String.
func ParseFragmentKey(s string) (FragmentKey, error) {
	i := strings.LastIndex(s, "#c")
	if i < 0 {
		return FragmentKey{}, fmt.Errorf("fragment key %q: missing chunk index", s)
	}
	idx, err := strconv.Atoi(s[i+2:])
	if err != nil {
		return FragmentKey{}, fmt.Errorf("fragment key %q: %w", s, err)
	}
	rest := s[:i]
	j := strings.LastIndex(rest, "#p")
	if j < 0 {
		return FragmentKey{}, fmt.Errorf("fragment key %q: missing page", s)
	}
	page, err := strconv.Atoi(rest[j+2:])
	if err != nil {
		return FragmentKey{}, fmt.Errorf("fragment key %q: %w", s, err)
	}
	return FragmentKey{SourceID: rest[:j], Page: page, Index: idx}, nil
}

// Fragment is one retrieved unit of source text.
type Fragment struct {
	SourceID string  `json:"source_id"`
	Page     int     `json:"page"`
	Index    int     `json:"fragment_index"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

func (f Fragment) Key() FragmentKey {
	return FragmentKey{SourceID: f.SourceID, Page: f.Page, Index: f.Index}
}

// Citation is the human-readable reference attached to generated items,
// e.g. "contract-law.pdf, p. 12 (chunk 3)".
func (f Fragment) Citation() string {
	return fmt.Sprintf("%s, p. %d (chunk %d)", filepath.Base(f.SourceID), f.Page, f.Index)
}
