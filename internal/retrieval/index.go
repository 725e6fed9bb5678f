package retrieval

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Index is a similarity index over fragments, partitioned by subject.
// Search returns an empty slice, not an error, when the subject has no
// indexed material.
type Index interface {
	Search(ctx context.Context, subject string, vector []float32, topK int) ([]Fragment, error)
	Upsert(ctx context.Context, subject string, fragments []Fragment, vectors [][]float32) error
}

// FileTracker is implemented by indexes that remember which source files
// they hold, so ingestion can skip unchanged files.
type FileTracker interface {
	FileChecksum(ctx context.Context, path string) (string, bool, error)
	ReplaceFile(ctx context.Context, subject, path, checksum string) error
}

// Searcher pairs an embedder with an index: it is the retrieval entry point
// used by the scheduler.
type Searcher struct {
	embedder Embedder
	index    Index
}

func NewSearcher(embedder Embedder, index Index) *Searcher {
	return &Searcher{embedder: embedder, index: index}
}

func (s *Searcher) Search(ctx context.Context, subject, query string, topK int) ([]Fragment, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: empty query")
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	frags, err := s.index.Search(ctx, subject, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return frags, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
