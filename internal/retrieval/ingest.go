package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sqe-prep/backend/internal/logger"
	pdf "rsc.io/pdf"
)

// ExtractPages returns the text of each page of a PDF, 1-based page i at
// index i-1. Pages without a text layer come back empty.
func ExtractPages(path string) (pages []string, err error) {
	// rsc.io/pdf panics on some malformed streams
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read pdf %s: %v", path, r)
		}
	}()

	r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}

	total := r.NumPage()
	pages = make([]string, 0, total)
	for i := 1; i <= total; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		var sb strings.Builder
		for _, t := range p.Content().Text {
			sb.WriteString(t.S)
		}
		pages = append(pages, sb.String())
	}
	return pages, nil
}

type IngestOptions struct {
	ChunkSize    int
	ChunkOverlap int
	EmbedBatch   int
	Force        bool
}

type IngestStats struct {
	Files   int `json:"files"`
	Skipped int `json:"skipped"`
	Chunks  int `json:"chunks"`
}

// Ingestor chunks, embeds and indexes source documents.
type Ingestor struct {
	embedder Embedder
	index    Index
	opts     IngestOptions
	log      *logger.Logger
}

func NewIngestor(embedder Embedder, index Index, opts IngestOptions, log *logger.Logger) *Ingestor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 180
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = 0
	}
	if opts.EmbedBatch <= 0 {
		opts.EmbedBatch = 32
	}
	return &Ingestor{embedder: embedder, index: index, opts: opts, log: log.With("component", "ingest")}
}

// IngestDir indexes every .pdf, .txt and .md file under dir for subject.
func (in *Ingestor) IngestDir(ctx context.Context, subject, dir string) (*IngestStats, error) {
	stats := &IngestStats{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".pdf", ".txt", ".md":
		default:
			return nil
		}
		n, skipped, err := in.IngestFile(ctx, subject, path)
		if err != nil {
			return err
		}
		stats.Files++
		stats.Chunks += n
		if skipped {
			stats.Skipped++
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// IngestFile indexes one file. It returns the number of chunks written and
// whether the file was skipped because its checksum is unchanged.
func (in *Ingestor) IngestFile(ctx context.Context, subject, path string) (int, bool, error) {
	checksum, err := fileChecksum(path)
	if err != nil {
		return 0, false, err
	}

	tracker, tracked := in.index.(FileTracker)
	if tracked && !in.opts.Force {
		prev, ok, err := tracker.FileChecksum(ctx, path)
		if err != nil {
			return 0, false, err
		}
		if ok && prev == checksum {
			in.log.Debug("unchanged, skipping", "path", path)
			return 0, true, nil
		}
	}

	pages, err := readPages(path)
	if err != nil {
		return 0, false, err
	}

	var frags []Fragment
	for i, text := range pages {
		for j, chunk := range ChunkText(text, in.opts.ChunkSize, in.opts.ChunkOverlap) {
			frags = append(frags, Fragment{SourceID: path, Page: i + 1, Index: j, Text: chunk})
		}
	}
	if len(frags) == 0 {
		in.log.Warn("no extractable text", "path", path)
	}

	if tracked {
		if err := tracker.ReplaceFile(ctx, subject, path, checksum); err != nil {
			return 0, false, err
		}
	}

	for start := 0; start < len(frags); start += in.opts.EmbedBatch {
		end := min(start+in.opts.EmbedBatch, len(frags))
		batch := frags[start:end]
		texts := make([]string, len(batch))
		for i, f := range batch {
			texts[i] = f.Text
		}
		vecs, err := in.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return start, false, fmt.Errorf("embed %s: %w", path, err)
		}
		if err := in.index.Upsert(ctx, subject, batch, vecs); err != nil {
			return start, false, fmt.Errorf("index %s: %w", path, err)
		}
	}

	in.log.Info("indexed file", "path", path, "subject", subject, "pages", len(pages), "chunks", len(frags))
	return len(frags), false, nil
}

// readPages treats plain text files as a single page.
func readPages(path string) ([]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return ExtractPages(path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return []string{string(raw)}, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
