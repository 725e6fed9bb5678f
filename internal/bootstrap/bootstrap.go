// Package bootstrap assembles the retrieval and generation stacks from
// configuration. Both entry points (the API server and the CLI) use it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sqe-prep/backend/internal/config"
	"github.com/sqe-prep/backend/internal/generator"
	"github.com/sqe-prep/backend/internal/logger"
	"github.com/sqe-prep/backend/internal/retrieval"
)

// Retrieval is the embedder/index pair plus the Searcher built on them.
type Retrieval struct {
	Embedder retrieval.Embedder
	Index    retrieval.Index
	Searcher *retrieval.Searcher

	closers []io.Closer
}

// NewEmbedder returns the configured embedder, wrapped in the Redis cache
// when a Redis URL is set.
func NewEmbedder(ctx context.Context, cfg config.RetrievalConfig, log *logger.Logger) (retrieval.Embedder, io.Closer, error) {
	var base retrieval.Embedder
	switch cfg.Embedder {
	case "hash":
		base = retrieval.NewHashEmbedder(cfg.HashDimensions)
	case "genai":
		e, err := retrieval.NewGenAIEmbedder(ctx, cfg.EmbedAPIKey, cfg.EmbedModel)
		if err != nil {
			return nil, nil, err
		}
		base = e
	default:
		e, err := retrieval.NewOpenAIEmbedder(cfg.EmbedAPIKey, cfg.EmbedModel)
		if err != nil {
			return nil, nil, err
		}
		base = e
	}

	if strings.TrimSpace(cfg.RedisURL) == "" {
		return base, nil, nil
	}
	cached, err := retrieval.NewCachedEmbedder(base, cfg.RedisURL, cfg.CacheTTL, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info("embedding cache enabled", "embedder", base.Name())
	return cached, cached, nil
}

// NewIndex opens the configured vector index.
func NewIndex(ctx context.Context, cfg config.RetrievalConfig, log *logger.Logger) (retrieval.Index, io.Closer, error) {
	switch cfg.Index {
	case "pinecone":
		idx, err := retrieval.NewPineconeIndex(ctx, log, retrieval.PineconeConfig{
			APIKey:    cfg.PineconeAPIKey,
			IndexName: cfg.PineconeIndex,
			Host:      cfg.PineconeHost,
			Namespace: cfg.PineconeNamespace,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open pinecone index: %w", err)
		}
		return idx, nil, nil
	default:
		idx, err := retrieval.OpenSQLiteIndex(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return idx, idx, nil
	}
}

// NewRetrieval builds the embedder, the index and the Searcher.
func NewRetrieval(ctx context.Context, cfg config.RetrievalConfig, log *logger.Logger) (*Retrieval, error) {
	r := &Retrieval{}

	emb, closer, err := NewEmbedder(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}
	if closer != nil {
		r.closers = append(r.closers, closer)
	}

	idx, closer, err := NewIndex(ctx, cfg, log)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("build index: %w", err)
	}
	if closer != nil {
		r.closers = append(r.closers, closer)
	}

	r.Embedder = emb
	r.Index = idx
	r.Searcher = retrieval.NewSearcher(emb, idx)
	log.Info("retrieval ready", "embedder", emb.Name(), "index", cfg.Index)
	return r, nil
}

// Ingestor returns an Ingestor over the same embedder and index.
func (r *Retrieval) Ingestor(cfg config.RetrievalConfig, force bool, log *logger.Logger) *retrieval.Ingestor {
	return retrieval.NewIngestor(r.Embedder, r.Index, retrieval.IngestOptions{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		EmbedBatch:   cfg.EmbedBatch,
		Force:        force,
	}, log)
}

func (r *Retrieval) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// NewGeneration builds the generator and, when enabled, the verifier. The
// verifier is nil for the mock provider since mock answers carry no signal.
func NewGeneration(cfg config.GeneratorConfig, exam string, log *logger.Logger) (*generator.Generator, *generator.Verifier, error) {
	gen, err := generator.NewGenerator(cfg, exam, log)
	if err != nil {
		return nil, nil, fmt.Errorf("build generator: %w", err)
	}
	if !cfg.Verify || cfg.Provider == "mock" {
		return gen, nil, nil
	}

	llm, model := gen.LLM(), gen.ModelName()
	if cfg.VerifyModel != "" && cfg.Provider == "anthropic" {
		llm = generator.NewAPIClient(cfg.APIKey, cfg.VerifyModel, cfg.MaxTokens, 0, log)
		model = cfg.VerifyModel
	}
	return gen, generator.NewVerifier(llm, model, log), nil
}
