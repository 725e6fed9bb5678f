package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sqe-prep/backend/internal/logger"
)

// CachedEmbedder memoizes embeddings in Redis. Topic and refresh queries
// repeat across runs, so most query embeddings become cache hits.
type CachedEmbedder struct {
	inner Embedder
	rdb   *redis.Client
	ttl   time.Duration
	log   *logger.Logger
}

func NewCachedEmbedder(inner Embedder, redisURL string, ttl time.Duration, log *logger.Logger) (*CachedEmbedder, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &CachedEmbedder{
		inner: inner,
		rdb:   redis.NewClient(opts),
		ttl:   ttl,
		log:   log.With("component", "embed_cache"),
	}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		if vec, derr := decodeVector(raw); derr == nil {
			return vec, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// cache trouble should never fail retrieval
		c.log.Warn("embedding cache read failed", "error", err)
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.rdb.Set(ctx, key, encodeVector(vec), c.ttl).Err(); err != nil {
		c.log.Warn("embedding cache write failed", "error", err)
	}
	return vec, nil
}

// EmbedBatch bypasses the cache; it is only used during ingestion.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *CachedEmbedder) Name() string {
	return c.inner.Name()
}

func (c *CachedEmbedder) Close() error {
	return c.rdb.Close()
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + c.inner.Name() + ":" + hex.EncodeToString(sum[:])
}
