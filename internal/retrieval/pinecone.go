package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sqe-prep/backend/internal/logger"
)

type PineconeConfig struct {
	APIKey     string
	APIVersion string
	BaseURL    string
	IndexName  string
	Host       string
	Namespace  string
	Timeout    time.Duration
}

// PineconeIndex talks to the Pinecone data plane over plain JSON/HTTP.
// Vectors are tagged with a "subject" metadata field and searches filter on it.
type PineconeIndex struct {
	log  *logger.Logger
	cfg  PineconeConfig
	http *http.Client
}

func NewPineconeIndex(ctx context.Context, log *logger.Logger, cfg PineconeConfig) (*PineconeIndex, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing Pinecone API key")
	}
	if strings.TrimSpace(cfg.APIVersion) == "" {
		cfg.APIVersion = "2025-10"
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.pinecone.io"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &PineconeIndex{
		log:  log.With("client", "PineconeIndex"),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	if strings.TrimSpace(p.cfg.Host) == "" {
		desc, err := p.describeIndex(ctx, cfg.IndexName)
		if err != nil {
			return nil, err
		}
		p.cfg.Host = desc.Host
	}
	return p, nil
}

type pineconeIndexDescription struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
}

func (p *PineconeIndex) describeIndex(ctx context.Context, indexName string) (*pineconeIndexDescription, error) {
	indexName = strings.TrimSpace(indexName)
	if indexName == "" {
		return nil, fmt.Errorf("pinecone: index name or host required")
	}
	u := strings.TrimRight(p.cfg.BaseURL, "/") + "/indexes/" + indexName
	out, err := pineconeJSON[pineconeIndexDescription](p, ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("pinecone describe_index: %w", err)
	}
	if strings.TrimSpace(out.Host) == "" {
		return nil, fmt.Errorf("pinecone describe_index returned empty host")
	}
	return out, nil
}

type pineconeVector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type pineconeUpsertRequest struct {
	Vectors   []pineconeVector `json:"vectors"`
	Namespace string           `json:"namespace,omitempty"`
}

type pineconeUpsertResponse struct {
	UpsertedCount int64 `json:"upsertedCount"`
}

type pineconeQueryRequest struct {
	Namespace       string         `json:"namespace,omitempty"`
	Vector          []float32      `json:"vector"`
	TopK            int            `json:"topK"`
	Filter          map[string]any `json:"filter,omitempty"`
	IncludeMetadata bool           `json:"includeMetadata"`
}

type pineconeMatch struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type pineconeQueryResponse struct {
	Matches []pineconeMatch `json:"matches"`
}

// Pinecone caps a single upsert request; stay well under it.
const pineconeUpsertBatch = 100

func (p *PineconeIndex) Upsert(ctx context.Context, subject string, fragments []Fragment, vectors [][]float32) error {
	if len(fragments) != len(vectors) {
		return fmt.Errorf("upsert: %d fragments but %d vectors", len(fragments), len(vectors))
	}
	for start := 0; start < len(fragments); start += pineconeUpsertBatch {
		end := min(start+pineconeUpsertBatch, len(fragments))
		req := pineconeUpsertRequest{Namespace: p.cfg.Namespace}
		for i := start; i < end; i++ {
			f := fragments[i]
			req.Vectors = append(req.Vectors, pineconeVector{
				ID:     f.Key().String(),
				Values: vectors[i],
				Metadata: map[string]any{
					"subject":     subject,
					"source":      f.SourceID,
					"page":        f.Page,
					"chunk_index": f.Index,
					"text":        f.Text,
				},
			})
		}
		resp, err := pineconeJSON[pineconeUpsertResponse](p, ctx, http.MethodPost, "https://"+p.cfg.Host+"/vectors/upsert", req)
		if err != nil {
			return fmt.Errorf("pinecone upsert: %w", err)
		}
		p.log.Debug("pinecone upsert", "subject", subject, "count", resp.UpsertedCount)
	}
	return nil
}

func (p *PineconeIndex) Search(ctx context.Context, subject string, vector []float32, topK int) ([]Fragment, error) {
	if topK <= 0 {
		return []Fragment{}, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("pinecone query: empty vector")
	}
	resp, err := pineconeJSON[pineconeQueryResponse](p, ctx, http.MethodPost, "https://"+p.cfg.Host+"/query", pineconeQueryRequest{
		Namespace:       p.cfg.Namespace,
		Vector:          vector,
		TopK:            topK,
		Filter:          map[string]any{"subject": map[string]any{"$eq": subject}},
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pinecone query: %w", err)
	}

	out := make([]Fragment, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		f, err := fragmentFromMatch(m)
		if err != nil {
			p.log.Warn("skipping pinecone match", "id", m.ID, "error", err)
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func fragmentFromMatch(m pineconeMatch) (Fragment, error) {
	key, err := ParseFragmentKey(m.ID)
	if err != nil {
		return Fragment{}, err
	}
	text, _ := m.Metadata["text"].(string)
	return Fragment{
		SourceID: key.SourceID,
		Page:     key.Page,
		Index:    key.Index,
		Text:     text,
		Score:    m.Score,
	}, nil
}

func pineconeJSON[T any](p *PineconeIndex, ctx context.Context, method, url string, body any) (*T, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Api-Key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pinecone-Api-Version", p.cfg.APIVersion)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pinecone http %d: %s", resp.StatusCode, string(raw))
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
