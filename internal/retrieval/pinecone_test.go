package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sqe-prep/backend/internal/logger"
)

func TestPineconeIndexQueryFiltersBySubject(t *testing.T) {
	var gotFilter map[string]any
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Api-Key") != "pc-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/query":
			var req pineconeQueryRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			gotFilter = req.Filter
			json.NewEncoder(w).Encode(pineconeQueryResponse{Matches: []pineconeMatch{
				{ID: "tort.pdf#p3#c1", Score: 0.91, Metadata: map[string]any{"text": "duty of care"}},
				{ID: "garbage", Score: 0.5},
			}})
		case "/vectors/upsert":
			var req pineconeUpsertRequest
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(pineconeUpsertResponse{UpsertedCount: int64(len(req.Vectors))})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	idx, err := NewPineconeIndex(context.Background(), logger.Nop(), PineconeConfig{
		APIKey: "pc-key",
		Host:   strings.TrimPrefix(srv.URL, "https://"),
	})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	idx.http = srv.Client()

	frags, err := idx.Search(context.Background(), "Tort", []float32{0.1, 0.2}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("expected malformed match to be skipped, got %d fragments", len(frags))
	}
	want := Fragment{SourceID: "tort.pdf", Page: 3, Index: 1, Text: "duty of care", Score: 0.91}
	if frags[0] != want {
		t.Errorf("expected %+v, got %+v", want, frags[0])
	}
	eq, _ := gotFilter["subject"].(map[string]any)
	if eq["$eq"] != "Tort" {
		t.Errorf("expected subject filter, got %v", gotFilter)
	}

	err = idx.Upsert(context.Background(), "Tort",
		[]Fragment{{SourceID: "tort.pdf", Page: 1, Index: 0, Text: "x"}},
		[][]float32{{1, 0}})
	if err != nil {
		t.Errorf("upsert: %v", err)
	}
}

func TestPineconeIndexHTTPError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	idx, err := NewPineconeIndex(context.Background(), logger.Nop(), PineconeConfig{
		APIKey: "k",
		Host:   strings.TrimPrefix(srv.URL, "https://"),
	})
	if err != nil {
		t.Fatal(err)
	}
	idx.http = srv.Client()

	if _, err := idx.Search(context.Background(), "Tort", []float32{1}, 3); err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("expected http 500 error, got %v", err)
	}
}
