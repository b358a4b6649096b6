package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestAPIProviderEmbed(t *testing.T) {
	// Mock OpenAI-compatible embedding server.
	// APIProvider posts to endpoint+"/embeddings", so we use a mux.
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		resp := apiResponse{
			Data: []apiEmbeddingData{
				{Embedding: []float32{0.1, 0.2, 0.3}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(Config{
		Endpoint: srv.URL,
		Model:    "test-model",
	})

	vectors, err := p.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("got %d vectors, want 1", len(vectors))
	}
	if len(vectors[0]) != 3 {
		t.Fatalf("got dimension %d, want 3", len(vectors[0]))
	}
	if p.Dimension() != 3 {
		t.Errorf("got dimension %d, want 3", p.Dimension())
	}
}

func TestAPIProviderEmbed_Empty(t *testing.T) {
	p := NewAPIProvider(Config{
		Endpoint:  "http://unused",
		Model:     "test-model",
		Dimension: 128,
	})

	vectors, err := p.Embed(context.Background(), []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
}

func TestAPIProviderRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(apiResponse{
			Data: []apiEmbeddingData{{Embedding: []float32{1, 0}}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "test-model"})
	vectors, err := p.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("got %d vectors, want 1", len(vectors))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("got %d calls, want 3", got)
	}
}

func TestAPIProviderDimension_Fallback(t *testing.T) {
	p := NewAPIProvider(Config{
		Endpoint:  "http://unused",
		Model:     "test-model",
		Dimension: 256,
	})

	// Before any Embed call, Dimension should return the configured default.
	if d := p.Dimension(); d != 256 {
		t.Errorf("got dimension %d, want configured default 256", d)
	}
}

func TestLocalProviderDeterministic(t *testing.T) {
	p := NewLocalProvider(Config{Dimension: 64})

	a, err := p.Embed(context.Background(), []string{"user prefers dark mode"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Embed(context.Background(), []string{"user prefers dark mode"})
	if err != nil {
		t.Fatal(err)
	}
	if sim := Cosine(a[0], b[0]); math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("identical texts should have similarity 1.0, got %f", sim)
	}

	c, _ := p.Embed(context.Background(), []string{"quarterly revenue projections"})
	if sim := Cosine(a[0], c[0]); sim > 0.9 {
		t.Errorf("unrelated texts should not be near-identical, got %f", sim)
	}
}

func TestLocalProviderNormalized(t *testing.T) {
	p := NewLocalProvider(Config{Dimension: 32})
	vecs, err := p.Embed(context.Background(), []string{"some content here"})
	if err != nil {
		t.Fatal(err)
	}
	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("vector should be L2-normalized, got norm^2=%f", norm)
	}
}

func TestCosine(t *testing.T) {
	if s := Cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(s-1.0) > 1e-9 {
		t.Errorf("identical vectors: got %f, want 1.0", s)
	}
	if s := Cosine([]float32{1, 0}, []float32{-1, 0}); math.Abs(s) > 1e-9 {
		t.Errorf("opposite vectors: got %f, want 0", s)
	}
	if s := Cosine([]float32{1, 0}, []float32{0, 1}); math.Abs(s-0.5) > 1e-9 {
		t.Errorf("orthogonal vectors: got %f, want 0.5", s)
	}
	if s := Cosine(nil, []float32{1}); s != 0 {
		t.Errorf("mismatched vectors: got %f, want 0", s)
	}
}
