package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

func embedServer(t *testing.T, dim int, calls *[][]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode embed request: %v", err)
		}
		*calls = append(*calls, req.Input)

		vectors := make([][]float32, len(req.Input))
		for i := range vectors {
			vec := make([]float32, dim)
			for j := range vec {
				vec[j] = 0.5
			}
			vectors[i] = vec
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": vectors})
	}))
}

func TestEmbedDocumentsBatchesAndSkipsEmpty(t *testing.T) {
	var calls [][]string
	server := embedServer(t, 3, &calls)
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, nil), "test-model", 3, 2, 0)
	texts := []string{"first", "   ", "second", "third"}

	vectors, err := embedder.EmbedDocuments(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedDocuments() error = %v", err)
	}
	if len(vectors) != 4 {
		t.Fatalf("output must align with input, got %d", len(vectors))
	}
	if vectors[1] != nil {
		t.Fatalf("whitespace-only text must yield no vector")
	}
	for _, i := range []int{0, 2, 3} {
		if len(vectors[i]) != 3 {
			t.Fatalf("expected dimension 3 at %d, got %d", i, len(vectors[i]))
		}
	}
	// Three non-empty texts at batch size 2 means two upstream requests.
	if len(calls) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(calls))
	}
	if len(calls[0]) != 2 || len(calls[1]) != 1 {
		t.Fatalf("unexpected batch shapes: %v", calls)
	}
}

func TestEmbedDocumentsDimensionMismatch(t *testing.T) {
	var calls [][]string
	server := embedServer(t, 5, &calls)
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, nil), "test-model", 3, 8, 0)
	_, err := embedder.EmbedDocuments(context.Background(), []string{"text"})
	if !domain.IsKind(err, domain.ErrSchemaDrift) {
		t.Fatalf("expected schema drift, got %v", err)
	}
}

func TestEmbedQueryEmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{}})
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, nil), "test-model", 3, 8, 0)
	if _, err := embedder.EmbedQuery(context.Background(), "question"); err == nil {
		t.Fatalf("expected error for empty embedding result")
	}
}

func TestGenerateBoundsOutputTokens(t *testing.T) {
	var gotOptions map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotOptions, _ = req["options"].(map[string]any)
		_ = json.NewEncoder(w).Encode(map[string]string{"response": " an answer \n"})
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, nil), "test-model")
	answer, err := gen.Generate(context.Background(), "prompt", 256)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if answer != "an answer" {
		t.Fatalf("expected trimmed answer, got %q", answer)
	}
	if gotOptions == nil || gotOptions["num_predict"] != float64(256) {
		t.Fatalf("expected num_predict=256, got %v", gotOptions)
	}
}

func TestGenerateUpstreamErrorWrapsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, nil), "test-model")
	_, err := gen.Generate(context.Background(), "prompt", 0)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("retryable upstream status must map to temporary, got %v", err)
	}
}
