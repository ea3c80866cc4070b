package ollama

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// Embedder batches embedding requests against one model. The rate limiter is
// shared per process and serialises at request granularity, not batches.
type Embedder struct {
	client    *Client
	model     string
	dim       int
	batchSize int
	limiter   *rate.Limiter
}

func NewEmbedder(client *Client, model string, dim, batchSize, rateLimitPerMin int) *Embedder {
	if batchSize <= 0 {
		batchSize = 32
	}
	var limiter *rate.Limiter
	if rateLimitPerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rateLimitPerMin)/60.0), 1)
	}
	return &Embedder{
		client:    client,
		model:     model,
		dim:       dim,
		batchSize: batchSize,
		limiter:   limiter,
	}
}

func (e *Embedder) Dimension() int {
	return e.dim
}

// EmbedDocuments returns a vector slice aligned with texts. Whitespace-only
// inputs produce a nil vector and are never sent upstream.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	nonEmpty := make([]int, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) != "" {
			nonEmpty = append(nonEmpty, i)
		}
	}

	for offset := 0; offset < len(nonEmpty); offset += e.batchSize {
		end := offset + e.batchSize
		if end > len(nonEmpty) {
			end = len(nonEmpty)
		}
		idx := nonEmpty[offset:end]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}

		vectors, err := e.embed(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(batch) {
			return nil, domain.WrapError(domain.ErrEmbedFailed, "embed batch",
				fmt.Errorf("vectors/texts mismatch: %d/%d", len(vectors), len(batch)))
		}
		for j, vec := range vectors {
			if e.dim > 0 && len(vec) != e.dim {
				return nil, domain.WrapError(domain.ErrSchemaDrift, "embed batch",
					fmt.Errorf("vector dimension %d, expected %d", len(vec), e.dim))
			}
			out[idx[j]] = vec
		}
	}
	return out, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, domain.WrapError(domain.ErrEmbedFailed, "embed query", fmt.Errorf("empty embedding result"))
	}
	return vectors[0], nil
}

func (e *Embedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	request := map[string]any{
		"model": e.model,
		"input": texts,
	}
	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	call := func(callCtx context.Context) error {
		return e.client.postJSON(callCtx, "/api/embed", request, &response, "embed")
	}

	var err error
	if e.client.executor != nil {
		err = e.client.executor.Execute(ctx, "ollama.embed", call, classifyOllamaError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbedFailed, "embed", wrapTemporaryIfNeeded("embed", err))
	}
	return response.Embeddings, nil
}
