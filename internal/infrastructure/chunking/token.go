package chunking

import (
	"strings"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

type tokenChunker struct {
	maxTokens    int
	overlapRatio float64
	figureChunks bool
}

func newTokenChunker(p Params) *tokenChunker {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.Size
	}
	if maxTokens <= 0 {
		maxTokens = 900
	}
	ratio := p.OverlapRatio
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 0.5 {
		ratio = 0.5
	}
	return &tokenChunker{
		maxTokens:    maxTokens,
		overlapRatio: ratio,
		figureChunks: p.FigureChunks,
	}
}

func (c *tokenChunker) Chunk(items []domain.DocumentItem, docID string) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	n := 0
	for _, item := range items {
		for _, piece := range c.splitText(item.Text) {
			n++
			ch := baseChunk(docID, item.Metadata)
			ch.ChunkID = chunkID(docID, n)
			ch.ChunkLocalIndex = n
			ch.Text = piece
			chunks = append(chunks, ch)
		}
	}
	if c.figureChunks {
		chunks = emitFigures(docID, items, chunks)
	}
	return chunks, nil
}

// splitText cuts text into whitespace-token windows with fractional overlap.
func (c *tokenChunker) splitText(text string) []string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}

	step := int(float64(c.maxTokens)*(1.0-c.overlapRatio) + 0.5)
	if step <= 0 {
		step = 1
	}

	var out []string
	for i := 0; i < len(tokens); i += step {
		end := i + c.maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		piece := strings.TrimSpace(strings.Join(tokens[i:end], " "))
		if piece != "" {
			out = append(out, piece)
		}
		if end == len(tokens) {
			break
		}
	}
	return out
}
