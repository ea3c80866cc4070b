package chunking

import (
	"strings"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

type charChunker struct {
	size         int
	overlap      int
	separator    string
	figureChunks bool
}

func newCharChunker(p Params) *charChunker {
	size := p.Size
	if size <= 0 {
		size = 2000
	}
	overlap := p.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	return &charChunker{
		size:         size,
		overlap:      overlap,
		separator:    p.Separator,
		figureChunks: p.FigureChunks,
	}
}

func (c *charChunker) Chunk(items []domain.DocumentItem, docID string) ([]domain.Chunk, error) {
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

// splitText cuts text into size-rune windows carrying overlap runes forward,
// preferring separator boundaries when one is configured.
func (c *charChunker) splitText(text string) []string {
	if c.separator != "" {
		return c.splitBySeparator(text)
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := c.size - c.overlap
	if step <= 0 {
		step = 1
	}
	out := make([]string, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			out = append(out, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

func (c *charChunker) splitBySeparator(text string) []string {
	segments := strings.Split(text, c.separator)
	var out []string
	var buf []string
	length := 0
	for _, seg := range segments {
		withSep := seg
		if len(buf) > 0 {
			withSep = c.separator + seg
		}
		if length+len(withSep) > c.size && len(buf) > 0 {
			piece := strings.TrimSpace(strings.Join(buf, ""))
			if piece != "" {
				out = append(out, piece)
			}
			buf = []string{seg}
			length = len(seg)
			continue
		}
		buf = append(buf, withSep)
		length += len(withSep)
	}
	if len(buf) > 0 {
		piece := strings.TrimSpace(strings.Join(buf, ""))
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}
