// Package chunking partitions cleaned document items into ordered chunks.
// Three strategies are available: char windows, whitespace-token windows,
// and a heading-structured chunker for office documents.
package chunking

import (
	"fmt"
	"regexp"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
	"github.com/kirillkom/rag-qa-service/internal/core/ports"
)

type Params struct {
	Kind         string
	Size         int
	Overlap      int
	Separator    string
	MaxTokens    int
	OverlapRatio float64

	AdminHeadingRegex  []string
	StopExcludingRegex string

	FigureChunks bool
}

// New builds the chunker for a profile. Unknown kinds are rejected so a
// misconfigured profile fails at startup instead of silently degrading.
func New(p Params) (ports.Chunker, error) {
	switch p.Kind {
	case "", "char":
		return newCharChunker(p), nil
	case "tokens":
		return newTokenChunker(p), nil
	case "structured_docx":
		return newStructuredChunker(p)
	default:
		return nil, fmt.Errorf("chunker kind %q unsupported", p.Kind)
	}
}

// chunkID formats the document-wide monotonic chunk identifier.
func chunkID(docID string, n int) string {
	return fmt.Sprintf("%s_chunk_%04d", docID, n)
}

func figureChunkID(docID, figureID string) string {
	return fmt.Sprintf("%s_chunk_fig_%s", docID, figureID)
}

var figureMarkerRe = regexp.MustCompile(`\[FIGURE:([^\]]+)\]`)

// baseChunk seeds a chunk with item metadata; strategy code fills text and id.
func baseChunk(docID string, meta domain.ItemMetadata) domain.Chunk {
	return domain.Chunk{
		DocID:       docID,
		Source:      meta.Source,
		Type:        domain.ChunkTypeText,
		Lang:        meta.Lang,
		ContentType: meta.ContentType,
		SectionPath: meta.SectionPath,
		Page:        meta.Page,
		SlideNumber: meta.SlideNumber,
		SheetName:   meta.SheetName,
		BlockType:   meta.BlockType,
	}
}

// emitFigures appends one figure chunk per inline figure whose marker landed
// inside an emitted text chunk, with backlinks to the enclosing chunk.
func emitFigures(docID string, items []domain.DocumentItem, chunks []domain.Chunk) []domain.Chunk {
	if len(chunks) == 0 {
		return chunks
	}
	markerOwner := map[string]int{}
	for idx, c := range chunks {
		for _, m := range figureMarkerRe.FindAllStringSubmatch(c.Text, -1) {
			markerOwner[m[1]] = idx
		}
	}
	out := chunks
	for _, item := range items {
		for _, fig := range item.Metadata.Figures {
			ownerIdx, ok := markerOwner[fig.FigureID]
			if !ok {
				continue
			}
			owner := chunks[ownerIdx]
			desc := fmt.Sprintf("Figure %s (%s)", fig.FigureID, fig.Filename)
			if fig.Caption != "" {
				desc += ": " + fig.Caption
			}
			fc := baseChunk(docID, item.Metadata)
			fc.ChunkID = figureChunkID(docID, fig.FigureID)
			fc.Type = domain.ChunkTypeFigure
			fc.Text = desc
			fc.FigureID = fig.FigureID
			fc.ImageRef = fig.ImageRef
			fc.ParentChunkID = owner.ChunkID
			fc.ParentChunkLocalIdx = owner.ChunkLocalIndex
			fc.ChunkLocalIndex = len(out) + 1
			out = append(out, fc)
		}
	}
	return out
}
