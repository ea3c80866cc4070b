package chunking

import (
	"strings"
	"testing"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

func item(text string) domain.DocumentItem {
	return domain.DocumentItem{
		Text: text,
		Metadata: domain.ItemMetadata{
			Source:      "doc.txt",
			ContentType: "txt",
		},
	}
}

func TestCharChunkerReconstructsDocument(t *testing.T) {
	text := strings.Repeat("abcdefghij", 50) // 500 chars
	size, overlap := 120, 20
	chunker := newCharChunker(Params{Size: size, Overlap: overlap})

	chunks, err := chunker.Chunk([]domain.DocumentItem{item(text)}, "doc")
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected chunks")
	}

	// Dropping the carried-over overlap from every chunk after the first
	// reconstructs the input.
	var b strings.Builder
	for i, c := range chunks {
		piece := c.Text
		if i > 0 {
			piece = piece[overlap:]
		}
		b.WriteString(piece)
	}
	if b.String() != text {
		t.Fatalf("reconstruction mismatch: got %d chars, want %d", b.Len(), len(text))
	}
}

func TestCharChunkerIDsAreMonotonic(t *testing.T) {
	chunker := newCharChunker(Params{Size: 10, Overlap: 0})
	chunks, err := chunker.Chunk([]domain.DocumentItem{item("aaaaaaaaaabbbbbbbbbbcccccccccc")}, "mydoc")
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	want := []string{"mydoc_chunk_0001", "mydoc_chunk_0002", "mydoc_chunk_0003"}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkID != want[i] {
			t.Fatalf("chunk %d: got id %s, want %s", i, c.ChunkID, want[i])
		}
		if c.Type != domain.ChunkTypeText {
			t.Fatalf("expected text chunk type, got %s", c.Type)
		}
	}
}

func TestCharChunkerSeparatorPacking(t *testing.T) {
	chunker := newCharChunker(Params{Size: 30, Separator: "\n\n"})
	text := "first paragraph\n\nsecond one\n\nthird paragraph here"
	chunks, err := chunker.Chunk([]domain.DocumentItem{item(text)}, "doc")
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected separator-bounded chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Text) > 30+len("\n\n") {
			t.Fatalf("chunk exceeds size budget: %q", c.Text)
		}
	}
}

func TestTokenChunkerWindows(t *testing.T) {
	words := make([]string, 100)
	for i := range words {
		words[i] = "w"
	}
	text := strings.Join(words, " ")

	chunker := newTokenChunker(Params{MaxTokens: 40, OverlapRatio: 0.25})
	chunks, err := chunker.Chunk([]domain.DocumentItem{item(text)}, "doc")
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 windows, got %d", len(chunks))
	}
	for _, c := range chunks {
		if n := len(strings.Fields(c.Text)); n > 40 {
			t.Fatalf("window has %d tokens, max 40", n)
		}
	}
}

func TestTokenChunkerClampsOverlap(t *testing.T) {
	c := newTokenChunker(Params{MaxTokens: 10, OverlapRatio: 0.9})
	if c.overlapRatio != 0.5 {
		t.Fatalf("expected overlap clamped to 0.5, got %f", c.overlapRatio)
	}
}

func TestFactoryRejectsUnknownKind(t *testing.T) {
	if _, err := New(Params{Kind: "semantic"}); err == nil {
		t.Fatalf("expected unknown chunker kind to fail")
	}
}

func docxItem(text string, path ...string) domain.DocumentItem {
	return domain.DocumentItem{
		Text: text,
		Metadata: domain.ItemMetadata{
			Source:      "sop.docx",
			ContentType: "docx",
			HeadingPath: path,
			BlockType:   "paragraph",
		},
	}
}

func TestStructuredChunkerSectionPrefixes(t *testing.T) {
	chunker, err := newStructuredChunker(Params{MaxTokens: 400})
	if err != nil {
		t.Fatalf("newStructuredChunker: %v", err)
	}

	items := []domain.DocumentItem{
		docxItem("Power off the modem before starting the procedure and wait.", "SOP 1 Reset", "1.1 Preparation"),
		docxItem("Hold the reset button for 10 seconds until the light blinks.", "SOP 1 Reset", "1.2 Execution"),
	}
	chunks, err := chunker.Chunk(items, "sop")
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 section chunks, got %d", len(chunks))
	}
	first := chunks[0].Text
	if !strings.Contains(first, "Procedure: SOP 1 Reset") {
		t.Fatalf("missing procedure prefix: %q", first)
	}
	if !strings.Contains(first, "Section: 1.1 Preparation") {
		t.Fatalf("missing section prefix with verbatim numbering: %q", first)
	}
	if !strings.Contains(first, "Path: SOP 1 Reset|1.1 Preparation") {
		t.Fatalf("missing path prefix: %q", first)
	}
	if chunks[0].SectionPath != "SOP 1 Reset|1.1 Preparation" {
		t.Fatalf("unexpected section path metadata: %q", chunks[0].SectionPath)
	}
}

func TestStructuredChunkerPrefersLevelThree(t *testing.T) {
	chunker, err := newStructuredChunker(Params{MaxTokens: 400})
	if err != nil {
		t.Fatalf("newStructuredChunker: %v", err)
	}

	items := []domain.DocumentItem{
		docxItem("step one details for the first subsection", "SOP 1", "1.1 Setup", "1.1.1 Cabling"),
		docxItem("step two details for the second subsection", "SOP 1", "1.1 Setup", "1.1.2 Power"),
	}
	chunks, err := chunker.Chunk(items, "sop")
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("level-3 headings must split sections, got %d chunks", len(chunks))
	}
}

func TestStructuredChunkerAdminFilter(t *testing.T) {
	chunker, err := newStructuredChunker(Params{
		MaxTokens:          400,
		AdminHeadingRegex:  []string{"version history", "document control"},
		StopExcludingRegex: "execution",
	})
	if err != nil {
		t.Fatalf("newStructuredChunker: %v", err)
	}

	items := []domain.DocumentItem{
		docxItem("v1 created by someone on some date", "SOP 1", "Version History"),
		docxItem("Hold the reset button for 10 seconds.", "SOP 1", "Execution"),
		docxItem("more controls and approvals data here", "SOP 1", "Document Control"),
	}
	chunks, err := chunker.Chunk(items, "sop")
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}

	joined := ""
	for _, c := range chunks {
		joined += c.Text + "\n"
	}
	if strings.Contains(joined, "v1 created") {
		t.Fatalf("admin section before stop heading must be dropped: %q", joined)
	}
	if !strings.Contains(joined, "reset button") {
		t.Fatalf("content section missing: %q", joined)
	}
	// Once the stop heading was seen, exclusion is permanently lifted.
	if !strings.Contains(joined, "approvals data") {
		t.Fatalf("admin section after stop heading must be kept: %q", joined)
	}
}

func TestStructuredChunkerTokenBudgetSplit(t *testing.T) {
	chunker, err := newStructuredChunker(Params{MaxTokens: 20})
	if err != nil {
		t.Fatalf("newStructuredChunker: %v", err)
	}

	long := strings.Repeat("This sentence is reasonably long for a test. ", 20)
	chunks, err := chunker.Chunk([]domain.DocumentItem{docxItem(long, "SOP 1", "1.1 Long")}, "sop")
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected token-budget split, got %d chunks", len(chunks))
	}
}

func TestFigureChunksEmittedWithBacklinks(t *testing.T) {
	chunker := newCharChunker(Params{Size: 2000, FigureChunks: true})

	it := domain.DocumentItem{
		Text: "Connect the cables as shown [FIGURE:img_001] before powering on.",
		Metadata: domain.ItemMetadata{
			Source:      "manual.docx",
			ContentType: "docx",
			Figures: []domain.FigureRef{{
				FigureID: "img_001",
				ImageRef: "manual/img_001.png",
				Filename: "img_001.png",
				Caption:  "Cable layout",
			}},
		},
	}
	chunks, err := chunker.Chunk([]domain.DocumentItem{it}, "manual")
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected text chunk plus figure chunk, got %d", len(chunks))
	}

	text, figure := chunks[0], chunks[1]
	if figure.Type != domain.ChunkTypeFigure {
		t.Fatalf("expected figure chunk type, got %s", figure.Type)
	}
	if figure.ChunkID != "manual_chunk_fig_img_001" {
		t.Fatalf("figure id must incorporate figure_id, got %s", figure.ChunkID)
	}
	if figure.ParentChunkID != text.ChunkID {
		t.Fatalf("figure must backlink its enclosing chunk, got %s", figure.ParentChunkID)
	}
	if figure.ImageRef != "manual/img_001.png" {
		t.Fatalf("figure must carry image_ref, got %s", figure.ImageRef)
	}
	if !strings.Contains(figure.Text, "Cable layout") {
		t.Fatalf("figure description must include the caption, got %q", figure.Text)
	}
	if !strings.Contains(text.Text, "[FIGURE:img_001]") {
		t.Fatalf("inline marker must stay in the text chunk")
	}
}
