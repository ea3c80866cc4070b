package chunking

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// structuredChunker partitions office-document items by heading sections.
// Within each level-1 procedure the deepest available heading level wins:
// level-3 when the procedure has any, else level-2.
type structuredChunker struct {
	maxTokens    int
	adminRegex   []*regexp.Regexp
	stopRegex    *regexp.Regexp
	figureChunks bool
}

func newStructuredChunker(p Params) (*structuredChunker, error) {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 448
	}
	c := &structuredChunker{maxTokens: maxTokens, figureChunks: p.FigureChunks}
	for _, expr := range p.AdminHeadingRegex {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("admin_sections.heading_regex %q: %w", expr, err)
		}
		c.adminRegex = append(c.adminRegex, re)
	}
	if p.StopExcludingRegex != "" {
		re, err := regexp.Compile("(?i)" + p.StopExcludingRegex)
		if err != nil {
			return nil, fmt.Errorf("admin_sections.stop_excluding_after_heading_regex: %w", err)
		}
		c.stopRegex = re
	}
	return c, nil
}

type section struct {
	key   string
	path  []string
	items []domain.DocumentItem
}

func (c *structuredChunker) Chunk(items []domain.DocumentItem, docID string) ([]domain.Chunk, error) {
	sections := c.partition(items)

	var chunks []domain.Chunk
	n := 0
	excluding := false
	stopSeen := false
	for _, sec := range sections {
		heading := ""
		if len(sec.path) > 0 {
			heading = sec.path[len(sec.path)-1]
		}

		if c.stopRegex != nil && !stopSeen && heading != "" && c.stopRegex.MatchString(heading) {
			stopSeen = true
		}
		if !stopSeen && heading != "" && c.isAdminHeading(heading) {
			excluding = true
		} else if heading != "" {
			excluding = false
		}
		if excluding && !stopSeen {
			continue
		}

		body := sectionBody(sec)
		if strings.TrimSpace(body) == "" {
			continue
		}
		prefix := sectionPrefix(sec.path)
		fullPath := strings.Join(sec.path, "|")
		for _, piece := range splitToTokenLimit(body, c.maxTokens) {
			n++
			meta := sec.items[0].Metadata
			ch := baseChunk(docID, meta)
			ch.ChunkID = chunkID(docID, n)
			ch.ChunkLocalIndex = n
			ch.SectionPath = fullPath
			ch.Text = prefix + piece
			chunks = append(chunks, ch)
		}
	}

	if c.figureChunks {
		chunks = emitFigures(docID, items, chunks)
	}
	return chunks, nil
}

// partition groups consecutive items by their section key at the chosen
// heading depth. Heading paths come verbatim from the loader; numeric
// prefixes inside them are never rewritten.
func (c *structuredChunker) partition(items []domain.DocumentItem) []section {
	// Decide per level-1 procedure whether level-3 sections exist.
	deepProcedure := map[string]bool{}
	for _, it := range items {
		hp := it.Metadata.HeadingPath
		if len(hp) >= 3 {
			deepProcedure[hp[0]] = true
		}
	}

	var sections []section
	for _, it := range items {
		hp := it.Metadata.HeadingPath
		depth := 2
		if len(hp) > 0 && deepProcedure[hp[0]] {
			depth = 3
		}
		if depth > len(hp) {
			depth = len(hp)
		}
		keyPath := hp[:depth]
		key := strings.Join(keyPath, "|")
		if len(sections) == 0 || sections[len(sections)-1].key != key {
			sections = append(sections, section{key: key, path: append([]string(nil), keyPath...)})
		}
		last := &sections[len(sections)-1]
		last.items = append(last.items, it)
	}
	return sections
}

func (c *structuredChunker) isAdminHeading(heading string) bool {
	for _, re := range c.adminRegex {
		if re.MatchString(heading) {
			return true
		}
	}
	return false
}

func sectionBody(sec section) string {
	parts := make([]string, 0, len(sec.items))
	for _, it := range sec.items {
		t := strings.TrimSpace(it.Text)
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

func sectionPrefix(path []string) string {
	if len(path) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Procedure: %s\n", path[0])
	if len(path) > 1 {
		fmt.Fprintf(&b, "Section: %s\n", path[len(path)-1])
	}
	fmt.Fprintf(&b, "Path: %s\n\n", strings.Join(path, "|"))
	return b.String()
}

// estimateTokens approximates tokens as len/4, matching the embedding
// provider's safety heuristic.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 2) / 4
}

// splitToTokenLimit splits on sentence boundaries first, then words, so each
// piece stays under the token budget.
func splitToTokenLimit(text string, maxTokens int) []string {
	if estimateTokens(text) <= maxTokens {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}

	sentenceRe := regexp.MustCompile(`(?s)(.*?[.!?])(?:\s+|$)`)
	var parts []string
	rest := text
	for {
		loc := sentenceRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			if strings.TrimSpace(rest) != "" {
				parts = append(parts, strings.TrimSpace(rest))
			}
			break
		}
		parts = append(parts, strings.TrimSpace(rest[loc[2]:loc[3]]))
		rest = rest[loc[1]:]
		if rest == "" {
			break
		}
	}

	var out []string
	var buf []string
	for _, part := range parts {
		candidate := strings.TrimSpace(strings.Join(append(buf, part), " "))
		if candidate == "" {
			continue
		}
		if estimateTokens(candidate) <= maxTokens {
			buf = append(buf, part)
			continue
		}
		if len(buf) > 0 {
			out = append(out, strings.Join(buf, " "))
			buf = []string{part}
			continue
		}
		// A single oversized sentence: fall back to word windows.
		words := strings.Fields(part)
		var wbuf []string
		for _, w := range words {
			candidateW := strings.Join(append(wbuf, w), " ")
			if estimateTokens(candidateW) <= maxTokens {
				wbuf = append(wbuf, w)
				continue
			}
			if len(wbuf) > 0 {
				out = append(out, strings.Join(wbuf, " "))
			}
			wbuf = []string{w}
		}
		if len(wbuf) > 0 {
			buf = []string{strings.Join(wbuf, " ")}
		} else {
			buf = nil
		}
	}
	if len(buf) > 0 {
		piece := strings.TrimSpace(strings.Join(buf, " "))
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}
