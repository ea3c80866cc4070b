package loader

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// DOCX parsing walks word/document.xml directly: paragraphs (w:p) with their
// style (Heading1..Heading9), runs (w:t), tables (w:tbl), and inline
// drawings (a:blip relationship ids resolved through document.xml.rels).

type docxDocument struct {
	Body docxBody `xml:"body"`
}

type docxBody struct {
	Blocks []docxBlock `xml:",any"`
}

type docxBlock struct {
	XMLName xml.Name
	Inner   []byte `xml:",innerxml"`
}

type docxParagraph struct {
	Props docxPProps `xml:"pPr"`
	Runs  []docxRun  `xml:"r"`
}

type docxPProps struct {
	Style struct {
		Val string `xml:"val,attr"`
	} `xml:"pStyle"`
}

type docxRun struct {
	Texts    []string    `xml:"t"`
	Drawings []docxBlip  `xml:"drawing>inline>graphic>graphicData>pic>blipFill>blip"`
}

type docxBlip struct {
	Embed string `xml:"embed,attr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paragraphs []docxParagraph `xml:"p"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRels struct {
	Rels []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

var headingStyleRe = regexp.MustCompile(`(?i)^heading\s*([1-9])$|^Heading([1-9])$`)

func headingLevel(style string) int {
	s := strings.TrimSpace(style)
	if s == "" {
		return 0
	}
	m := headingStyleRe.FindStringSubmatch(s)
	if m == nil {
		// Styles arrive as "Heading1".."Heading9" or localized "heading 1".
		if strings.HasPrefix(strings.ToLower(s), "heading") {
			last := s[len(s)-1]
			if last >= '1' && last <= '9' {
				return int(last - '0')
			}
		}
		return 0
	}
	for _, g := range m[1:] {
		if g != "" {
			return int(g[0] - '0')
		}
	}
	return 0
}

// loadDOCX emits one item per paragraph or table block carrying the current
// heading path. Inline images optionally become assets plus figure refs.
func loadDOCX(docPath, docID string, assets AssetOptions) ([]domain.DocumentItem, error) {
	zr, err := zip.OpenReader(docPath)
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	docXML, err := readZipFile(&zr.Reader, "word/document.xml")
	if err != nil {
		return nil, err
	}

	rels := map[string]string{}
	if raw, err := readZipFile(&zr.Reader, "word/_rels/document.xml.rels"); err == nil {
		var parsed docxRels
		if err := xml.Unmarshal(raw, &parsed); err == nil {
			for _, r := range parsed.Rels {
				rels[r.ID] = r.Target
			}
		}
	}

	var doc docxDocument
	if err := xml.Unmarshal(docXML, &doc); err != nil {
		return nil, fmt.Errorf("parse docx body: %w", err)
	}

	extractor := &figureExtractor{
		zr:     &zr.Reader,
		docID:  docID,
		assets: assets,
		rels:   rels,
	}

	var items []domain.DocumentItem
	headingStack := make([]string, 0, 4)
	for _, block := range doc.Body.Blocks {
		switch block.XMLName.Local {
		case "p":
			var para docxParagraph
			if err := xml.Unmarshal(wrap(block), &para); err != nil {
				continue
			}
			text, figures := extractor.paragraphText(para)
			level := headingLevel(para.Props.Style.Val)
			if level > 0 && strings.TrimSpace(text) != "" {
				headingStack = pushHeading(headingStack, level, strings.TrimSpace(text))
				continue
			}
			if strings.TrimSpace(text) == "" && len(figures) == 0 {
				continue
			}
			items = append(items, domain.DocumentItem{
				Text: text,
				Metadata: domain.ItemMetadata{
					Source:      docPath,
					ContentType: contentTypeDocx,
					HeadingPath: append([]string(nil), headingStack...),
					BlockType:   "paragraph",
					Figures:     figures,
				},
			})
		case "tbl":
			var tbl docxTable
			if err := xml.Unmarshal(wrap(block), &tbl); err != nil {
				continue
			}
			text := tableText(tbl)
			if strings.TrimSpace(text) == "" {
				continue
			}
			items = append(items, domain.DocumentItem{
				Text: text,
				Metadata: domain.ItemMetadata{
					Source:      docPath,
					ContentType: contentTypeDocx,
					HeadingPath: append([]string(nil), headingStack...),
					BlockType:   "table",
				},
			})
		}
	}
	return items, nil
}

// pushHeading trims the stack to level-1 entries and appends the heading.
func pushHeading(stack []string, level int, text string) []string {
	if level-1 < len(stack) {
		stack = stack[:level-1]
	}
	for len(stack) < level-1 {
		stack = append(stack, "")
	}
	return append(stack, text)
}

type figureExtractor struct {
	zr     *zip.Reader
	docID  string
	assets AssetOptions
	next   int
	rels   map[string]string
}

// paragraphText joins run texts, inserting [FIGURE:<id>] markers where
// inline images occur when placeholders are enabled.
func (fx *figureExtractor) paragraphText(para docxParagraph) (string, []domain.FigureRef) {
	var b strings.Builder
	var figures []domain.FigureRef
	for _, run := range para.Runs {
		for _, t := range run.Texts {
			b.WriteString(t)
		}
		if !fx.assets.ExtractImages {
			continue
		}
		for _, blip := range run.Drawings {
			target, ok := fx.rels[blip.Embed]
			if !ok {
				continue
			}
			ref, err := fx.extract(target)
			if err != nil {
				continue
			}
			ref.Offset = b.Len()
			figures = append(figures, ref)
			if fx.assets.InlinePlaceholders {
				fmt.Fprintf(&b, "[FIGURE:%s]", ref.FigureID)
			}
		}
	}
	return b.String(), figures
}

// extract copies one media entry into <root>/<doc_id>/img_<NNN>.<ext> and
// returns its figure ref with a relative image path.
func (fx *figureExtractor) extract(target string) (domain.FigureRef, error) {
	name := path.Join("word", target)
	raw, err := readZipFile(fx.zr, name)
	if err != nil {
		return domain.FigureRef{}, err
	}

	fx.next++
	ext := strings.TrimPrefix(path.Ext(target), ".")
	if ext == "" {
		ext = "png"
	}
	figureID := fmt.Sprintf("img_%03d", fx.next)
	relPath := filepath.Join(fx.docID, fmt.Sprintf("%s.%s", figureID, ext))
	absPath := filepath.Join(fx.assets.Root, relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return domain.FigureRef{}, err
	}
	if err := os.WriteFile(absPath, raw, 0o644); err != nil {
		return domain.FigureRef{}, err
	}
	return domain.FigureRef{
		FigureID: figureID,
		ImageRef: filepath.ToSlash(relPath),
		Filename: path.Base(target),
	}, nil
}

func tableText(tbl docxTable) string {
	var rows []string
	for _, row := range tbl.Rows {
		var cells []string
		for _, cell := range row.Cells {
			var parts []string
			for _, p := range cell.Paragraphs {
				var b strings.Builder
				for _, run := range p.Runs {
					for _, t := range run.Texts {
						b.WriteString(t)
					}
				}
				if s := strings.TrimSpace(b.String()); s != "" {
					parts = append(parts, s)
				}
			}
			cells = append(cells, strings.Join(parts, " "))
		}
		if line := strings.TrimSpace(strings.Join(cells, " | ")); line != "" {
			rows = append(rows, line)
		}
	}
	return strings.Join(rows, "\n")
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", name, err)
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

// wrap re-adds the element wrapper stripped by innerxml capture so the block
// can be unmarshalled into its concrete struct.
func wrap(block docxBlock) []byte {
	open := "<" + block.XMLName.Local + ">"
	closing := "</" + block.XMLName.Local + ">"
	return []byte(open + string(block.Inner) + closing)
}
