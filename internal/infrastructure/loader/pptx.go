package loader

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

var slideNameRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// loadPPTX emits one item per slide with speaker notes appended.
func loadPPTX(path string) ([]domain.DocumentItem, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open pptx: %w", err)
	}
	defer zr.Close()

	slides := map[int]string{}
	notes := map[int]string{}
	for _, f := range zr.File {
		if m := slideNameRe.FindStringSubmatch(f.Name); m != nil {
			num, _ := strconv.Atoi(m[1])
			raw, err := readZipFile(&zr.Reader, f.Name)
			if err != nil {
				continue
			}
			slides[num] = drawingMLText(raw)
			continue
		}
		if strings.HasPrefix(f.Name, "ppt/notesSlides/notesSlide") && strings.HasSuffix(f.Name, ".xml") {
			numStr := strings.TrimSuffix(strings.TrimPrefix(f.Name, "ppt/notesSlides/notesSlide"), ".xml")
			num, err := strconv.Atoi(numStr)
			if err != nil {
				continue
			}
			raw, err := readZipFile(&zr.Reader, f.Name)
			if err != nil {
				continue
			}
			notes[num] = drawingMLText(raw)
		}
	}

	nums := make([]int, 0, len(slides))
	for n := range slides {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	var items []domain.DocumentItem
	for _, num := range nums {
		text := strings.TrimSpace(slides[num])
		note := strings.TrimSpace(notes[num])
		hasNotes := note != ""
		if hasNotes {
			if text != "" {
				text += "\n\nNotes: " + note
			} else {
				text = "Notes: " + note
			}
		}
		if text == "" {
			continue
		}
		items = append(items, domain.DocumentItem{
			Text: text,
			Metadata: domain.ItemMetadata{
				Source:      path,
				ContentType: contentTypePptx,
				SlideNumber: num,
				HasNotes:    hasNotes,
			},
		})
	}
	return items, nil
}

// drawingMLText collects a:t runs, one line per paragraph.
func drawingMLText(raw []byte) string {
	decoder := xml.NewDecoder(strings.NewReader(string(raw)))
	var b strings.Builder
	inText := false
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String()
}
