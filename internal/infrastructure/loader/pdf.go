package loader

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// loadPDF emits one item per page.
func loadPDF(path string) ([]domain.DocumentItem, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	items := make([]domain.DocumentItem, 0, reader.NumPage())
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not sink the document.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		items = append(items, domain.DocumentItem{
			Text: text,
			Metadata: domain.ItemMetadata{
				Source:      path,
				ContentType: contentTypePDF,
				Page:        pageNum,
			},
		})
	}
	return items, nil
}
