package loader

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// loadTXT emits the whole file as a single item. Plain text and markdown
// both land here.
func loadTXT(path string) ([]domain.DocumentItem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read text file: %w", err)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("file is not valid utf-8: %s", path)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, nil
	}
	return []domain.DocumentItem{{
		Text: text,
		Metadata: domain.ItemMetadata{
			Source:      path,
			ContentType: contentTypeTxt,
		},
	}}, nil
}
