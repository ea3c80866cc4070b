// Package loader turns staged files into ordered document items. One loader
// per content type; the Router picks by file extension.
package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// AssetOptions controls office-document image extraction.
type AssetOptions struct {
	Root               string
	ExtractImages      bool
	InlinePlaceholders bool
}

type Router struct {
	assets AssetOptions
}

func NewRouter(assets AssetOptions) *Router {
	return &Router{assets: assets}
}

// Load routes by extension and falls back to the text loader for unknown
// extensions, matching the upload MIME allow-list.
func (r *Router) Load(ctx context.Context, path, docID string) ([]domain.DocumentItem, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path %s: %w", path, err)
	}

	var items []domain.DocumentItem
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".pdf":
		items, err = loadPDF(abs)
	case ".docx":
		items, err = loadDOCX(abs, docID, r.assets)
	case ".pptx":
		items, err = loadPPTX(abs)
	case ".xlsx":
		items, err = loadXLSX(abs)
	case ".html", ".htm":
		items, err = loadHTML(abs)
	default:
		items, err = loadTXT(abs)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", abs, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const (
	contentTypePDF  = "pdf"
	contentTypeDocx = "docx"
	contentTypePptx = "pptx"
	contentTypeXlsx = "xlsx"
	contentTypeHTML = "html"
	contentTypeTxt  = "txt"
)
