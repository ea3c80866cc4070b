package loader

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// maxSummaryRows bounds how much sheet content enters the index; a sheet is
// summarised, never dumped raw.
const maxSummaryRows = 30

// loadXLSX emits one summary item per sheet: name, dimensions, header row,
// and the leading rows.
func loadXLSX(path string) ([]domain.DocumentItem, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	var items []domain.DocumentItem
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		nRows := len(rows)
		nCols := 0
		for _, row := range rows {
			if len(row) > nCols {
				nCols = len(row)
			}
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Sheet: %s (%d rows x %d cols)\n", sheet, nRows, nCols)
		for i, row := range rows {
			if i >= maxSummaryRows {
				fmt.Fprintf(&b, "... %d more rows\n", nRows-maxSummaryRows)
				break
			}
			line := strings.TrimSpace(strings.Join(row, " | "))
			if line == "" {
				continue
			}
			if i == 0 {
				fmt.Fprintf(&b, "Header: %s\n", line)
				continue
			}
			b.WriteString(line)
			b.WriteString("\n")
		}

		text := strings.TrimSpace(b.String())
		if text == "" {
			continue
		}
		items = append(items, domain.DocumentItem{
			Text: text,
			Metadata: domain.ItemMetadata{
				Source:      path,
				ContentType: contentTypeXlsx,
				SheetName:   sheet,
				NRows:       nRows,
				NCols:       nCols,
			},
		})
	}
	return items, nil
}
