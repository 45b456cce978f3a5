package extract

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// ReadSpreadsheet returns one region per non-empty sheet, in workbook order.
func ReadSpreadsheet(r io.Reader) (*Document, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	doc := &Document{}
	for i, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		doc.Regions = append(doc.Regions, Region{Source: sheet, Index: i, Rows: rows})
	}

	return doc, nil
}
