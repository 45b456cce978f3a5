// Package extract turns raw spreadsheets, PDF pages and HTML into tabular
// regions and prose, and regions into header-aligned tables.
package extract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bank-rag/backend/internal/apperr"
)

// Region is one sheet or one page's tabular area before header detection.
type Region struct {
	Source string
	// Index orders regions within a document (sheet or page number).
	Index int
	Rows  [][]string
}

// Table is a region with an identified header. Rows are aligned to Header.
type Table struct {
	Source string
	// FirstIndex and LastIndex span the pages or sheets a merged table covers.
	FirstIndex int
	LastIndex  int
	// Title is the first non-empty cell above the header, if any.
	Title  string
	Header []string
	Rows   []Row
}

type Row struct {
	// Line is the row number inside the source region, 1-based.
	Line  int
	Cells []string
}

// Column returns the header index of name, case-insensitively, or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

func (r Row) Cell(i int) string {
	if i < 0 || i >= len(r.Cells) {
		return ""
	}
	return r.Cells[i]
}

func (r Row) Empty() bool {
	for _, c := range r.Cells {
		if c != "" {
			return false
		}
	}
	return true
}

// ExtractTable finds the header row of a region and returns the rows below it.
// The header is the first row where at least half the cells are filled and
// fewer than half of the filled cells are numeric. Rows with no values are
// dropped, as are rows repeating the header.
func ExtractTable(region Region) (*Table, error) {
	width := 0
	for _, row := range region.Rows {
		if len(row) > width {
			width = len(row)
		}
	}

	rows := make([][]string, len(region.Rows))
	for i, row := range region.Rows {
		rows[i] = normalizeRow(row, width)
	}

	headerAt := -1
	title := ""
	for i, row := range rows {
		if isHeaderRow(row) {
			headerAt = i
			break
		}
		if c := firstNonEmpty(row); title == "" && !isNumeric(c) {
			title = c
		}
	}
	if headerAt < 0 {
		return nil, &apperr.ExtractionError{Source: region.Source, Err: apperr.ErrNoHeader}
	}

	header := cleanHeader(rows[headerAt])
	table := &Table{
		Source:     region.Source,
		FirstIndex: region.Index,
		LastIndex:  region.Index,
		Title:      title,
		Header:     header,
	}

	for i := headerAt + 1; i < len(rows); i++ {
		row := Row{Line: i + 1, Cells: rows[i]}
		if row.Empty() || sameCells(rows[i], rows[headerAt]) {
			continue
		}
		table.Rows = append(table.Rows, row)
	}

	if len(table.Rows) == 0 {
		return nil, &apperr.ExtractionError{Source: region.Source, Err: apperr.ErrNoDataRows}
	}

	return table, nil
}

func normalizeRow(row []string, width int) []string {
	out := make([]string, width)
	for i := 0; i < width && i < len(row); i++ {
		out[i] = cleanCell(row[i])
	}
	return out
}

func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.Join(strings.Fields(s), " ")
	switch strings.ToLower(s) {
	case "nan", "none", "null", "n/a":
		return ""
	}
	return s
}

func isHeaderRow(row []string) bool {
	filled, numeric := 0, 0
	for _, c := range row {
		if c == "" {
			continue
		}
		filled++
		if isNumeric(c) {
			numeric++
		}
	}
	if filled == 0 || filled*2 < len(row) {
		return false
	}
	// A lone caption in a multi-column region is a title, not a header.
	if filled == 1 && len(row) > 1 {
		return false
	}
	return numeric*2 < filled
}

func isNumeric(s string) bool {
	s = strings.TrimSuffix(strings.ReplaceAll(s, ",", ""), "%")
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func cleanHeader(row []string) []string {
	header := make([]string, len(row))
	seen := make(map[string]int, len(row))
	for i, c := range row {
		name := c
		if name == "" {
			name = fmt.Sprintf("col_%d", i)
		}
		key := strings.ToLower(name)
		seen[key]++
		if n := seen[key]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		header[i] = name
	}
	return header
}

func firstNonEmpty(row []string) string {
	for _, c := range row {
		if c != "" {
			return c
		}
	}
	return ""
}

func sameCells(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
