package extract

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// textLine is one visual line of a page split into horizontally separated cells.
type textLine struct {
	Cells []textCell
}

type textCell struct {
	X    float64
	Text string
}

// ReadPDF reads every page. Runs of two or more consecutive multi-cell lines
// become a tabular region; single-cell lines are collected as prose.
func ReadPDF(r io.ReaderAt, size int64) (*Document, error) {
	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	doc := &Document{}
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		rows, err := page.GetTextByRow()
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d: %w", i, err)
		}

		lines := make([]textLine, 0, len(rows))
		for _, row := range rows {
			if line := lineFromTexts(row.Content); len(line.Cells) > 0 {
				lines = append(lines, line)
			}
		}

		regions, prose := splitPage(lines)
		for _, grid := range regions {
			doc.Regions = append(doc.Regions, Region{
				Source: fmt.Sprintf("page %d", i),
				Index:  i,
				Rows:   grid,
			})
		}
		doc.Prose = append(doc.Prose, prose...)
	}

	return doc, nil
}

// lineFromTexts joins glyph runs into words and words into cells. A gap wider
// than two font sizes starts a new cell.
func lineFromTexts(texts pdf.TextHorizontal) textLine {
	sorted := make([]pdf.Text, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t.S) != "" || t.S == " " {
			sorted = append(sorted, t)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	var line textLine
	var cur strings.Builder
	curX, end := 0.0, math.Inf(-1)

	flush := func() {
		if s := strings.Join(strings.Fields(cur.String()), " "); s != "" {
			line.Cells = append(line.Cells, textCell{X: curX, Text: s})
		}
		cur.Reset()
	}

	for _, t := range sorted {
		size := t.FontSize
		if size <= 0 {
			size = 10
		}
		gap := t.X - end
		switch {
		case cur.Len() == 0:
			curX = t.X
		case gap > 2*size:
			flush()
			curX = t.X
		case gap > 0.25*size:
			cur.WriteByte(' ')
		}
		cur.WriteString(t.S)
		end = t.X + t.W
	}
	flush()

	return line
}

// splitPage separates tabular runs from prose lines.
func splitPage(lines []textLine) ([][][]string, []string) {
	var regions [][][]string
	var prose []string
	var para []string

	flushPara := func() {
		if len(para) > 0 {
			prose = append(prose, strings.Join(para, " "))
			para = nil
		}
	}

	for i := 0; i < len(lines); {
		j := i
		for j < len(lines) && len(lines[j].Cells) > 1 {
			j++
		}
		if j-i >= 2 {
			flushPara()
			regions = append(regions, alignGrid(lines[i:j]))
			i = j
			continue
		}
		if j == i {
			j = i + 1
		}
		for _, l := range lines[i:j] {
			for _, c := range l.Cells {
				para = append(para, c.Text)
			}
		}
		i = j
	}
	flushPara()

	return regions, prose
}

// alignGrid assigns every cell to the nearest column anchor. Anchors come from
// the line with the most cells, which is usually the header.
func alignGrid(lines []textLine) [][]string {
	anchorLine := lines[0]
	for _, l := range lines[1:] {
		if len(l.Cells) > len(anchorLine.Cells) {
			anchorLine = l
		}
	}
	anchors := make([]float64, len(anchorLine.Cells))
	for i, c := range anchorLine.Cells {
		anchors[i] = c.X
	}

	grid := make([][]string, len(lines))
	for r, l := range lines {
		row := make([]string, len(anchors))
		for _, c := range l.Cells {
			col := nearest(anchors, c.X)
			if row[col] != "" {
				row[col] += " " + c.Text
			} else {
				row[col] = c.Text
			}
		}
		grid[r] = row
	}
	return grid
}

func nearest(anchors []float64, x float64) int {
	best, dist := 0, math.Inf(1)
	for i, a := range anchors {
		if d := math.Abs(a - x); d < dist {
			best, dist = i, d
		}
	}
	return best
}
