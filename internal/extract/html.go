package extract

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const proseSelector = "p, li, h1, h2, h3, h4, h5, h6, pre, blockquote, dt, dd"

// ReadHTML reads every <table> as a region and block-level text outside tables
// as prose. Navigation chrome is dropped.
func ReadHTML(r io.Reader) (*Document, error) {
	page, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	page.Find("script, style, nav, footer, header, aside, noscript").Remove()

	doc := &Document{}
	page.Find("table").Each(func(i int, table *goquery.Selection) {
		var rows [][]string
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var row []string
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				row = append(row, collapse(cell.Text()))
			})
			if len(row) > 0 {
				rows = append(rows, row)
			}
		})
		if len(rows) == 0 {
			return
		}

		source := fmt.Sprintf("table %d", i+1)
		if caption := collapse(table.Find("caption").First().Text()); caption != "" {
			source = caption
			rows = append([][]string{{caption}}, rows...)
		}
		doc.Regions = append(doc.Regions, Region{Source: source, Index: i, Rows: rows})
	})
	page.Find("table").Remove()

	page.Find(proseSelector).Each(func(_ int, s *goquery.Selection) {
		// Nested blocks (li > p) would be read twice.
		if s.ParentsFiltered(proseSelector).Length() > 0 {
			return
		}
		if text := collapse(s.Text()); text != "" {
			doc.Prose = append(doc.Prose, text)
		}
	})

	if len(doc.Prose) == 0 {
		if text := collapse(page.Find("body").Text()); text != "" {
			doc.Prose = append(doc.Prose, text)
		}
	}

	return doc, nil
}

// Title returns the <title> or first <h1> of an HTML page.
func Title(r io.Reader) string {
	page, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return ""
	}
	title := page.Find("title").First().Text()
	if strings.TrimSpace(title) == "" {
		title = page.Find("h1").First().Text()
	}
	return collapse(title)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
