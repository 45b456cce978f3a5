package extract

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/logger"
)

type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
	FormatText Format = "text"
)

// Document is everything read from one raw file: tabular regions in page or
// sheet order, and prose paragraphs from the non-tabular parts.
type Document struct {
	Name    string
	Format  Format
	Regions []Region
	Prose   []string
}

// Text concatenates every cell and paragraph, for keyword screening.
func (d *Document) Text() string {
	var b strings.Builder
	for _, r := range d.Regions {
		for _, row := range r.Rows {
			b.WriteString(strings.Join(row, " "))
			b.WriteByte('\n')
		}
	}
	for _, p := range d.Prose {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return b.String()
}

func (d *Document) Empty() bool {
	return len(d.Regions) == 0 && len(strings.TrimSpace(strings.Join(d.Prose, ""))) == 0
}

// DetectFormat resolves the reader for a file from its declared kind, its
// extension and, for documents, the leading bytes.
func DetectFormat(name string, kind models.DocumentKind, data []byte) (Format, error) {
	ext := strings.ToLower(filepath.Ext(name))

	switch kind {
	case models.KindSpreadsheet:
		switch ext {
		case ".xlsx", ".xlsm", "":
			return FormatXLSX, nil
		case ".xls":
			return "", fmt.Errorf("%w: legacy .xls workbooks must be saved as .xlsx", apperr.ErrUnsupportedKind)
		}
		return "", fmt.Errorf("%w: spreadsheet with extension %q", apperr.ErrUnsupportedKind, ext)

	case models.KindDocument:
		switch ext {
		case ".pdf":
			return FormatPDF, nil
		case ".html", ".htm":
			return FormatHTML, nil
		case ".txt", ".md":
			return FormatText, nil
		}
		trimmed := bytes.TrimSpace(data)
		switch {
		case bytes.HasPrefix(data, []byte("%PDF")):
			return FormatPDF, nil
		case bytes.HasPrefix(trimmed, []byte("<")):
			return FormatHTML, nil
		}
		return "", fmt.Errorf("%w: document with extension %q", apperr.ErrUnsupportedKind, ext)
	}

	return "", fmt.Errorf("%w: %q", apperr.ErrUnsupportedKind, kind)
}

// KindForName infers the declared kind from a file name, for callers that
// only have an upload.
func KindForName(name string) (models.DocumentKind, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm", ".xls":
		return models.KindSpreadsheet, nil
	case ".pdf", ".html", ".htm", ".txt", ".md":
		return models.KindDocument, nil
	}
	return "", fmt.Errorf("%w: %s", apperr.ErrUnsupportedKind, name)
}

// Read parses raw bytes into a Document.
func Read(ctx context.Context, name string, kind models.DocumentKind, data []byte) (*Document, error) {
	format, err := DetectFormat(name, kind, data)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc *Document
	switch format {
	case FormatXLSX:
		doc, err = ReadSpreadsheet(bytes.NewReader(data))
	case FormatPDF:
		doc, err = ReadPDF(bytes.NewReader(data), int64(len(data)))
	case FormatHTML:
		doc, err = ReadHTML(bytes.NewReader(data))
	case FormatText:
		doc = ReadText(string(data))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s as %s: %w", name, format, err)
	}

	doc.Name = name
	doc.Format = format

	logger.Debug("Document read",
		zap.String("name", name),
		zap.String("format", string(format)),
		zap.Int("regions", len(doc.Regions)),
		zap.Int("paragraphs", len(doc.Prose)),
	)

	return doc, nil
}

// ReadText splits plain text into paragraphs on blank lines.
func ReadText(text string) *Document {
	return &Document{Prose: splitParagraphs(text)}
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.Join(strings.Fields(p), " ")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
