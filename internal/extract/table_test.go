package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bank-rag/backend/internal/apperr"
)

func TestExtractTable(t *testing.T) {
	t.Run("Title row above header becomes the table title", func(t *testing.T) {
		table, err := ExtractTable(Region{
			Source: "Payments",
			Rows: [][]string{
				{"Payments API", "", "", ""},
				{"Level", "Field", "Type", "Required"},
				{"0", "payment", "object", "yes"},
				{"1", "amount", "decimal", "yes"},
			},
		})
		require.NoError(t, err)

		assert.Equal(t, "Payments API", table.Title)
		assert.Equal(t, []string{"Level", "Field", "Type", "Required"}, table.Header)
		require.Len(t, table.Rows, 2)
		assert.Equal(t, "amount", table.Rows[1].Cell(1))
		assert.Equal(t, 4, table.Rows[1].Line)
	})

	t.Run("Numeric dominant rows are not headers", func(t *testing.T) {
		table, err := ExtractTable(Region{
			Source: "Rates",
			Rows: [][]string{
				{"1", "2", "3"},
				{"Tier", "Rate", "Cap"},
				{"0", "1.5", "100"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Tier", "Rate", "Cap"}, table.Header)
		assert.Len(t, table.Rows, 1)
	})

	t.Run("Empty and repeated header rows are dropped", func(t *testing.T) {
		table, err := ExtractTable(Region{
			Source: "Sheet1",
			Rows: [][]string{
				{"Level", "Field"},
				{"0", "account"},
				{"", "  "},
				{"Level", "Field"},
				{"1", "iban"},
			},
		})
		require.NoError(t, err)
		require.Len(t, table.Rows, 2)
		assert.Equal(t, "iban", table.Rows[1].Cell(1))
	})

	t.Run("Blank and duplicate header cells are renamed", func(t *testing.T) {
		table, err := ExtractTable(Region{
			Source: "Sheet1",
			Rows: [][]string{
				{"Name", "", "Name", `"Notes"`},
				{"a", "b", "c", "d"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Name", "col_1", "Name_2", "Notes"}, table.Header)
	})

	t.Run("Short rows are padded to the header width", func(t *testing.T) {
		table, err := ExtractTable(Region{
			Source: "Sheet1",
			Rows: [][]string{
				{"Level", "Field", "Description"},
				{"0", "account"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "", table.Rows[0].Cell(2))
		assert.Len(t, table.Rows[0].Cells, 3)
	})

	t.Run("Missing header fails with ExtractionError", func(t *testing.T) {
		_, err := ExtractTable(Region{
			Source: "Numbers",
			Rows:   [][]string{{"1", "2"}, {"3", "4"}},
		})
		var extractionErr *apperr.ExtractionError
		require.ErrorAs(t, err, &extractionErr)
		assert.ErrorIs(t, err, apperr.ErrNoHeader)
		assert.Equal(t, "Numbers", extractionErr.Source)
	})

	t.Run("Header without data rows fails", func(t *testing.T) {
		_, err := ExtractTable(Region{
			Source: "Empty",
			Rows:   [][]string{{"Level", "Field"}, {"", ""}},
		})
		assert.ErrorIs(t, err, apperr.ErrNoDataRows)
	})
}
