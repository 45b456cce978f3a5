package ingestion

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statementProse = `The account holder may request a statement at any time. Statements list every transaction posted in the period. The closing balance is shown at the end.

Transfers between accounts settle on the next business day. A transfer above the daily limit is held for review. Held transfers are released after manual approval.

Loan repayments are debited on the due date. Late payments accrue interest at the penalty rate.`

func TestChunker(t *testing.T) {
	t.Run("Empty text yields no passages", func(t *testing.T) {
		assert.Empty(t, NewChunker().Chunk("  \n\n "))
	})

	t.Run("Short text stays in one passage", func(t *testing.T) {
		chunks := NewChunker().Chunk("A single short paragraph about a bank account.")
		assert.Equal(t, []string{"A single short paragraph about a bank account."}, chunks)
	})

	t.Run("Paragraphs are kept whole when they fit", func(t *testing.T) {
		c := NewChunker(WithMaxSize(200), WithOverlap(0))
		chunks := c.Chunk(statementProse)

		require.Len(t, chunks, 3)
		assert.True(t, strings.HasPrefix(chunks[0], "The account holder"))
		assert.True(t, strings.HasPrefix(chunks[1], "Transfers between accounts"))
		assert.True(t, strings.HasPrefix(chunks[2], "Loan repayments"))
	})

	t.Run("Long paragraphs split on sentence boundaries", func(t *testing.T) {
		c := NewChunker(WithMaxSize(80), WithOverlap(0))
		for _, chunk := range c.Chunk(statementProse) {
			assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 80)
			assert.True(t, strings.HasSuffix(chunk, "."), chunk)
		}
	})

	t.Run("Overlap prefixes the tail of the previous passage", func(t *testing.T) {
		c := NewChunker(WithMaxSize(120), WithOverlap(30))
		chunks := c.Chunk(statementProse)
		require.Greater(t, len(chunks), 2)

		for i, chunk := range chunks {
			assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 120)
			if i == 0 {
				continue
			}
			tail := c.tail(stripOverlap(t, c, chunks, i-1))
			require.NotEmpty(t, tail)
			assert.True(t, strings.HasPrefix(chunk, tail+" "), "chunk %d should start with %q", i, tail)
		}
	})

	t.Run("Unbroken text is hard cut", func(t *testing.T) {
		c := NewChunker(WithMaxSize(100), WithOverlap(0))
		chunks := c.Chunk(strings.Repeat("x", 250))

		require.Len(t, chunks, 3)
		assert.Len(t, chunks[0], 100)
		assert.Len(t, chunks[2], 50)
	})

	t.Run("Token unit bounds passages by word count", func(t *testing.T) {
		c := NewChunker(WithMaxSize(12), WithOverlap(3), WithUnit(UnitTokens))
		chunks := c.Chunk(statementProse)
		require.NotEmpty(t, chunks)
		for _, chunk := range chunks {
			assert.LessOrEqual(t, len(strings.Fields(chunk)), 12)
		}
	})

	t.Run("Overlap is clamped to half the max size", func(t *testing.T) {
		c := NewChunker(WithMaxSize(10), WithOverlap(50))
		assert.Equal(t, 5, c.overlap)
	})
}

// stripOverlap returns passage i without the overlap prefix it was given.
func stripOverlap(t *testing.T, c *Chunker, chunks []string, i int) string {
	t.Helper()
	if i == 0 {
		return chunks[0]
	}
	prev := stripOverlap(t, c, chunks, i-1)
	prefix := c.tail(prev) + " "
	require.True(t, strings.HasPrefix(chunks[i], prefix))
	return strings.TrimPrefix(chunks[i], prefix)
}
