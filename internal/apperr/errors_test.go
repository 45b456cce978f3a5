package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomyUnwraps(t *testing.T) {
	cause := errors.New("boom")

	t.Run("Extraction", func(t *testing.T) {
		err := error(&ExtractionError{Source: "Sheet1", Err: ErrNoHeader})
		assert.ErrorIs(t, err, ErrNoHeader)
		assert.Contains(t, err.Error(), "Sheet1")
	})

	t.Run("Retrieval marks fatality", func(t *testing.T) {
		err := &RetrievalError{Store: "vector", Err: ErrEmptyStore}
		assert.Contains(t, err.Error(), "non-fatal")
		assert.ErrorIs(t, err, ErrEmptyStore)
	})

	t.Run("Unavailable keeps both causes", func(t *testing.T) {
		err := Unavailable("milvus", cause)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("Embedding errors are matchable with As", func(t *testing.T) {
		var wrapped error = &EmbeddingError{Position: 2, Err: ErrDimensionMismatch}
		var target *EmbeddingError
		assert.True(t, errors.As(wrapped, &target))
		assert.Equal(t, 2, target.Position)
	})
}
