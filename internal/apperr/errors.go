// Package apperr holds the error taxonomy shared by ingestion and retrieval.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNoContent          = errors.New("no extractable content in document")
	ErrUnsupportedKind    = errors.New("unsupported document kind")
	ErrNotBankingDocument = errors.New("document does not look like banking content")
	ErrNoHeader           = errors.New("no header row found")
	ErrNoDataRows         = errors.New("table has no data rows")
	ErrNoLevelColumn      = errors.New("no level column found")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
	ErrEmptyStore         = errors.New("store has no entries for tenant")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrMissingTenant      = errors.New("tenant id is required")
	ErrDocumentNotFound   = errors.New("document not found")
)

// ExtractionError means one table region could not be turned into rows. The
// rest of the document is still ingested.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// HierarchyError means no level signal was found for a table. The table falls
// back to prose.
type HierarchyError struct {
	Table   string
	Columns []string
	Err     error
}

func (e *HierarchyError) Error() string {
	return fmt.Sprintf("hierarchy %s: %v (columns %v)", e.Table, e.Err, e.Columns)
}

func (e *HierarchyError) Unwrap() error { return e.Err }

// EmbeddingError is a transient failure of the embedding function.
type EmbeddingError struct {
	Position int
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embed chunk %d: %v", e.Position, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// RetrievalError reports a store that could not contribute evidence. Only a
// Fatal error reaches the caller as a failure.
type RetrievalError struct {
	Store string
	Err   error
	Fatal bool
}

func (e *RetrievalError) Error() string {
	kind := "non-fatal"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("retrieve from %s (%s): %v", e.Store, kind, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Unavailable wraps err so errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(store string, err error) error {
	return fmt.Errorf("%s: %w: %w", store, ErrStoreUnavailable, err)
}
