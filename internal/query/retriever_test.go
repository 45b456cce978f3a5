package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/internal/vector/memory"
)

type fakeRecords struct {
	records []models.StructuredRecord
	err     error
	lookups []models.RecordLookup
}

func (f *fakeRecords) LookupRecords(ctx context.Context, tenantID string, q models.RecordLookup) ([]models.StructuredRecord, error) {
	f.lookups = append(f.lookups, q)
	if f.err != nil {
		return nil, f.err
	}
	var out []models.StructuredRecord
	for _, r := range f.records {
		if r.TenantID != tenantID {
			continue
		}
		for _, t := range q.Terms {
			if r.Name == t {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeRecords) CountRecords(ctx context.Context, tenantID string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := 0
	for _, r := range f.records {
		if r.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

type fixedEmbedder struct{ err error }

func (e fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0}, nil
}

type brokenVectors struct{ *memory.Storage }

func (brokenVectors) Search(ctx context.Context, tenantID string, query []float32, topK int) ([]models.ScoredChunk, error) {
	return nil, apperr.Unavailable("milvus", errors.New("connection refused"))
}

func timeoutRecord(tenant, doc string) models.StructuredRecord {
	return models.StructuredRecord{
		TenantID:   tenant,
		DocumentID: doc,
		Name:       "timeout_ms",
		Path:       "Config::timeout_ms",
		Fields:     []models.Field{{Column: "Max", Value: "30000"}},
	}
}

func seededVectors(t *testing.T, chunks ...models.DocumentChunk) *memory.Storage {
	t.Helper()
	store := memory.NewStorage(2)
	require.NoError(t, store.Upsert(context.Background(), chunks))
	return store
}

func TestRetrieve(t *testing.T) {
	ctx := context.Background()
	structured := QueryClassification{Strategies: []models.Strategy{models.StrategyStructured}, Terms: []string{"timeout_ms"}}
	semantic := QueryClassification{Strategies: []models.Strategy{models.StrategySemantic}}
	both := QueryClassification{
		Strategies: []models.Strategy{models.StrategyStructured, models.StrategySemantic},
		Terms:      []string{"timeout_ms"},
	}

	t.Run("Empty vector store is a non fatal error", func(t *testing.T) {
		r := NewRetriever(&fakeRecords{}, memory.NewStorage(2), fixedEmbedder{}, 5, 20)

		set, err := r.Retrieve(ctx, "t1", "Why do we need a timeout?", semantic)
		require.NoError(t, err)
		assert.Empty(t, set.Items)
		require.NotEmpty(t, set.Errors)

		var vecErr *apperr.RetrievalError
		for _, e := range set.Errors {
			if e.Store == StoreVector {
				vecErr = e
			}
		}
		require.NotNil(t, vecErr)
		assert.False(t, vecErr.Fatal)
		assert.ErrorIs(t, vecErr, apperr.ErrEmptyStore)
	})

	t.Run("Structured evidence comes first and duplicates collapse", func(t *testing.T) {
		rec := timeoutRecord("t1", "d1")
		vectors := seededVectors(t,
			models.DocumentChunk{ID: "c1", TenantID: "t1", DocumentID: "d1", Text: rec.Text(), Embedding: []float32{1, 0}},
			models.DocumentChunk{ID: "c2", TenantID: "t1", DocumentID: "d2", Text: "Timeouts protect the core.", Embedding: []float32{0.9, 0.1}},
		)
		r := NewRetriever(&fakeRecords{records: []models.StructuredRecord{rec}}, vectors, fixedEmbedder{}, 5, 20)

		set, err := r.Retrieve(ctx, "t1", "What does `timeout_ms` mean?", both)
		require.NoError(t, err)
		require.Len(t, set.Items, 2)
		assert.Equal(t, models.StrategyStructured, set.Items[0].Strategy)
		assert.Equal(t, "d1", set.Items[0].DocumentID)
		assert.Equal(t, models.StrategySemantic, set.Items[1].Strategy)
		assert.Equal(t, "d2", set.Items[1].DocumentID)
	})

	t.Run("Unreachable vector backend degrades to structured", func(t *testing.T) {
		rec := timeoutRecord("t1", "d1")
		r := NewRetriever(&fakeRecords{records: []models.StructuredRecord{rec}}, brokenVectors{memory.NewStorage(2)}, fixedEmbedder{}, 5, 20)

		set, err := r.Retrieve(ctx, "t1", "What does `timeout_ms` mean?", both)
		require.NoError(t, err)
		require.Len(t, set.Items, 1)
		require.Len(t, set.Errors, 1)
		assert.ErrorIs(t, set.Errors[0], apperr.ErrStoreUnavailable)
		assert.False(t, set.Errors[0].Fatal)
	})

	t.Run("Empty structured result falls back to semantic", func(t *testing.T) {
		vectors := seededVectors(t,
			models.DocumentChunk{ID: "c1", TenantID: "t1", DocumentID: "d1", Text: "Timeout guidance.", Embedding: []float32{1, 0}},
		)
		r := NewRetriever(&fakeRecords{}, vectors, fixedEmbedder{}, 5, 20)

		set, err := r.Retrieve(ctx, "t1", "What is the value of timeout_ms?", structured)
		require.NoError(t, err)
		require.Len(t, set.Items, 1)
		assert.Equal(t, models.StrategySemantic, set.Items[0].Strategy)
		require.Len(t, set.Errors, 1)
		assert.ErrorIs(t, set.Errors[0], apperr.ErrEmptyStore)
	})

	t.Run("Every store unavailable is fatal", func(t *testing.T) {
		records := &fakeRecords{err: errors.New("database is locked")}
		r := NewRetriever(records, brokenVectors{memory.NewStorage(2)}, fixedEmbedder{}, 5, 20)

		set, err := r.Retrieve(ctx, "t1", "anything", both)
		var rerr *apperr.RetrievalError
		require.ErrorAs(t, err, &rerr)
		assert.True(t, rerr.Fatal)
		assert.Empty(t, set.Items)
		assert.Len(t, set.Errors, 2)
	})

	t.Run("Other tenants are never searched", func(t *testing.T) {
		vectors := seededVectors(t,
			models.DocumentChunk{ID: "c1", TenantID: "t2", DocumentID: "d1", Text: "Foreign.", Embedding: []float32{1, 0}},
		)
		records := &fakeRecords{records: []models.StructuredRecord{timeoutRecord("t2", "d1")}}
		r := NewRetriever(records, vectors, fixedEmbedder{}, 5, 20)

		set, err := r.Retrieve(ctx, "t1", "What does `timeout_ms` mean?", both)
		require.NoError(t, err)
		assert.Empty(t, set.Items)
	})

	t.Run("Missing tenant is rejected", func(t *testing.T) {
		r := NewRetriever(&fakeRecords{}, memory.NewStorage(2), fixedEmbedder{}, 5, 20)
		_, err := r.Retrieve(ctx, "", "q", semantic)
		assert.ErrorIs(t, err, apperr.ErrMissingTenant)
	})
}
