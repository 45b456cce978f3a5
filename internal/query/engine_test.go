package query

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/internal/storage/sqlite"
	"github.com/bank-rag/backend/internal/vector/memory"
)

type recordingSynth struct {
	calls    int
	evidence []EvidenceItem
	err      error
}

func (s *recordingSynth) Synthesize(ctx context.Context, question string, evidence []EvidenceItem) (string, error) {
	s.calls++
	s.evidence = evidence
	if s.err != nil {
		return "", s.err
	}
	return "timeout_ms allows up to 30000 ms.", nil
}

func newTestDB(t *testing.T) *sqlite.Client {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "query.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })
	return db
}

func seedRecord(t *testing.T, db *sqlite.Client) {
	t.Helper()
	require.NoError(t, db.ApplyRecordWrites(context.Background(), models.RecordWrites{
		Inserts: []models.StructuredRecord{{
			ID:          "r1",
			TenantID:    "t1",
			DocumentID:  "config",
			TableName:   "Config",
			RecordKey:   "Config::timeout_ms",
			Path:        "Config::timeout_ms",
			Name:        "timeout_ms",
			Fields:      []models.Field{{Column: "Field", Value: "timeout_ms"}, {Column: "Max", Value: "30000"}},
			Fingerprint: "fp",
		}},
	}))
}

func TestProcessQuery(t *testing.T) {
	ctx := context.Background()

	t.Run("Structured question is answered from records", func(t *testing.T) {
		db := newTestDB(t)
		seedRecord(t, db)
		synth := &recordingSynth{}
		engine := NewEngine(nil, NewRetriever(db, memory.NewStorage(2), fixedEmbedder{}, 5, 20), db, db, synth)

		resp, err := engine.ProcessQuery(ctx, QueryRequest{TenantID: "t1", Question: "What is the maximum value for field `timeout_ms`?"})
		require.NoError(t, err)

		assert.Equal(t, "structured", resp.Strategy)
		assert.Equal(t, "timeout_ms allows up to 30000 ms.", resp.Answer)
		require.Len(t, synth.evidence, 1)
		assert.Equal(t, "config", synth.evidence[0].DocumentID)
		assert.Equal(t, models.StrategyStructured, synth.evidence[0].Strategy)

		history, err := engine.History(ctx, "t1", 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, resp.ID, history[0].ID)
		assert.Equal(t, 1, history[0].StructuredHits)
	})

	t.Run("No evidence answers the fixed text without synthesis", func(t *testing.T) {
		db := newTestDB(t)
		synth := &recordingSynth{}
		engine := NewEngine(nil, NewRetriever(db, memory.NewStorage(2), fixedEmbedder{}, 5, 20), db, db, synth)

		resp, err := engine.ProcessQuery(ctx, QueryRequest{TenantID: "t1", Question: "Why do we need a timeout here?"})
		require.NoError(t, err)
		assert.Equal(t, NoInformationAnswer, resp.Answer)
		assert.Zero(t, synth.calls)
		assert.NotEmpty(t, resp.Warnings)
		assert.False(t, resp.Degraded)
	})

	t.Run("Every store down still answers", func(t *testing.T) {
		db := newTestDB(t)
		records := &fakeRecords{err: errors.New("disk I/O error")}
		engine := NewEngine(nil, NewRetriever(records, brokenVectors{memory.NewStorage(2)}, fixedEmbedder{}, 5, 20), nil, db, nil)

		resp, err := engine.ProcessQuery(ctx, QueryRequest{TenantID: "t1", Question: "Explain `timeout_ms`"})
		require.NoError(t, err)
		assert.True(t, resp.Degraded)
		assert.Equal(t, NoInformationAnswer, resp.Answer)
	})

	t.Run("Synthesis failure returns the evidence", func(t *testing.T) {
		db := newTestDB(t)
		seedRecord(t, db)
		synth := &recordingSynth{err: errors.New("rate limited")}
		engine := NewEngine(nil, NewRetriever(db, memory.NewStorage(2), fixedEmbedder{}, 5, 20), db, db, synth)

		resp, err := engine.ProcessQuery(ctx, QueryRequest{TenantID: "t1", Question: "List `timeout_ms`"})
		require.NoError(t, err)
		assert.Contains(t, resp.Answer, "(structured, config) Config::timeout_ms")
		assert.Contains(t, resp.Answer, "Max: 30000")
	})

	t.Run("Invalid requests are rejected", func(t *testing.T) {
		engine := NewEngine(nil, NewRetriever(nil, nil, nil, 0, 0), nil, nil, nil)

		_, err := engine.ProcessQuery(ctx, QueryRequest{Question: "q"})
		assert.ErrorIs(t, err, apperr.ErrMissingTenant)

		_, err = engine.ProcessQuery(ctx, QueryRequest{TenantID: "t1", Question: "  "})
		assert.Error(t, err)
	})
}
