package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bank-rag/backend/internal/ingestion"
	"github.com/bank-rag/backend/internal/query"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "data", "app.db")
	cfg.Vector.Dimension = 64
	cfg.Redis.Enabled = false
	cfg.LLM.Provider = "hashing"
	cfg.LLM.Synthesize = false
	return cfg
}

const cutoffNotes = "Transfers submitted after the 17:00 cut-off are booked on the next bank business day. " +
	"The payment engine rejects transfers whose value date is in the past."

func TestNew(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	t.Run("Memory index is rebuilt from stored embeddings", func(t *testing.T) {
		a, err := New(ctx, cfg)
		require.NoError(t, err)

		report, err := a.Processor.Ingest(ctx, ingestion.Source{TenantID: "t1", Name: "cutoff.txt", Data: []byte(cutoffNotes)})
		require.NoError(t, err)
		require.Equal(t, 1, report.ChunkInserts)
		require.NoError(t, a.Close())

		a, err = New(ctx, cfg)
		require.NoError(t, err)
		defer a.Close()

		resp, err := a.Engine.ProcessQuery(ctx, query.QueryRequest{TenantID: "t1", Question: "Explain the transfer cut-off"})
		require.NoError(t, err)
		require.NotEmpty(t, resp.Evidence)
		assert.Equal(t, models.StrategySemantic, resp.Evidence[0].Strategy)
		assert.Equal(t, "cutoff", resp.Evidence[0].DocumentID)
		assert.Contains(t, resp.Answer, "17:00 cut-off")
	})

	t.Run("Ready reports a healthy store", func(t *testing.T) {
		a, err := New(ctx, cfg)
		require.NoError(t, err)
		defer a.Close()
		assert.NoError(t, a.Ready(ctx))
	})

	t.Run("Synthesis without credentials is rejected", func(t *testing.T) {
		bad := testConfig(t)
		bad.LLM.Synthesize = true
		bad.LLM.APIKey = ""
		bad.LLM.BaseURL = ""
		_, err := New(ctx, bad)
		assert.Error(t, err)
	})

	t.Run("Invalid classifier rule is rejected", func(t *testing.T) {
		bad := testConfig(t)
		bad.Classifier.Rules = []config.ClassifierRule{{Name: "broken", Pattern: "(", Strategy: "structured"}}
		_, err := New(ctx, bad)
		assert.Error(t, err)
	})
}
