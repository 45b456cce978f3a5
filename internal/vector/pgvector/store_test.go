package pgvector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/bank-rag/backend/internal/storage/models"
)

func startStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("bankrag"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewStore(ctx, dsn, "chunk_vectors", 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {
	store := startStore(t)
	ctx := context.Background()

	chunks := []models.DocumentChunk{
		{ID: "c1", TenantID: "t1", DocumentID: "d1", Position: 0, Text: "loan rate", Embedding: []float32{1, 0, 0}},
		{ID: "c2", TenantID: "t1", DocumentID: "d1", Position: 1, Text: "transfer fee", Embedding: []float32{0, 1, 0}},
		{ID: "c3", TenantID: "t2", DocumentID: "d9", Position: 0, Text: "other tenant", Embedding: []float32{1, 0, 0}},
		{ID: "c4", TenantID: "t1", DocumentID: "d1", Position: 2, Text: "pending", PendingEmbedding: true},
	}
	require.NoError(t, store.Upsert(ctx, chunks))

	t.Run("Search is tenant scoped and ordered by similarity", func(t *testing.T) {
		hits, err := store.Search(ctx, "t1", []float32{0.9, 0.1, 0}, 5)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "c1", hits[0].Chunk.ID)
		assert.Equal(t, "loan rate", hits[0].Chunk.Text)
		assert.Greater(t, hits[0].Score, hits[1].Score)
	})

	t.Run("Upsert is idempotent per chunk id", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, chunks[:1]))
		hits, err := store.Search(ctx, "t1", []float32{1, 0, 0}, 5)
		require.NoError(t, err)
		assert.Len(t, hits, 2)
	})

	t.Run("Delete removes only the named tenant's rows", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "t1", []string{"c1", "c3"}))

		hits, err := store.Search(ctx, "t1", []float32{1, 0, 0}, 5)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "c2", hits[0].Chunk.ID)

		other, err := store.Search(ctx, "t2", []float32{1, 0, 0}, 5)
		require.NoError(t, err)
		assert.Len(t, other, 1)
	})
}
