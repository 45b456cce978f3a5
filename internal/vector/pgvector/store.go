package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	pgv "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/logger"
)

// Store keeps chunk embeddings in a Postgres table with the vector extension.
type Store struct {
	db        *sql.DB
	table     string
	dimension int
}

func NewStore(ctx context.Context, dsn, table string, dimension int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{db: db, table: pq.QuoteIdentifier(table), dimension: dimension}
	if err := s.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("pgvector store initialized", zap.String("table", table), zap.Int("dimension", dimension))
	return s, nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS %[1]s (
  tenant_id   text NOT NULL,
  chunk_id    text NOT NULL,
  document_id text NOT NULL,
  position    integer NOT NULL,
  content     text NOT NULL,
  embedding   vector(%[2]d) NOT NULL,
  updated_at  timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (tenant_id, chunk_id)
);
`, s.table, s.dimension)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, chunks []models.DocumentChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`
INSERT INTO %s (tenant_id, chunk_id, document_id, position, content, embedding, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (tenant_id, chunk_id) DO UPDATE SET
  document_id = EXCLUDED.document_id,
  position = EXCLUDED.position,
  content = EXCLUDED.content,
  embedding = EXCLUDED.embedding,
  updated_at = now()`, s.table)

	n := 0
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt,
			c.TenantID, c.ID, c.DocumentID, c.Position, c.Text, pgv.NewVector(c.Embedding),
		); err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", c.ID, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vectors: %w", err)
	}
	logger.Debug("Chunks upserted into pgvector", zap.Int("count", n))
	return nil
}

// Search orders by cosine distance; Score is cosine similarity.
func (s *Store) Search(ctx context.Context, tenantID string, query []float32, topK int) ([]models.ScoredChunk, error) {
	if topK <= 0 {
		topK = 5
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT chunk_id, document_id, position, content, 1 - (embedding <=> $2) AS score
FROM %s
WHERE tenant_id = $1
ORDER BY embedding <=> $2
LIMIT $3`, s.table), tenantID, pgv.NewVector(query), topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	defer rows.Close()

	var results []models.ScoredChunk
	for rows.Next() {
		hit := models.ScoredChunk{Chunk: models.DocumentChunk{TenantID: tenantID}}
		if err := rows.Scan(&hit.Chunk.ID, &hit.Chunk.DocumentID, &hit.Chunk.Position, &hit.Chunk.Text, &hit.Score); err != nil {
			return nil, fmt.Errorf("failed to scan vector hit: %w", err)
		}
		results = append(results, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return results, nil
}

func (s *Store) Delete(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND chunk_id = ANY($2)`, s.table),
		tenantID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
