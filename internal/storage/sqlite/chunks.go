package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/logger"
)

const chunkColumns = `id, tenant_id, document_id, position, text, fingerprint, embedding,
	pending_embedding, deleted, created_at`

// fingerprintBatch keeps IN lists below the sqlite variable limit.
const fingerprintBatch = 500

// ListChunks returns the chunks a document references, with the document's
// own positions. Another document may own the stored row.
func (c *Client) ListChunks(ctx context.Context, tenantID, documentID string) ([]models.DocumentChunk, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT c.id, c.tenant_id, r.document_id, r.position, c.text, c.fingerprint, c.embedding,
			c.pending_embedding, c.deleted, c.created_at
		FROM chunk_refs r JOIN document_chunks c ON c.tenant_id = r.tenant_id AND c.id = r.chunk_id
		WHERE r.tenant_id = ? AND r.document_id = ?
		ORDER BY r.position`,
		tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return scanChunks(rows)
}

// ChunksByFingerprint resolves fingerprints to the tenant's stored chunks,
// whichever document owns them.
func (c *Client) ChunksByFingerprint(ctx context.Context, tenantID string, fingerprints []string) (map[string]models.DocumentChunk, error) {
	out := make(map[string]models.DocumentChunk, len(fingerprints))
	for start := 0; start < len(fingerprints); start += fingerprintBatch {
		batch := fingerprints[start:min(start+fingerprintBatch, len(fingerprints))]

		args := make([]any, 0, len(batch)+1)
		args = append(args, tenantID)
		for _, fp := range batch {
			args = append(args, fp)
		}

		rows, err := c.db.QueryContext(ctx,
			`SELECT `+chunkColumns+` FROM document_chunks
			WHERE tenant_id = ? AND fingerprint IN (`+placeholders(len(batch))+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("failed to load chunks by fingerprint: %w", err)
		}
		chunks, err := scanChunks(rows)
		if err != nil {
			return nil, err
		}
		for _, ch := range chunks {
			out[ch.Fingerprint] = ch
		}
	}
	return out, nil
}

// ApplyChunkWrites commits one document's chunk write-set. An insert whose id
// exists revives the soft-deleted chunk under the inserting document. A
// released chunk is soft deleted only when no other document references it;
// otherwise ownership passes to a remaining document.
func (c *Client) ApplyChunkWrites(ctx context.Context, w models.ChunkWrites) (*models.ChunkCommit, error) {
	commit := &models.ChunkCommit{}
	if w.Empty() {
		return commit, nil
	}
	now := c.now().Unix()

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		insert, err := tx.PrepareContext(ctx, `
			INSERT INTO document_chunks (`+chunkColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT DO UPDATE SET
				document_id = excluded.document_id,
				position = excluded.position,
				embedding = excluded.embedding,
				pending_embedding = excluded.pending_embedding,
				deleted = 0`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer insert.Close()

		for _, ch := range w.Inserts {
			if _, err := insert.ExecContext(ctx,
				ch.ID, ch.TenantID, ch.DocumentID, ch.Position, ch.Text, ch.Fingerprint,
				encodeEmbedding(ch.Embedding), boolToInt(ch.PendingEmbedding), now,
			); err != nil {
				return fmt.Errorf("failed to insert chunk %d: %w", ch.Position, err)
			}
			if err := addRef(ctx, tx, ch); err != nil {
				return err
			}
		}

		for _, ch := range w.Refs {
			if err := addRef(ctx, tx, ch); err != nil {
				return err
			}
			// The owner may have released the row since the diff was taken.
			res, err := tx.ExecContext(ctx,
				`UPDATE document_chunks SET deleted = 0, document_id = ?, position = ?
				WHERE id = ? AND tenant_id = ? AND deleted = 1`,
				ch.DocumentID, ch.Position, ch.ID, ch.TenantID)
			if err != nil {
				return fmt.Errorf("failed to revive chunk %s: %w", ch.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				revived, err := loadChunk(ctx, tx, ch.TenantID, ch.ID)
				if err != nil {
					return err
				}
				commit.Resync = append(commit.Resync, revived)
			}
		}

		for _, ch := range w.Released {
			if err := releaseRef(ctx, tx, ch.TenantID, ch.DocumentID, ch.ID, commit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Chunk writes applied",
		zap.Int("inserts", len(w.Inserts)),
		zap.Int("refs", len(w.Refs)),
		zap.Int("released", len(w.Released)),
		zap.Int("deleted", len(commit.Deleted)),
	)
	return commit, nil
}

// ReleaseDocumentChunks drops every chunk reference of a document. Chunks no
// other document references are soft deleted.
func (c *Client) ReleaseDocumentChunks(ctx context.Context, tenantID, documentID string) (*models.ChunkCommit, error) {
	commit := &models.ChunkCommit{}
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT chunk_id FROM chunk_refs WHERE tenant_id = ? AND document_id = ?`,
			tenantID, documentID)
		if err != nil {
			return fmt.Errorf("failed to list chunk references: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan row: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if err := releaseRef(ctx, tx, tenantID, documentID, id, commit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commit, nil
}

func addRef(ctx context.Context, tx *sql.Tx, ch models.DocumentChunk) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chunk_refs (tenant_id, chunk_id, document_id, position)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO UPDATE SET position = excluded.position`,
		ch.TenantID, ch.ID, ch.DocumentID, ch.Position)
	if err != nil {
		return fmt.Errorf("failed to reference chunk %s: %w", ch.ID, err)
	}
	return nil
}

// releaseRef removes one reference and either soft deletes the orphaned row
// or hands it to the next referencing document.
func releaseRef(ctx context.Context, tx *sql.Tx, tenantID, documentID, chunkID string, commit *models.ChunkCommit) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunk_refs WHERE tenant_id = ? AND chunk_id = ? AND document_id = ?`,
		tenantID, chunkID, documentID,
	); err != nil {
		return fmt.Errorf("failed to release chunk %s: %w", chunkID, err)
	}

	var (
		owner    string
		position int
	)
	err := tx.QueryRowContext(ctx,
		`SELECT document_id, position FROM chunk_refs
		WHERE tenant_id = ? AND chunk_id = ?
		ORDER BY document_id LIMIT 1`,
		tenantID, chunkID).Scan(&owner, &position)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			`UPDATE document_chunks SET deleted = 1 WHERE id = ? AND tenant_id = ? AND deleted = 0`,
			chunkID, tenantID)
		if err != nil {
			return fmt.Errorf("failed to soft delete chunk %s: %w", chunkID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			commit.Deleted = append(commit.Deleted, chunkID)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to resolve chunk owner: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE document_chunks SET document_id = ?, position = ?
		WHERE id = ? AND tenant_id = ? AND document_id = ?`,
		owner, position, chunkID, tenantID, documentID)
	if err != nil {
		return fmt.Errorf("failed to reassign chunk %s: %w", chunkID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		moved, err := loadChunk(ctx, tx, tenantID, chunkID)
		if err != nil {
			return err
		}
		commit.Resync = append(commit.Resync, moved)
	}
	return nil
}

func loadChunk(ctx context.Context, tx *sql.Tx, tenantID, id string) (models.DocumentChunk, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM document_chunks WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return models.DocumentChunk{}, fmt.Errorf("failed to load chunk %s: %w", id, err)
	}
	chunks, err := scanChunks(rows)
	if err != nil {
		return models.DocumentChunk{}, err
	}
	if len(chunks) == 0 {
		return models.DocumentChunk{}, fmt.Errorf("chunk %s vanished", id)
	}
	return chunks[0], nil
}

// PendingChunks lists live chunks still waiting for an embedding.
func (c *Client) PendingChunks(ctx context.Context, tenantID string, limit int) ([]models.DocumentChunk, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM document_chunks
		WHERE tenant_id = ? AND pending_embedding = 1 AND deleted = 0
		ORDER BY document_id, position
		LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending chunks: %w", err)
	}
	return scanChunks(rows)
}

// MarkEmbedded stores backfilled embeddings and clears the pending flag.
func (c *Client) MarkEmbedded(ctx context.Context, chunks []models.DocumentChunk) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		for _, ch := range chunks {
			if len(ch.Embedding) == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE document_chunks SET embedding = ?, pending_embedding = 0 WHERE id = ? AND tenant_id = ?`,
				encodeEmbedding(ch.Embedding), ch.ID, ch.TenantID,
			); err != nil {
				return fmt.Errorf("failed to store embedding for %s: %w", ch.ID, err)
			}
		}
		return nil
	})
}

// EmbeddedChunks streams every live embedded chunk of every tenant, used to
// warm an in-process vector store at startup.
func (c *Client) EmbeddedChunks(ctx context.Context) ([]models.DocumentChunk, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM document_chunks
		WHERE deleted = 0 AND pending_embedding = 0 AND embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list embedded chunks: %w", err)
	}
	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]models.DocumentChunk, error) {
	defer rows.Close()

	var chunks []models.DocumentChunk
	for rows.Next() {
		var (
			ch               models.DocumentChunk
			embedding        []byte
			pending, deleted int
			createdAt        int64
		)
		err := rows.Scan(
			&ch.ID, &ch.TenantID, &ch.DocumentID, &ch.Position, &ch.Text, &ch.Fingerprint, &embedding,
			&pending, &deleted, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ch.Embedding = decodeEmbedding(embedding)
		ch.PendingEmbedding = pending == 1
		ch.Deleted = deleted == 1
		ch.CreatedAt = time.Unix(createdAt, 0)
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

// encodeEmbedding packs a vector as little-endian float32s.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
