package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/logger"
)

const documentColumns = `tenant_id, document_id, name, kind, raw_fingerprint, status,
	record_count, chunk_count, pending_chunks, created_at, updated_at`

func (c *Client) SaveDocument(ctx context.Context, doc *models.Document) error {
	now := c.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, document_id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			raw_fingerprint = excluded.raw_fingerprint,
			status = excluded.status,
			record_count = excluded.record_count,
			chunk_count = excluded.chunk_count,
			pending_chunks = excluded.pending_chunks,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		doc.TenantID,
		doc.DocumentID,
		doc.Name,
		string(doc.Kind),
		doc.RawFingerprint,
		string(doc.Status),
		doc.RecordCount,
		doc.ChunkCount,
		doc.PendingChunks,
		doc.CreatedAt.Unix(),
		doc.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	logger.Debug("Document saved",
		zap.String("tenant_id", doc.TenantID),
		zap.String("document_id", doc.DocumentID),
		zap.String("status", string(doc.Status)),
	)
	return nil
}

// GetDocument returns apperr.ErrDocumentNotFound when the tenant has no such
// document.
func (c *Client) GetDocument(ctx context.Context, tenantID, documentID string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? AND document_id = ?`,
		tenantID, documentID)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", documentID, apperr.ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (c *Client) ListDocuments(ctx context.Context, tenantID string) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? ORDER BY updated_at DESC, document_id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// DocumentCounts reports live records, and live and pending chunks
// referenced by one document.
func (c *Client) DocumentCounts(ctx context.Context, tenantID, documentID string) (records, chunks, pending int, err error) {
	err = c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM structured_records WHERE tenant_id = ? AND document_id = ? AND stale = 0`,
		tenantID, documentID).Scan(&records)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count records: %w", err)
	}

	err = c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(c.pending_embedding), 0)
		FROM chunk_refs r JOIN document_chunks c ON c.tenant_id = r.tenant_id AND c.id = r.chunk_id
		WHERE r.tenant_id = ? AND r.document_id = ? AND c.deleted = 0`,
		tenantID, documentID).Scan(&chunks, &pending)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return records, chunks, pending, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc                  models.Document
		kind, status         string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&doc.TenantID,
		&doc.DocumentID,
		&doc.Name,
		&kind,
		&doc.RawFingerprint,
		&status,
		&doc.RecordCount,
		&doc.ChunkCount,
		&doc.PendingChunks,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Kind = models.DocumentKind(kind)
	doc.Status = models.DocumentStatus(status)
	doc.CreatedAt = time.Unix(createdAt, 0)
	doc.UpdatedAt = time.Unix(updatedAt, 0)
	return &doc, nil
}
