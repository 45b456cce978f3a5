package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/logger"
)

func (c *Client) InsertQueryRecord(ctx context.Context, record *models.QueryRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = c.now()
	}

	strategies := make([]string, len(record.Strategies))
	for i, s := range record.Strategies {
		strategies[i] = string(s)
	}

	query := `
		INSERT INTO query_history (id, tenant_id, query_text, strategies, response, evidence_count,
			structured_hits, semantic_hits, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx,
		query,
		record.ID,
		record.TenantID,
		record.QueryText,
		strings.Join(strategies, ","),
		record.Response,
		record.EvidenceCount,
		record.StructuredHits,
		record.SemanticHits,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	logger.Info("Query recorded",
		zap.String("query_id", record.ID),
		zap.String("tenant_id", record.TenantID),
		zap.Int("evidence", record.EvidenceCount),
	)

	return nil
}

func (c *Client) GetQueryHistory(ctx context.Context, tenantID string, limit int) ([]models.QueryRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, query_text, strategies, response, evidence_count,
			structured_hits, semantic_hits, latency_ms, created_at
		FROM query_history
		WHERE tenant_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var (
			r          models.QueryRecord
			strategies string
			createdAt  int64
		)

		err := rows.Scan(&r.ID, &r.TenantID, &r.QueryText, &strategies, &r.Response, &r.EvidenceCount,
			&r.StructuredHits, &r.SemanticHits, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		for _, s := range strings.Split(strategies, ",") {
			if s != "" {
				r.Strategies = append(r.Strategies, models.Strategy(s))
			}
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}
