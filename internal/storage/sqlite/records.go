package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/logger"
)

const recordColumns = `id, tenant_id, document_id, table_name, level, parent_key, record_key, path,
	name, fields, fingerprint, position, stale, created_at, updated_at`

// ListRecords returns every record of a document, stale ones included, in
// source order.
func (c *Client) ListRecords(ctx context.Context, tenantID, documentID string) ([]models.StructuredRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM structured_records
		WHERE tenant_id = ? AND document_id = ?
		ORDER BY position`,
		tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return scanRecords(rows)
}

// ApplyRecordWrites commits one document's write-set atomically.
func (c *Client) ApplyRecordWrites(ctx context.Context, w models.RecordWrites) error {
	if w.Empty() {
		return nil
	}
	now := c.now().Unix()

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		insert, err := tx.PrepareContext(ctx, `
			INSERT INTO structured_records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer insert.Close()

		for _, r := range w.Inserts {
			fields, err := json.Marshal(r.Fields)
			if err != nil {
				return fmt.Errorf("failed to encode fields: %w", err)
			}
			if _, err := insert.ExecContext(ctx,
				r.ID, r.TenantID, r.DocumentID, r.TableName, r.Level, nullable(r.ParentKey), r.RecordKey,
				r.Path, r.Name, string(fields), r.Fingerprint, r.Position, now, now,
			); err != nil {
				return fmt.Errorf("failed to insert record %s: %w", r.RecordKey, err)
			}
		}

		update, err := tx.PrepareContext(ctx, `
			UPDATE structured_records SET
				table_name = ?, level = ?, parent_key = ?, record_key = ?, path = ?, name = ?,
				fields = ?, fingerprint = ?, position = ?, stale = 0, updated_at = ?
			WHERE id = ? AND tenant_id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare update: %w", err)
		}
		defer update.Close()

		for _, r := range w.Updates {
			fields, err := json.Marshal(r.Fields)
			if err != nil {
				return fmt.Errorf("failed to encode fields: %w", err)
			}
			if _, err := update.ExecContext(ctx,
				r.TableName, r.Level, nullable(r.ParentKey), r.RecordKey, r.Path, r.Name,
				string(fields), r.Fingerprint, r.Position, now, r.ID, r.TenantID,
			); err != nil {
				return fmt.Errorf("failed to update record %s: %w", r.RecordKey, err)
			}
		}

		for _, r := range w.Stale {
			if _, err := tx.ExecContext(ctx,
				`UPDATE structured_records SET stale = 1, updated_at = ? WHERE id = ? AND tenant_id = ?`,
				now, r.ID, r.TenantID,
			); err != nil {
				return fmt.Errorf("failed to retire record %s: %w", r.RecordKey, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Record writes applied",
		zap.Int("inserts", len(w.Inserts)),
		zap.Int("updates", len(w.Updates)),
		zap.Int("stale", len(w.Stale)),
	)
	return nil
}

// MarkRecordsStale retires every live record of a document.
func (c *Client) MarkRecordsStale(ctx context.Context, tenantID, documentID string) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE structured_records SET stale = 1, updated_at = ?
		WHERE tenant_id = ? AND document_id = ? AND stale = 0`,
		c.now().Unix(), tenantID, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to retire records: %w", err)
	}
	return res.RowsAffected()
}

// LookupRecords matches live records by name (exact or prefix), table name
// or a column the record fills in, optionally restricted to a hierarchy
// section, ordered root-to-leaf and then by source order.
func (c *Client) LookupRecords(ctx context.Context, tenantID string, q models.RecordLookup) ([]models.StructuredRecord, error) {
	var (
		where = []string{"tenant_id = ?", "stale = 0"}
		args  = []any{tenantID}
	)

	if p := strings.ToLower(strings.TrimSpace(q.PathPrefix)); p != "" {
		e := escapeLike(p)
		where = append(where, `(lower(path) LIKE ? ESCAPE '\' OR lower(path) LIKE ? ESCAPE '\'
			OR lower(path) LIKE ? ESCAPE '\' OR lower(path) LIKE ? ESCAPE '\')`)
		args = append(args, "%::"+e, "%::"+e+" > %", "% > "+e, "% > "+e+" > %")
	}

	var terms []string
	for _, t := range q.Terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	if len(terms) > 0 {
		var or []string
		for _, t := range terms {
			or = append(or, `lower(name) = ? OR lower(name) LIKE ? ESCAPE '\' OR lower(table_name) = ?
				OR EXISTS (SELECT 1 FROM json_each(fields) j
					WHERE lower(json_extract(j.value, '$.column')) = ? AND json_extract(j.value, '$.value') <> '')`)
			args = append(args, t, escapeLike(t)+"%", t, t)
		}
		where = append(where, "("+strings.Join(or, " OR ")+")")
	}

	if q.PathPrefix == "" && len(terms) == 0 {
		return nil, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM structured_records
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY level, document_id, position
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup records: %w", err)
	}
	return scanRecords(rows)
}

// CountRecords counts the tenant's live records.
func (c *Client) CountRecords(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM structured_records WHERE tenant_id = ? AND stale = 0`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Vocabulary lists the record names, table names and column names currently
// live for a tenant.
func (c *Client) Vocabulary(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name FROM structured_records WHERE tenant_id = ? AND stale = 0
		UNION
		SELECT table_name FROM structured_records WHERE tenant_id = ? AND stale = 0
		UNION
		SELECT json_extract(j.value, '$.column')
		FROM structured_records r, json_each(r.fields) j
		WHERE r.tenant_id = ? AND r.stale = 0
	`, tenantID, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load vocabulary: %w", err)
	}
	defer rows.Close()

	var terms []string
	for rows.Next() {
		var term sql.NullString
		if err := rows.Scan(&term); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if term.Valid && term.String != "" {
			terms = append(terms, term.String)
		}
	}
	return terms, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]models.StructuredRecord, error) {
	defer rows.Close()

	var records []models.StructuredRecord
	for rows.Next() {
		var (
			r                    models.StructuredRecord
			parentKey            sql.NullString
			fields               string
			stale                int
			createdAt, updatedAt int64
		)
		err := rows.Scan(
			&r.ID, &r.TenantID, &r.DocumentID, &r.TableName, &r.Level, &parentKey, &r.RecordKey, &r.Path,
			&r.Name, &fields, &r.Fingerprint, &r.Position, &stale, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields of %s: %w", r.RecordKey, err)
		}
		r.ParentKey = parentKey.String
		r.Stale = stale == 1
		r.CreatedAt = time.Unix(createdAt, 0)
		r.UpdatedAt = time.Unix(updatedAt, 0)
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
