package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/bank-rag/backend/pkg/logger"
)

// Client is the relational store for documents, structured records, chunks
// and query history. Every query is scoped by tenant id.
type Client struct {
	db  *sql.DB
	now func() time.Time
}

func NewClient(dbPath string) (*Client, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	dsn := dbPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dbPath
	}
	dsn += "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; concurrent pipelines queue on the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		tenant_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		raw_fingerprint TEXT NOT NULL,
		status TEXT NOT NULL,
		record_count INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		pending_chunks INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, document_id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_fingerprint ON documents(tenant_id, raw_fingerprint);

	CREATE TABLE IF NOT EXISTS structured_records (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		level INTEGER NOT NULL,
		parent_key TEXT,
		record_key TEXT NOT NULL,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		fields TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		position INTEGER NOT NULL,
		stale INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_document ON structured_records(tenant_id, document_id);
	CREATE INDEX IF NOT EXISTS idx_records_name ON structured_records(tenant_id, name COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_records_fingerprint ON structured_records(tenant_id, fingerprint);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		text TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		embedding BLOB,
		pending_embedding INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (tenant_id, fingerprint)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(tenant_id, document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_pending ON document_chunks(tenant_id, pending_embedding);

	CREATE TABLE IF NOT EXISTS chunk_refs (
		tenant_id TEXT NOT NULL,
		chunk_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, chunk_id, document_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chunk_refs_document ON chunk_refs(tenant_id, document_id);
	INSERT OR IGNORE INTO chunk_refs (tenant_id, chunk_id, document_id, position)
		SELECT tenant_id, id, document_id, position FROM document_chunks WHERE deleted = 0;

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		strategies TEXT NOT NULL,
		response TEXT,
		evidence_count INTEGER NOT NULL DEFAULT 0,
		structured_hits INTEGER NOT NULL DEFAULT 0,
		semantic_hits INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_tenant ON query_history(tenant_id, created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
