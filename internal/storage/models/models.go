package models

import (
	"strings"
	"time"
)

type DocumentKind string

const (
	KindSpreadsheet DocumentKind = "spreadsheet"
	KindDocument    DocumentKind = "document"
)

type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
	StatusRemoved    DocumentStatus = "removed"
)

// Document is the per-tenant ingestion registry entry.
type Document struct {
	TenantID       string
	DocumentID     string
	Name           string
	Kind           DocumentKind
	RawFingerprint string
	Status         DocumentStatus
	RecordCount    int
	ChunkCount     int
	PendingChunks  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Field is one column of a structured record, kept in source column order.
type Field struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// StructuredRecord is one row of a hierarchical table.
type StructuredRecord struct {
	ID         string
	TenantID   string
	DocumentID string
	TableName  string
	Level      int
	// ParentKey is the RecordKey of the parent; empty only for level 0.
	ParentKey string
	RecordKey string
	Path      string
	Name      string
	Fields    []Field
	// Fingerprint covers normalized field values, level and parent key.
	Fingerprint string
	Position    int
	Stale       bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r *StructuredRecord) Value(column string) (string, bool) {
	for _, f := range r.Fields {
		if strings.EqualFold(f.Column, column) {
			return f.Value, true
		}
	}
	return "", false
}

// Text renders the record for answer synthesis and prose fallback.
func (r *StructuredRecord) Text() string {
	var b strings.Builder
	if r.Path != "" {
		b.WriteString(r.Path)
	} else {
		b.WriteString(r.Name)
	}
	for _, f := range r.Fields {
		if f.Value == "" {
			continue
		}
		b.WriteString("; ")
		b.WriteString(f.Column)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}

// DocumentChunk is a prose passage. One row is stored per tenant and
// fingerprint; DocumentID names the owning document, and every document that
// produces the passage holds a reference to it. Chunks are immutable once
// stored except for the Deleted flag, the owner and embedding backfill.
type DocumentChunk struct {
	ID               string
	TenantID         string
	DocumentID       string
	Position         int
	Text             string
	Fingerprint      string
	Embedding        []float32
	PendingEmbedding bool
	Deleted          bool
	CreatedAt        time.Time
}

// ScoredChunk is a nearest-neighbour hit; higher Score is closer.
type ScoredChunk struct {
	Chunk DocumentChunk
	Score float64
}

type Strategy string

const (
	StrategyStructured Strategy = "structured"
	StrategySemantic   Strategy = "semantic"
)

type QueryRecord struct {
	ID             string
	TenantID       string
	QueryText      string
	Strategies     []Strategy
	Response       string
	EvidenceCount  int
	StructuredHits int
	SemanticHits   int
	LatencyMS      int
	CreatedAt      time.Time
}

// RecordWrites is the structured half of a deduplicated write-set.
type RecordWrites struct {
	Inserts []StructuredRecord
	Updates []StructuredRecord
	Stale   []StructuredRecord
}

func (w RecordWrites) Empty() bool {
	return len(w.Inserts)+len(w.Updates)+len(w.Stale) == 0
}

// ChunkWrites is the prose half of a deduplicated write-set, from the
// point of view of the document named by each chunk's DocumentID. Inserts
// store new rows or revive soft-deleted ones, Refs link the document to rows
// another document already stored, and Released drops the document's
// reference to passages it no longer produces.
type ChunkWrites struct {
	Inserts  []DocumentChunk
	Refs     []DocumentChunk
	Released []DocumentChunk
}

func (w ChunkWrites) Empty() bool {
	return len(w.Inserts)+len(w.Refs)+len(w.Released) == 0
}

// ChunkCommit reports what a chunk commit did to rows shared between
// documents. Deleted lists chunks no document references any more; Resync
// lists chunks whose owner changed or that were revived, so their vector
// entries must be rewritten.
type ChunkCommit struct {
	Deleted []string
	Resync  []DocumentChunk
}

// RecordLookup is a structured store query. Terms match record names, table
// names and column names exactly or by prefix; PathPrefix restricts matches to
// a hierarchy section.
type RecordLookup struct {
	Terms      []string
	PathPrefix string
	Limit      int
}
