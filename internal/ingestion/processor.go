package ingestion

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/internal/extract"
	"github.com/bank-rag/backend/internal/metrics"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/internal/vector"
	"github.com/bank-rag/backend/pkg/logger"
	"github.com/bank-rag/backend/pkg/utils"
)

// DefaultBankingTerms gate uploads that do not look like banking material.
var DefaultBankingTerms = []string{
	"account", "transaction", "balance", "loan", "credit", "debit", "payment", "transfer", "bank",
}

// Store is the relational side of ingestion.
type Store interface {
	GetDocument(ctx context.Context, tenantID, documentID string) (*models.Document, error)
	SaveDocument(ctx context.Context, doc *models.Document) error
	DocumentCounts(ctx context.Context, tenantID, documentID string) (records, chunks, pending int, err error)

	ListRecords(ctx context.Context, tenantID, documentID string) ([]models.StructuredRecord, error)
	ApplyRecordWrites(ctx context.Context, w models.RecordWrites) error
	MarkRecordsStale(ctx context.Context, tenantID, documentID string) (int64, error)

	ListChunks(ctx context.Context, tenantID, documentID string) ([]models.DocumentChunk, error)
	ChunksByFingerprint(ctx context.Context, tenantID string, fingerprints []string) (map[string]models.DocumentChunk, error)
	ApplyChunkWrites(ctx context.Context, w models.ChunkWrites) (*models.ChunkCommit, error)
	ReleaseDocumentChunks(ctx context.Context, tenantID, documentID string) (*models.ChunkCommit, error)
	PendingChunks(ctx context.Context, tenantID string, limit int) ([]models.DocumentChunk, error)
	MarkEmbedded(ctx context.Context, chunks []models.DocumentChunk) error
}

// Source is one raw file handed to the processor. An empty DocumentID is
// derived from Name.
type Source struct {
	TenantID   string
	DocumentID string
	Name       string
	Kind       models.DocumentKind
	Data       []byte
}

// Report summarises one ingestion. Errors holds table and chunk level
// failures that did not fail the document.
type Report struct {
	TenantID   string
	DocumentID string
	Status     models.DocumentStatus
	// Unchanged is set when the raw content matched the last ready ingestion
	// and nothing was parsed.
	Unchanged bool

	Tables         int
	FallbackTables int
	Clamped        int

	RecordInserts    int
	RecordUpdates    int
	RecordsStale     int
	RecordsUnchanged int

	ChunkInserts    int
	ChunksShared    int
	ChunksReleased  int
	ChunksDeleted   int
	ChunksUnchanged int
	PendingChunks   int

	Errors   []error
	Duration time.Duration
}

// Writes counts every storage mutation the ingestion performed.
func (r *Report) Writes() int {
	return r.RecordInserts + r.RecordUpdates + r.RecordsStale +
		r.ChunkInserts + r.ChunksShared + r.ChunksReleased
}

type ProcessorConfig struct {
	MaxParallel         int
	RequireBankingTerms bool
	BankingTerms        []string
}

type Processor struct {
	store    Store
	vectors  vector.Store
	chunker  *Chunker
	embedder *Embedder
	builder  *HierarchyBuilder
	cfg      ProcessorConfig

	group    singleflight.Group
	locksMu  sync.Mutex
	locks    map[string]*documentLock
	onChange func(ctx context.Context, tenantID string)
}

type documentLock struct {
	mu      sync.Mutex
	holders int
}

// OnChange registers fn to run after any write that alters what a tenant
// can retrieve.
func (p *Processor) OnChange(fn func(ctx context.Context, tenantID string)) {
	p.onChange = fn
}

func (p *Processor) changed(ctx context.Context, tenantID string) {
	if p.onChange != nil {
		p.onChange(ctx, tenantID)
	}
}

func NewProcessor(store Store, vectors vector.Store, chunker *Chunker, embedder *Embedder, builder *HierarchyBuilder, cfg ProcessorConfig) *Processor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if builder == nil {
		builder = NewHierarchyBuilder()
	}
	if chunker == nil {
		chunker = NewChunker()
	}
	terms := append([]string(nil), DefaultBankingTerms...)
	for _, t := range cfg.BankingTerms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	cfg.BankingTerms = terms

	return &Processor{
		store:    store,
		vectors:  vectors,
		chunker:  chunker,
		embedder: embedder,
		builder:  builder,
		cfg:      cfg,
		locks:    make(map[string]*documentLock),
	}
}

// Ingest parses, deduplicates and commits one source. Concurrent calls with
// the same tenant, document and content share one run; different content for
// the same document is serialized.
func (p *Processor) Ingest(ctx context.Context, src Source) (*Report, error) {
	if strings.TrimSpace(src.TenantID) == "" {
		return nil, apperr.ErrMissingTenant
	}
	if src.DocumentID == "" {
		src.DocumentID = documentIDFor(src.Name)
	}
	if src.Kind == "" {
		kind, err := extract.KindForName(src.Name)
		if err != nil {
			return nil, err
		}
		src.Kind = kind
	}

	rawFP := utils.HashBytes(src.Data)
	key := src.TenantID + "\x00" + src.DocumentID + "\x00" + rawFP

	// The shared run outlives any single caller; each caller stops waiting
	// on its own context.
	runCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan(key, func() (interface{}, error) {
		unlock := p.lock(src.TenantID + "\x00" + src.DocumentID)
		defer unlock()
		return p.ingest(runCtx, src, rawFP)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			logger.Debug("Ingestion shared with concurrent caller",
				zap.String("tenant_id", src.TenantID),
				zap.String("document_id", src.DocumentID),
			)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Report), nil
	}
}

// lock serializes work on one document. Entries are dropped once no caller
// holds or waits on them.
func (p *Processor) lock(key string) func() {
	p.locksMu.Lock()
	l := p.locks[key]
	if l == nil {
		l = &documentLock{}
		p.locks[key] = l
	}
	l.holders++
	p.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.locksMu.Lock()
		l.holders--
		if l.holders == 0 {
			delete(p.locks, key)
		}
		p.locksMu.Unlock()
	}
}

func (p *Processor) ingest(ctx context.Context, src Source, rawFP string) (*Report, error) {
	start := time.Now()
	report := &Report{TenantID: src.TenantID, DocumentID: src.DocumentID}

	log := logger.GetLogger().With(
		zap.String("tenant_id", src.TenantID),
		zap.String("document_id", src.DocumentID),
	)
	log.Info("Processing document", zap.String("name", src.Name), zap.String("kind", string(src.Kind)))

	prev, err := p.store.GetDocument(ctx, src.TenantID, src.DocumentID)
	if err != nil && !errors.Is(err, apperr.ErrDocumentNotFound) {
		return nil, err
	}
	if p.unchanged(ctx, prev, rawFP) {
		report.Unchanged = true
		report.Status = models.StatusReady
		report.RecordsUnchanged = prev.RecordCount
		report.ChunksUnchanged = prev.ChunkCount
		report.Duration = time.Since(start)
		metrics.DocumentsIngested.WithLabelValues(string(src.Kind), "unchanged").Inc()
		log.Info("Document unchanged, skipping")
		return report, nil
	}

	doc, err := extract.Read(ctx, src.Name, src.Kind, src.Data)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues(string(src.Kind), "rejected").Inc()
		return nil, err
	}
	if doc.Empty() {
		metrics.DocumentsIngested.WithLabelValues(string(src.Kind), "rejected").Inc()
		return nil, fmt.Errorf("%s: %w", src.Name, apperr.ErrNoContent)
	}
	if p.cfg.RequireBankingTerms && !p.looksLikeBanking(doc.Text()) {
		metrics.DocumentsIngested.WithLabelValues(string(src.Kind), "rejected").Inc()
		return nil, fmt.Errorf("%s: %w", src.Name, apperr.ErrNotBankingDocument)
	}

	record := &models.Document{
		TenantID:       src.TenantID,
		DocumentID:     src.DocumentID,
		Name:           src.Name,
		Kind:           src.Kind,
		RawFingerprint: rawFP,
		Status:         models.StatusProcessing,
	}
	if prev != nil {
		record.CreatedAt = prev.CreatedAt
	}
	if err := p.store.SaveDocument(ctx, record); err != nil {
		return nil, err
	}

	records, prose := p.parse(src, doc, report)
	if len(records) == 0 && len(strings.TrimSpace(strings.Join(prose, ""))) == 0 {
		p.fail(ctx, record, log)
		return nil, fmt.Errorf("%s: %w", src.Name, apperr.ErrNoContent)
	}

	// The prose half may wait on embedding retries; the structured commit
	// does not depend on it.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.commitRecords(gctx, src, records, report)
	})
	var chunkErrs []error
	g.Go(func() error {
		var err error
		chunkErrs, err = p.commitChunks(gctx, src, prose, report)
		return err
	})
	if err := g.Wait(); err != nil {
		p.fail(ctx, record, log)
		return nil, err
	}
	report.Errors = append(report.Errors, chunkErrs...)

	if err := p.refreshDocument(ctx, record, models.StatusReady); err != nil {
		return nil, err
	}
	report.Status = record.Status
	report.PendingChunks = record.PendingChunks
	report.Duration = time.Since(start)

	metrics.DocumentsIngested.WithLabelValues(string(src.Kind), string(record.Status)).Inc()
	metrics.IngestionDuration.WithLabelValues(string(src.Kind)).Observe(report.Duration.Seconds())
	if report.Writes() > 0 {
		p.changed(ctx, src.TenantID)
	}

	log.Info("Document processed",
		zap.Int("tables", report.Tables),
		zap.Int("fallback_tables", report.FallbackTables),
		zap.Int("record_inserts", report.RecordInserts),
		zap.Int("record_updates", report.RecordUpdates),
		zap.Int("records_stale", report.RecordsStale),
		zap.Int("chunk_inserts", report.ChunkInserts),
		zap.Int("chunks_shared", report.ChunksShared),
		zap.Int("chunks_deleted", report.ChunksDeleted),
		zap.Int("pending_chunks", report.PendingChunks),
		zap.Int("local_errors", len(report.Errors)),
		zap.Duration("duration", report.Duration),
	)

	return report, nil
}

// parse turns the extracted document into record candidates and prose
// paragraphs. Tables without a level signal become prose.
// unchanged reports whether prev already holds rawFP in full: ready, nothing
// pending and every record and chunk it counted still live.
func (p *Processor) unchanged(ctx context.Context, prev *models.Document, rawFP string) bool {
	if prev == nil || prev.RawFingerprint != rawFP || prev.Status != models.StatusReady || prev.PendingChunks != 0 {
		return false
	}
	records, chunks, pending, err := p.store.DocumentCounts(ctx, prev.TenantID, prev.DocumentID)
	if err != nil {
		return false
	}
	return records == prev.RecordCount && chunks == prev.ChunkCount && pending == 0
}

func (p *Processor) parse(src Source, doc *extract.Document, report *Report) ([]models.StructuredRecord, []string) {
	var tables []*extract.Table
	for _, region := range doc.Regions {
		t, err := extract.ExtractTable(region)
		if err != nil {
			report.Errors = append(report.Errors, &apperr.ExtractionError{Source: region.Source, Err: err})
			continue
		}
		tables = append(tables, t)
	}
	tables = MergeContinuations(tables)
	report.Tables = len(tables)

	var (
		records []models.StructuredRecord
		prose   []string
		ids     = make(map[string]bool)
	)
	for _, t := range tables {
		tree, err := p.builder.Build(src.TenantID, src.DocumentID, t)
		if err == nil {
			err = tree.Validate()
		}
		if err != nil {
			report.Errors = append(report.Errors, err)
			report.FallbackTables++
			metrics.TableFallbacks.Inc()
			if text := FlattenTable(t); text != "" {
				prose = append(prose, text)
			}
			continue
		}
		report.Clamped += tree.Clamped

		// Positions run across all tables of the document.
		offset := len(records)
		for _, r := range tree.Records() {
			r.Position += offset
			if ids[r.ID] {
				r.ID = RecordID(r.TenantID, r.DocumentID, r.RecordKey+"@"+strconv.Itoa(r.Position))
			}
			ids[r.ID] = true
			records = append(records, r)
		}
	}

	prose = append(prose, doc.Prose...)
	return records, prose
}

func (p *Processor) commitRecords(ctx context.Context, src Source, candidates []models.StructuredRecord, report *Report) error {
	existing, err := p.store.ListRecords(ctx, src.TenantID, src.DocumentID)
	if err != nil {
		return err
	}

	diff := DiffRecords(candidates, existing)
	if err := p.store.ApplyRecordWrites(ctx, diff.Writes); err != nil {
		return err
	}

	report.RecordInserts = len(diff.Writes.Inserts)
	report.RecordUpdates = len(diff.Writes.Updates)
	report.RecordsStale = len(diff.Writes.Stale)
	report.RecordsUnchanged = len(diff.Unchanged)

	metrics.RecordWrites.WithLabelValues("insert").Add(float64(report.RecordInserts))
	metrics.RecordWrites.WithLabelValues("update").Add(float64(report.RecordUpdates))
	metrics.RecordWrites.WithLabelValues("stale").Add(float64(report.RecordsStale))
	return nil
}

// commitChunks chunks, deduplicates, embeds and stores prose. Embedding and
// vector store failures leave chunks pending and are returned as local
// errors; only relational failures fail the document.
func (p *Processor) commitChunks(ctx context.Context, src Source, prose []string, report *Report) ([]error, error) {
	var candidates []models.DocumentChunk
	for _, text := range p.chunker.Chunk(strings.Join(prose, "\n\n")) {
		fp := ChunkFingerprint(text)
		candidates = append(candidates, models.DocumentChunk{
			ID:          ChunkID(src.TenantID, fp),
			TenantID:    src.TenantID,
			DocumentID:  src.DocumentID,
			Position:    len(candidates),
			Text:        text,
			Fingerprint: fp,
		})
	}

	fingerprints := make([]string, len(candidates))
	for i, c := range candidates {
		fingerprints[i] = c.Fingerprint
	}
	tenantExisting, err := p.store.ChunksByFingerprint(ctx, src.TenantID, fingerprints)
	if err != nil {
		return nil, err
	}
	documentExisting, err := p.store.ListChunks(ctx, src.TenantID, src.DocumentID)
	if err != nil {
		return nil, err
	}

	diff := DiffChunks(candidates, tenantExisting, documentExisting)
	inserts := diff.Writes.Inserts

	var (
		errs    []error
		toEmbed []int
	)
	for i := range inserts {
		if len(inserts[i].Embedding) == 0 {
			toEmbed = append(toEmbed, i)
		}
	}
	if len(toEmbed) > 0 {
		if p.embedder == nil {
			for _, i := range toEmbed {
				inserts[i].PendingEmbedding = true
			}
		} else {
			batch := make([]models.DocumentChunk, len(toEmbed))
			for j, i := range toEmbed {
				batch[j] = inserts[i]
			}
			errs = append(errs, p.embedder.EmbedChunks(ctx, batch)...)
			for j, i := range toEmbed {
				inserts[i] = batch[j]
			}
		}
	}

	if ready := vector.Embedded(inserts); len(ready) > 0 && p.vectors != nil {
		if err := p.vectors.Upsert(ctx, ready); err != nil {
			logger.Warn("Vector upsert failed, chunks left pending",
				zap.String("document_id", src.DocumentID),
				zap.Int("chunks", len(ready)),
				zap.Error(err),
			)
			errs = append(errs, err)
			for i := range inserts {
				if len(inserts[i].Embedding) > 0 {
					inserts[i].PendingEmbedding = true
				}
			}
		}
	}

	commit, err := p.store.ApplyChunkWrites(ctx, diff.Writes)
	if err != nil {
		return nil, err
	}
	errs = append(errs, p.syncVectors(ctx, src.TenantID, commit)...)

	report.ChunkInserts = len(inserts)
	report.ChunksShared = len(diff.Writes.Refs)
	report.ChunksReleased = len(diff.Writes.Released)
	report.ChunksDeleted = len(commit.Deleted)
	report.ChunksUnchanged = len(diff.Unchanged)

	metrics.ChunkWrites.WithLabelValues("insert").Add(float64(report.ChunkInserts))
	metrics.ChunkWrites.WithLabelValues("delete").Add(float64(report.ChunksDeleted))
	return errs, nil
}

// syncVectors mirrors a chunk commit into the vector store: orphaned chunks
// are dropped and chunks that changed owner or were revived are rewritten.
func (p *Processor) syncVectors(ctx context.Context, tenantID string, commit *models.ChunkCommit) []error {
	if p.vectors == nil || commit == nil {
		return nil
	}
	var errs []error
	if ready := vector.Embedded(commit.Resync); len(ready) > 0 {
		if err := p.vectors.Upsert(ctx, ready); err != nil {
			logger.Warn("Vector resync failed", zap.String("tenant_id", tenantID), zap.Int("chunks", len(ready)), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(commit.Deleted) > 0 {
		if err := p.vectors.Delete(ctx, tenantID, commit.Deleted); err != nil {
			logger.Warn("Vector delete failed", zap.String("tenant_id", tenantID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errs
}

func (p *Processor) fail(ctx context.Context, doc *models.Document, log *zap.Logger) {
	doc.Status = models.StatusFailed
	if err := p.store.SaveDocument(ctx, doc); err != nil {
		log.Error("Failed to record document failure", zap.Error(err))
	}
	metrics.DocumentsIngested.WithLabelValues(string(doc.Kind), string(models.StatusFailed)).Inc()
}

func (p *Processor) refreshDocument(ctx context.Context, doc *models.Document, status models.DocumentStatus) error {
	records, chunks, pending, err := p.store.DocumentCounts(ctx, doc.TenantID, doc.DocumentID)
	if err != nil {
		return err
	}
	doc.Status = status
	doc.RecordCount = records
	doc.ChunkCount = chunks
	doc.PendingChunks = pending
	return p.store.SaveDocument(ctx, doc)
}

func (p *Processor) looksLikeBanking(text string) bool {
	text = strings.ToLower(text)
	for _, term := range p.cfg.BankingTerms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// BatchResult pairs a source with its outcome.
type BatchResult struct {
	Name   string
	Report *Report
	Err    error
}

// IngestBatch runs independent documents in parallel, bounded by
// MaxParallel. One failing document does not stop the others.
func (p *Processor) IngestBatch(ctx context.Context, sources []Source) []BatchResult {
	results := make([]BatchResult, len(sources))

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.MaxParallel)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			report, err := p.Ingest(ctx, src)
			results[i] = BatchResult{Name: src.Name, Report: report, Err: err}
			if err != nil {
				logger.Warn("Document ingestion failed", zap.String("name", src.Name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// RemoveDocument retires a document: records go stale and its chunk
// references are released. Chunks no other document references are soft
// deleted and dropped from the vector store.
func (p *Processor) RemoveDocument(ctx context.Context, tenantID, documentID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return apperr.ErrMissingTenant
	}

	unlock := p.lock(tenantID + "\x00" + documentID)
	defer unlock()

	doc, err := p.store.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return err
	}

	stale, err := p.store.MarkRecordsStale(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	commit, err := p.store.ReleaseDocumentChunks(ctx, tenantID, documentID)
	if err != nil {
		return err
	}

	// A later upload of the same bytes must not be skipped as unchanged.
	doc.RawFingerprint = ""
	if err := p.refreshDocument(ctx, doc, models.StatusRemoved); err != nil {
		return err
	}

	metrics.RecordWrites.WithLabelValues("stale").Add(float64(stale))
	metrics.ChunkWrites.WithLabelValues("delete").Add(float64(len(commit.Deleted)))
	p.changed(ctx, tenantID)

	logger.Info("Document removed",
		zap.String("tenant_id", tenantID),
		zap.String("document_id", documentID),
		zap.Int64("records", stale),
		zap.Int("chunks_deleted", len(commit.Deleted)),
		zap.Int("chunks_kept_shared", len(commit.Resync)),
	)

	if errs := p.syncVectors(ctx, tenantID, commit); len(errs) > 0 {
		return fmt.Errorf("failed to sync vectors of %s: %w", documentID, errors.Join(errs...))
	}
	return nil
}

// PendingReport summarises a RetryPending run.
type PendingReport struct {
	Attempted    int
	Embedded     int
	StillPending int
}

// RetryPending re-embeds the tenant's pending chunks and pushes the ones that
// succeed to the vector store.
func (p *Processor) RetryPending(ctx context.Context, tenantID string) (*PendingReport, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, apperr.ErrMissingTenant
	}
	if p.embedder == nil {
		return nil, errors.New("no embedder configured")
	}

	chunks, err := p.store.PendingChunks(ctx, tenantID, 0)
	if err != nil {
		return nil, err
	}
	report := &PendingReport{Attempted: len(chunks)}
	if len(chunks) == 0 {
		return report, nil
	}

	// Chunks left pending by a vector store failure already carry a vector.
	var missing []int
	for i := range chunks {
		if len(chunks[i].Embedding) == 0 {
			missing = append(missing, i)
		} else {
			chunks[i].PendingEmbedding = false
		}
	}
	if len(missing) > 0 {
		batch := make([]models.DocumentChunk, len(missing))
		for j, i := range missing {
			batch[j] = chunks[i]
		}
		p.embedder.EmbedChunks(ctx, batch)
		for j, i := range missing {
			chunks[i] = batch[j]
		}
	}

	ready := vector.Embedded(chunks)
	if len(ready) > 0 && p.vectors != nil {
		if err := p.vectors.Upsert(ctx, ready); err != nil {
			return nil, fmt.Errorf("failed to upsert backfilled chunks: %w", err)
		}
	}
	if err := p.store.MarkEmbedded(ctx, ready); err != nil {
		return nil, err
	}
	report.Embedded = len(ready)
	report.StillPending = report.Attempted - report.Embedded
	if report.Embedded > 0 {
		p.changed(ctx, tenantID)
	}

	touched := make(map[string]bool)
	for _, c := range ready {
		if touched[c.DocumentID] {
			continue
		}
		touched[c.DocumentID] = true
		doc, err := p.store.GetDocument(ctx, tenantID, c.DocumentID)
		if err != nil {
			logger.Warn("Pending chunk without document", zap.String("document_id", c.DocumentID), zap.Error(err))
			continue
		}
		if err := p.refreshDocument(ctx, doc, doc.Status); err != nil {
			return nil, err
		}
	}

	logger.Info("Pending chunks retried",
		zap.String("tenant_id", tenantID),
		zap.Int("attempted", report.Attempted),
		zap.Int("embedded", report.Embedded),
		zap.Int("still_pending", report.StillPending),
	)
	return report, nil
}

// documentIDFor derives a stable id from a file name so re-uploads of the
// same file update the same document.
func documentIDFor(name string) string {
	base := strings.ToLower(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "-"):
			b.WriteByte('-')
		}
	}
	id := strings.Trim(b.String(), "-")
	if id == "" {
		return uuid.NewString()
	}
	return id
}
