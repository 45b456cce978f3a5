package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/internal/ingestion"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/internal/storage/sqlite"
	"github.com/bank-rag/backend/internal/vector/memory"
	"github.com/bank-rag/backend/pkg/retry"
)

const dim = 4

const paymentsPage = `<html><body>
<h1>Payments API</h1>
<p>The payment endpoint debits the source account and credits the beneficiary.</p>
<table>
<caption>Payment request</caption>
<tr><th>Level</th><th>Field</th><th>Type</th><th>Max Length</th></tr>
<tr><td>0</td><td>payment</td><td>object</td><td></td></tr>
<tr><td>1</td><td>amount</td><td>decimal</td><td>18</td></tr>
<tr><td>1</td><td>currency</td><td>string</td><td>%s</td></tr>
<tr><td>1</td><td>beneficiary</td><td>object</td><td></td></tr>
<tr><td>2</td><td>iban</td><td>string</td><td>34</td></tr>
</table>
</body></html>`

func page(currencyLength string) []byte {
	return []byte(fmt.Sprintf(paymentsPage, currencyLength))
}

type harness struct {
	db      *sqlite.Client
	vectors *memory.Storage
	proc    *ingestion.Processor
	failing atomic.Bool

	// When gate is set, embedding signals entered and blocks until gate closes.
	gate    chan struct{}
	entered chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, vectors: memory.NewStorage(dim)}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		if h.failing.Load() {
			return nil, errors.New("embedding service unavailable")
		}
		if h.gate != nil {
			select {
			case h.entered <- struct{}{}:
			default:
			}
			<-h.gate
		}
		return []float32{float32(len(text)), float32(strings.Count(text, " ")), 1, 0.5}, nil
	}
	embedder := ingestion.NewEmbedder(embed, dim, retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond})

	h.proc = ingestion.NewProcessor(db, h.vectors, ingestion.NewChunker(), embedder, nil,
		ingestion.ProcessorConfig{MaxParallel: 2, RequireBankingTerms: true})
	return h
}

func source(data []byte) ingestion.Source {
	return ingestion.Source{TenantID: "t1", DocumentID: "payments", Name: "payments.html", Kind: models.KindDocument, Data: data}
}

func TestIngest(t *testing.T) {
	ctx := context.Background()

	t.Run("First ingestion stores records and chunks", func(t *testing.T) {
		h := newHarness(t)

		report, err := h.proc.Ingest(ctx, source(page("3")))
		require.NoError(t, err)

		assert.Equal(t, models.StatusReady, report.Status)
		assert.Equal(t, 1, report.Tables)
		assert.Equal(t, 5, report.RecordInserts)
		assert.Equal(t, 1, report.ChunkInserts)
		assert.Empty(t, report.Errors)

		records, err := h.db.ListRecords(ctx, "t1", "payments")
		require.NoError(t, err)
		require.Len(t, records, 5)
		assert.Equal(t, "Payment request::payment > beneficiary > iban", records[4].Path)
		assert.Equal(t, records[3].RecordKey, records[4].ParentKey)

		doc, err := h.db.GetDocument(ctx, "t1", "payments")
		require.NoError(t, err)
		assert.Equal(t, 5, doc.RecordCount)
		assert.Equal(t, 1, doc.ChunkCount)
		assert.Equal(t, 1, h.vectors.Len("t1"))
	})

	t.Run("Re-ingesting identical bytes writes nothing", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.proc.Ingest(ctx, source(page("3")))
		require.NoError(t, err)

		report, err := h.proc.Ingest(ctx, source(page("3")))
		require.NoError(t, err)
		assert.True(t, report.Unchanged)
		assert.Zero(t, report.Writes())
	})

	t.Run("Re-ingesting equivalent content writes nothing", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.proc.Ingest(ctx, source(page("3")))
		require.NoError(t, err)

		reformatted := strings.ReplaceAll(string(page("3")), "<tr>", "\n  <tr>")
		report, err := h.proc.Ingest(ctx, source([]byte(reformatted)))
		require.NoError(t, err)
		assert.False(t, report.Unchanged)
		assert.Zero(t, report.Writes())
		assert.Equal(t, 5, report.RecordsUnchanged)
		assert.Equal(t, 1, report.ChunksUnchanged)
	})

	t.Run("A single changed field updates exactly one record", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.proc.Ingest(ctx, source(page("3")))
		require.NoError(t, err)
		before, err := h.db.ListRecords(ctx, "t1", "payments")
		require.NoError(t, err)

		report, err := h.proc.Ingest(ctx, source(page("4")))
		require.NoError(t, err)
		assert.Equal(t, 1, report.RecordUpdates)
		assert.Equal(t, 1, report.Writes())
		assert.Equal(t, 4, report.RecordsUnchanged)

		after, err := h.db.ListRecords(ctx, "t1", "payments")
		require.NoError(t, err)
		require.Len(t, after, 5)
		assert.Equal(t, before[2].ID, after[2].ID)
		v, _ := after[2].Value("Max Length")
		assert.Equal(t, "4", v)
	})

	t.Run("Concurrent ingestion of one document stores it once", func(t *testing.T) {
		h := newHarness(t)

		var wg sync.WaitGroup
		errs := make([]error, 6)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = h.proc.Ingest(ctx, source(page("3")))
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		records, err := h.db.ListRecords(ctx, "t1", "payments")
		require.NoError(t, err)
		assert.Len(t, records, 5)
		chunks, err := h.db.ListChunks(ctx, "t1", "payments")
		require.NoError(t, err)
		assert.Len(t, chunks, 1)
		assert.Zero(t, h.proc.HeldLocks(), "document locks are released")
	})

	t.Run("A cancelled caller does not fail a shared run", func(t *testing.T) {
		h := newHarness(t)
		h.entered = make(chan struct{}, 1)
		h.gate = make(chan struct{})

		first, cancel := context.WithCancel(ctx)
		firstErr := make(chan error, 1)
		go func() {
			_, err := h.proc.Ingest(first, source(page("3")))
			firstErr <- err
		}()
		<-h.entered

		var report *ingestion.Report
		secondErr := make(chan error, 1)
		go func() {
			r, err := h.proc.Ingest(ctx, source(page("3")))
			report = r
			secondErr <- err
		}()
		time.Sleep(50 * time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-firstErr, context.Canceled)
		close(h.gate)

		require.NoError(t, <-secondErr)
		assert.Equal(t, models.StatusReady, report.Status)

		records, err := h.db.ListRecords(ctx, "t1", "payments")
		require.NoError(t, err)
		assert.Len(t, records, 5)
		assert.Equal(t, 1, h.vectors.Len("t1"))
	})

	t.Run("Non banking content is rejected", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.proc.Ingest(ctx, ingestion.Source{TenantID: "t1", Name: "recipes.txt",
			Data: []byte("Whisk the eggs.\n\nFold in the flour.")})
		assert.ErrorIs(t, err, apperr.ErrNotBankingDocument)
	})

	t.Run("Missing tenant is rejected", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.proc.Ingest(ctx, ingestion.Source{Name: "x.txt", Data: []byte("bank")})
		assert.ErrorIs(t, err, apperr.ErrMissingTenant)
	})

	t.Run("Tables without a level column fall back to prose", func(t *testing.T) {
		h := newHarness(t)
		flat := `<html><body><table>
<tr><th>Code</th><th>Meaning</th></tr>
<tr><td>AC01</td><td>Incorrect account number</td></tr>
<tr><td>AM04</td><td>Insufficient funds</td></tr>
</table></body></html>`

		report, err := h.proc.Ingest(ctx, ingestion.Source{TenantID: "t1", Name: "reason-codes.html", Data: []byte(flat)})
		require.NoError(t, err)
		assert.Equal(t, 1, report.FallbackTables)
		assert.Zero(t, report.RecordInserts)
		require.Equal(t, 1, report.ChunkInserts)

		var herr *apperr.HierarchyError
		require.Len(t, report.Errors, 1)
		assert.ErrorAs(t, report.Errors[0], &herr)

		chunks, err := h.db.ListChunks(ctx, "t1", "reason-codes")
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Contains(t, chunks[0].Text, "Code: AM04; Meaning: Insufficient funds")
	})
}

func TestPendingEmbeddings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.failing.Store(true)
	report, err := h.proc.Ingest(ctx, source(page("3")))
	require.NoError(t, err, "embedding failures never fail the document")
	assert.Equal(t, 1, report.PendingChunks)
	assert.Len(t, report.Errors, 1)
	assert.Equal(t, 5, report.RecordInserts, "structured commit is not blocked")
	assert.Zero(t, h.vectors.Len("t1"))

	h.failing.Store(false)
	retried, err := h.proc.RetryPending(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Embedded)
	assert.Zero(t, retried.StillPending)
	assert.Equal(t, 1, h.vectors.Len("t1"))

	doc, err := h.db.GetDocument(ctx, "t1", "payments")
	require.NoError(t, err)
	assert.Zero(t, doc.PendingChunks)
}

func TestRemoveDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.proc.Ingest(ctx, source(page("3")))
	require.NoError(t, err)
	require.NoError(t, h.proc.RemoveDocument(ctx, "t1", "payments"))

	n, err := h.db.CountRecords(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.vectors.Len("t1"))

	doc, err := h.db.GetDocument(ctx, "t1", "payments")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRemoved, doc.Status)

	t.Run("Uploading the same bytes again restores it", func(t *testing.T) {
		report, err := h.proc.Ingest(ctx, source(page("3")))
		require.NoError(t, err)
		assert.False(t, report.Unchanged)
		assert.Equal(t, 5, report.RecordUpdates)
		assert.Equal(t, 1, report.ChunkInserts)
		assert.Equal(t, 1, h.vectors.Len("t1"))
	})

	t.Run("Unknown documents are reported", func(t *testing.T) {
		err := h.proc.RemoveDocument(ctx, "t1", "missing")
		assert.ErrorIs(t, err, apperr.ErrDocumentNotFound)
	})
}

const sharedNotice = "Card payments above the daily limit are declined by the bank."

func notice(doc, text string) ingestion.Source {
	return ingestion.Source{TenantID: "t1", DocumentID: doc, Name: doc + ".txt", Data: []byte(text)}
}

func TestSharedPassages(t *testing.T) {
	ctx := context.Background()
	anyVector := []float32{1, 1, 1, 0.5}

	t.Run("Removing one document keeps the passage for the other", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.proc.Ingest(ctx, notice("a", sharedNotice))
		require.NoError(t, err)
		report, err := h.proc.Ingest(ctx, notice("b", sharedNotice))
		require.NoError(t, err)
		assert.Zero(t, report.ChunkInserts)
		assert.Equal(t, 1, report.ChunksShared)
		assert.Equal(t, 1, h.vectors.Len("t1"), "the passage is stored once")

		require.NoError(t, h.proc.RemoveDocument(ctx, "t1", "a"))

		chunks, err := h.db.ListChunks(ctx, "t1", "b")
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.False(t, chunks[0].Deleted)

		hits, err := h.vectors.Search(ctx, "t1", anyVector, 5)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "b", hits[0].Chunk.DocumentID, "ownership moves to the remaining document")

		again, err := h.proc.Ingest(ctx, notice("b", sharedNotice))
		require.NoError(t, err)
		assert.True(t, again.Unchanged)
		assert.Zero(t, again.Writes())

		require.NoError(t, h.proc.RemoveDocument(ctx, "t1", "b"))
		assert.Zero(t, h.vectors.Len("t1"), "the last reference deletes the passage")
	})

	t.Run("Editing one document keeps the passage for the other", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.proc.Ingest(ctx, notice("a", sharedNotice))
		require.NoError(t, err)
		_, err = h.proc.Ingest(ctx, notice("b", sharedNotice))
		require.NoError(t, err)

		report, err := h.proc.Ingest(ctx, notice("a", "Wire transfers settle on the same business day."))
		require.NoError(t, err)
		assert.Equal(t, 1, report.ChunkInserts)
		assert.Equal(t, 1, report.ChunksReleased)
		assert.Zero(t, report.ChunksDeleted)
		assert.Equal(t, 2, h.vectors.Len("t1"))

		doc, err := h.db.GetDocument(ctx, "t1", "b")
		require.NoError(t, err)
		_, live, _, err := h.db.DocumentCounts(ctx, "t1", "b")
		require.NoError(t, err)
		assert.Equal(t, doc.ChunkCount, live)
	})

	t.Run("A re-upload restores a passage whose references were lost", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.proc.Ingest(ctx, notice("b", sharedNotice))
		require.NoError(t, err)
		_, err = h.db.ReleaseDocumentChunks(ctx, "t1", "b")
		require.NoError(t, err)

		report, err := h.proc.Ingest(ctx, notice("b", sharedNotice))
		require.NoError(t, err)
		assert.False(t, report.Unchanged, "counts no longer match the registry")
		assert.Equal(t, 1, report.ChunkInserts)

		chunks, err := h.db.ListChunks(ctx, "t1", "b")
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.False(t, chunks[0].Deleted)
	})
}

func TestIngestBatch(t *testing.T) {
	h := newHarness(t)

	results := h.proc.IngestBatch(context.Background(), []ingestion.Source{
		source(page("3")),
		{TenantID: "t1", Name: "notes.txt", Data: []byte("Loan balances are reported monthly.")},
		{TenantID: "t1", Name: "legacy.xls", Data: []byte("x")},
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, "notes", results[1].Report.DocumentID)
	assert.ErrorIs(t, results[2].Err, apperr.ErrUnsupportedKind)
}
