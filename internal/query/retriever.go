package query

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/internal/metrics"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/internal/vector"
	"github.com/bank-rag/backend/pkg/logger"
	"github.com/bank-rag/backend/pkg/utils"
)

const (
	StoreStructured = "structured"
	StoreVector     = "vector"
)

// StructuredStore is the read side of the relational record store.
type StructuredStore interface {
	LookupRecords(ctx context.Context, tenantID string, q models.RecordLookup) ([]models.StructuredRecord, error)
	CountRecords(ctx context.Context, tenantID string) (int, error)
}

type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EvidenceItem is one retrieved fact handed to answer synthesis.
type EvidenceItem struct {
	Strategy   models.Strategy
	DocumentID string
	Text       string
	// Score is the vector similarity for semantic items; structured items
	// carry 1.
	Score  float64
	Record *models.StructuredRecord
	Chunk  *models.DocumentChunk
}

// EvidenceSet is ordered structured first. Errors lists the stores that could
// not contribute; none of them is fatal.
type EvidenceSet struct {
	Items  []EvidenceItem
	Errors []*apperr.RetrievalError
}

func (s *EvidenceSet) Empty() bool { return len(s.Items) == 0 }

func (s *EvidenceSet) Count(strategy models.Strategy) int {
	n := 0
	for _, it := range s.Items {
		if it.Strategy == strategy {
			n++
		}
	}
	return n
}

type Retriever struct {
	records  StructuredStore
	vectors  vector.Store
	embedder QueryEmbedder
	topK     int
	limit    int
}

func NewRetriever(records StructuredStore, vectors vector.Store, embedder QueryEmbedder, topK, structuredLimit int) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	if structuredLimit <= 0 {
		structuredLimit = 20
	}
	return &Retriever{records: records, vectors: vectors, embedder: embedder, topK: topK, limit: structuredLimit}
}

type storeResult struct {
	items []EvidenceItem
	err   *apperr.RetrievalError
}

// Retrieve runs the classified strategies for one tenant. A selected store
// that fails or returns nothing falls back to the other store. The returned
// error is a fatal *apperr.RetrievalError only when every attempted store
// was unavailable.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, question string, c QueryClassification) (*EvidenceSet, error) {
	if tenantID == "" {
		return nil, apperr.ErrMissingTenant
	}

	results := make(map[models.Strategy]storeResult, 2)
	var mu sync.Mutex

	run := func(strategies []models.Strategy) {
		g, gctx := errgroup.WithContext(ctx)
		for _, s := range strategies {
			s := s
			g.Go(func() error {
				res := r.runStrategy(gctx, tenantID, question, c, s)
				mu.Lock()
				results[s] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	run(c.Strategies)

	found := 0
	for _, res := range results {
		found += len(res.items)
	}
	if found == 0 {
		var fallback []models.Strategy
		for _, s := range []models.Strategy{models.StrategyStructured, models.StrategySemantic} {
			if _, tried := results[s]; !tried {
				fallback = append(fallback, s)
			}
		}
		if len(fallback) > 0 {
			logger.Debug("Falling back to other store",
				zap.String("tenant_id", tenantID),
				zap.String("strategy", string(fallback[0])),
			)
			run(fallback)
		}
	}

	set := &EvidenceSet{}
	seen := make(map[string]bool)
	unavailable := 0
	for _, s := range []models.Strategy{models.StrategyStructured, models.StrategySemantic} {
		res, ok := results[s]
		if !ok {
			continue
		}
		for _, it := range res.items {
			key := it.DocumentID + "\x00" + utils.Fingerprint(utils.NormalizeText(it.Text))
			if seen[key] {
				continue
			}
			seen[key] = true
			set.Items = append(set.Items, it)
		}
		if res.err != nil {
			set.Errors = append(set.Errors, res.err)
			if errors.Is(res.err, apperr.ErrStoreUnavailable) {
				unavailable++
			}
		}
	}

	metrics.EvidenceCount.WithLabelValues(string(models.StrategyStructured)).Observe(float64(set.Count(models.StrategyStructured)))
	metrics.EvidenceCount.WithLabelValues(string(models.StrategySemantic)).Observe(float64(set.Count(models.StrategySemantic)))

	if len(results) > 0 && unavailable == len(results) {
		for _, e := range set.Errors {
			e.Fatal = true
		}
		fatal := &apperr.RetrievalError{Store: "all", Err: apperr.ErrStoreUnavailable, Fatal: true}
		metrics.RetrievalErrors.WithLabelValues(fatal.Store, strconv.FormatBool(true)).Inc()
		return set, fatal
	}

	for _, e := range set.Errors {
		metrics.RetrievalErrors.WithLabelValues(e.Store, strconv.FormatBool(false)).Inc()
	}
	return set, nil
}

func (r *Retriever) runStrategy(ctx context.Context, tenantID, question string, c QueryClassification, s models.Strategy) storeResult {
	if s == models.StrategyStructured {
		return r.structured(ctx, tenantID, c)
	}
	return r.semantic(ctx, tenantID, question)
}

func (r *Retriever) structured(ctx context.Context, tenantID string, c QueryClassification) storeResult {
	if r.records == nil {
		return storeResult{err: &apperr.RetrievalError{Store: StoreStructured, Err: apperr.Unavailable(StoreStructured, errors.New("not configured"))}}
	}

	n, err := r.records.CountRecords(ctx, tenantID)
	if err != nil {
		return storeResult{err: &apperr.RetrievalError{Store: StoreStructured, Err: apperr.Unavailable(StoreStructured, err)}}
	}
	if n == 0 {
		return storeResult{err: &apperr.RetrievalError{Store: StoreStructured, Err: apperr.ErrEmptyStore}}
	}

	records, err := r.records.LookupRecords(ctx, tenantID, models.RecordLookup{
		Terms:      c.Terms,
		PathPrefix: c.HierarchyPath,
		Limit:      r.limit,
	})
	if err != nil {
		return storeResult{err: &apperr.RetrievalError{Store: StoreStructured, Err: apperr.Unavailable(StoreStructured, err)}}
	}

	items := make([]EvidenceItem, len(records))
	for i := range records {
		rec := records[i]
		items[i] = EvidenceItem{
			Strategy:   models.StrategyStructured,
			DocumentID: rec.DocumentID,
			Text:       rec.Text(),
			Score:      1,
			Record:     &rec,
		}
	}
	return storeResult{items: items}
}

func (r *Retriever) semantic(ctx context.Context, tenantID, question string) storeResult {
	if r.vectors == nil || r.embedder == nil {
		return storeResult{err: &apperr.RetrievalError{Store: StoreVector, Err: apperr.Unavailable(StoreVector, errors.New("not configured"))}}
	}

	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return storeResult{err: &apperr.RetrievalError{Store: StoreVector, Err: apperr.Unavailable("embedder", err)}}
	}

	hits, err := r.vectors.Search(ctx, tenantID, vec, r.topK)
	if err != nil {
		if !errors.Is(err, apperr.ErrStoreUnavailable) {
			err = apperr.Unavailable(StoreVector, err)
		}
		return storeResult{err: &apperr.RetrievalError{Store: StoreVector, Err: err}}
	}
	if len(hits) == 0 {
		return storeResult{err: &apperr.RetrievalError{Store: StoreVector, Err: apperr.ErrEmptyStore}}
	}

	items := make([]EvidenceItem, len(hits))
	for i := range hits {
		ch := hits[i].Chunk
		items[i] = EvidenceItem{
			Strategy:   models.StrategySemantic,
			DocumentID: ch.DocumentID,
			Text:       ch.Text,
			Score:      hits[i].Score,
			Chunk:      &ch,
		}
	}
	return storeResult{items: items}
}
