package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/internal/metrics"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/logger"
)

// NoInformationAnswer is returned whenever no evidence was found.
const NoInformationAnswer = "The requested information is not present in the uploaded documents."

// Synthesizer phrases an answer from ordered evidence.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, evidence []EvidenceItem) (string, error)
}

type VocabularySource interface {
	Vocabulary(ctx context.Context, tenantID string) ([]string, error)
}

type HistoryStore interface {
	InsertQueryRecord(ctx context.Context, record *models.QueryRecord) error
	GetQueryHistory(ctx context.Context, tenantID string, limit int) ([]models.QueryRecord, error)
}

// ResponseCache stores finished answers per tenant. Entries must be dropped
// whenever the tenant's documents change.
type ResponseCache interface {
	GetQuery(ctx context.Context, tenantID, question string, response interface{}) (bool, error)
	SetQuery(ctx context.Context, tenantID, question string, response interface{}) error
}

type Engine struct {
	classifier  *Classifier
	retriever   *Retriever
	vocabulary  VocabularySource
	history     HistoryStore
	synthesizer Synthesizer
	cache       ResponseCache
}

type QueryRequest struct {
	TenantID string
	Question string
}

type QueryResponse struct {
	ID         string
	Question   string
	Answer     string
	Strategy   string
	Evidence   []EvidenceItem
	Warnings   []string
	Degraded   bool
	LatencyMS  int
	Classified QueryClassification
}

// NewEngine wires the query path. synthesizer may be nil, in which case the
// evidence itself is returned as the answer.
func NewEngine(classifier *Classifier, retriever *Retriever, vocabulary VocabularySource, history HistoryStore, synthesizer Synthesizer) *Engine {
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	return &Engine{
		classifier:  classifier,
		retriever:   retriever,
		vocabulary:  vocabulary,
		history:     history,
		synthesizer: synthesizer,
	}
}

// WithCache enables answer caching. Degraded answers are never cached.
func (e *Engine) WithCache(cache ResponseCache) *Engine {
	e.cache = cache
	return e
}

// ProcessQuery classifies, retrieves and answers one question. Store failures
// degrade to the no-information answer; only invalid requests are errors.
func (e *Engine) ProcessQuery(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, apperr.ErrMissingTenant
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, errors.New("question is required")
	}

	startTime := time.Now()
	queryID := uuid.New().String()

	log := logger.GetLogger().With(zap.String("query_id", queryID), zap.String("tenant_id", req.TenantID))
	log.Info("Processing query", zap.String("query", question))

	if e.cache != nil {
		var cached QueryResponse
		hit, err := e.cache.GetQuery(ctx, req.TenantID, question, &cached)
		if err != nil {
			log.Warn("Response cache unavailable", zap.Error(err))
		} else if hit {
			cached.ID = queryID
			cached.LatencyMS = int(time.Since(startTime).Milliseconds())
			metrics.QueryTotal.WithLabelValues("cached").Inc()
			e.record(ctx, req.TenantID, &cached, cached.Classified, log)
			log.Info("Query answered from cache")
			return &cached, nil
		}
	}

	var vocab []string
	if e.vocabulary != nil {
		v, err := e.vocabulary.Vocabulary(ctx, req.TenantID)
		if err != nil {
			log.Warn("Vocabulary unavailable, classifying without it", zap.Error(err))
		}
		vocab = v
	}

	classification := e.classifier.Classify(question, vocab)
	metrics.QueryClassifications.WithLabelValues(classification.Label()).Inc()
	log.Debug("Query classified",
		zap.String("strategy", classification.Label()),
		zap.Strings("terms", classification.Terms),
		zap.String("path", classification.HierarchyPath),
		zap.Strings("rules", classification.Matched),
	)

	resp := &QueryResponse{
		ID:         queryID,
		Question:   question,
		Strategy:   classification.Label(),
		Classified: classification,
	}

	set, err := e.retriever.Retrieve(ctx, req.TenantID, question, classification)
	if err != nil {
		var rerr *apperr.RetrievalError
		if !errors.As(err, &rerr) {
			return nil, err
		}
		log.Warn("All stores unavailable", zap.Error(err))
		resp.Degraded = true
		resp.Warnings = append(resp.Warnings, err.Error())
	}
	if set != nil {
		resp.Evidence = set.Items
		for _, re := range set.Errors {
			resp.Warnings = append(resp.Warnings, re.Error())
		}
	}

	resp.Answer = e.answer(ctx, question, resp.Evidence, log)
	resp.LatencyMS = int(time.Since(startTime).Milliseconds())

	status := "answered"
	switch {
	case resp.Degraded:
		status = "degraded"
	case len(resp.Evidence) == 0:
		status = "no_information"
	}
	metrics.QueryTotal.WithLabelValues(status).Inc()
	metrics.QueryDuration.WithLabelValues(classification.Label()).Observe(time.Since(startTime).Seconds())

	e.record(ctx, req.TenantID, resp, classification, log)

	if e.cache != nil && !resp.Degraded && len(resp.Warnings) == 0 {
		if err := e.cache.SetQuery(ctx, req.TenantID, question, resp); err != nil {
			log.Warn("Failed to cache response", zap.Error(err))
		}
	}

	log.Info("Query processed",
		zap.String("status", status),
		zap.Int("evidence", len(resp.Evidence)),
		zap.Int("latency_ms", resp.LatencyMS),
	)

	return resp, nil
}

func (e *Engine) answer(ctx context.Context, question string, evidence []EvidenceItem, log *zap.Logger) string {
	if len(evidence) == 0 {
		return NoInformationAnswer
	}
	if e.synthesizer != nil {
		text, err := e.synthesizer.Synthesize(ctx, question, evidence)
		if err == nil && strings.TrimSpace(text) != "" {
			return text
		}
		log.Warn("Answer synthesis failed, returning evidence", zap.Error(err))
	}
	return FormatEvidence(evidence)
}

// FormatEvidence renders evidence as a numbered list tagged with origin.
func FormatEvidence(evidence []EvidenceItem) string {
	var b strings.Builder
	for i, it := range evidence {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%d] (%s, %s) %s", i+1, it.Strategy, it.DocumentID, it.Text)
	}
	return b.String()
}

func (e *Engine) record(ctx context.Context, tenantID string, resp *QueryResponse, c QueryClassification, log *zap.Logger) {
	if e.history == nil {
		return
	}

	structured, semantic := 0, 0
	for _, it := range resp.Evidence {
		if it.Strategy == models.StrategyStructured {
			structured++
		} else {
			semantic++
		}
	}

	err := e.history.InsertQueryRecord(ctx, &models.QueryRecord{
		ID:             resp.ID,
		TenantID:       tenantID,
		QueryText:      resp.Question,
		Strategies:     c.Strategies,
		Response:       resp.Answer,
		EvidenceCount:  len(resp.Evidence),
		StructuredHits: structured,
		SemanticHits:   semantic,
		LatencyMS:      resp.LatencyMS,
	})
	if err != nil {
		log.Warn("Failed to record query", zap.Error(err))
	}
}

// History returns the tenant's most recent questions, newest first.
func (e *Engine) History(ctx context.Context, tenantID string, limit int) ([]models.QueryRecord, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, apperr.ErrMissingTenant
	}
	if e.history == nil {
		return nil, nil
	}
	return e.history.GetQueryHistory(ctx, tenantID, limit)
}
