// Package evaluation replays a labelled question set against the query engine
// and scores the answers.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/query"
	"github.com/bank-rag/backend/pkg/logger"
)

const (
	Irrelevant    = "irrelevant"
	Moderate      = "moderate"
	FullyRelevant = "fully_relevant"
)

type Answerer interface {
	ProcessQuery(ctx context.Context, req query.QueryRequest) (*query.QueryResponse, error)
}

// EmbedFunc is optional; without it no cosine similarity is computed.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

type Evaluator struct {
	engine Answerer
	embed  EmbedFunc
}

type EvaluationDataset struct {
	TenantID string        `json:"tenant_id"`
	Items    []DatasetItem `json:"items"`
}

// DatasetItem is one labelled question. Expected holds facts that must appear
// in the answer or its evidence; Strategy is the expected classification
// label, when set.
type DatasetItem struct {
	Question    string   `json:"question"`
	Expected    []string `json:"expected"`
	Strategy    string   `json:"strategy,omitempty"`
	GroundTruth string   `json:"ground_truth,omitempty"`
	// Unanswerable items pass only with the no-information answer.
	Unanswerable bool `json:"unanswerable,omitempty"`
}

type EvaluationResult struct {
	Question         string
	Classification   string
	FactsFound       int
	FactsExpected    int
	StrategyMatched  bool
	CosineSimilarity float64
	LatencyMS        int
	Answer           string
}

type EvaluationReport struct {
	TotalQueries            int
	Failed                  int
	IrrelevantCount         int
	ModerateCount           int
	FullyRelevantCount      int
	IrrelevantPercentage    float64
	ModeratePercentage      float64
	FullyRelevantPercentage float64
	StrategyAccuracy        float64
	AvgFactRecall           float64
	AvgCosineSimilarity     float64
	AvgLatencyMS            float64
	Results                 []EvaluationResult
}

func NewEvaluator(engine Answerer, embed EmbedFunc) *Evaluator {
	return &Evaluator{
		engine: engine,
		embed:  embed,
	}
}

func (e *Evaluator) EvaluateItem(ctx context.Context, tenantID string, item DatasetItem) (*EvaluationResult, error) {
	resp, err := e.engine.ProcessQuery(ctx, query.QueryRequest{TenantID: tenantID, Question: item.Question})
	if err != nil {
		return nil, fmt.Errorf("failed to answer %q: %w", item.Question, err)
	}

	result := &EvaluationResult{
		Question:        item.Question,
		FactsExpected:   len(item.Expected),
		StrategyMatched: item.Strategy == "" || item.Strategy == resp.Strategy,
		LatencyMS:       resp.LatencyMS,
		Answer:          resp.Answer,
	}

	var haystack strings.Builder
	haystack.WriteString(strings.ToLower(resp.Answer))
	for _, it := range resp.Evidence {
		haystack.WriteByte('\n')
		haystack.WriteString(strings.ToLower(it.Text))
	}
	for _, fact := range item.Expected {
		if strings.Contains(haystack.String(), strings.ToLower(fact)) {
			result.FactsFound++
		}
	}

	result.Classification = classify(item, resp, result)

	if item.GroundTruth != "" && e.embed != nil {
		result.CosineSimilarity, err = e.similarity(ctx, resp.Answer, item.GroundTruth)
		if err != nil {
			logger.Warn("Failed to calculate cosine similarity", zap.Error(err))
		}
	}

	return result, nil
}

func classify(item DatasetItem, resp *query.QueryResponse, r *EvaluationResult) string {
	noInfo := resp.Answer == query.NoInformationAnswer
	if item.Unanswerable {
		if noInfo {
			return FullyRelevant
		}
		return Irrelevant
	}
	switch {
	case noInfo, r.FactsExpected > 0 && r.FactsFound == 0:
		return Irrelevant
	case r.FactsFound == r.FactsExpected && r.StrategyMatched:
		return FullyRelevant
	default:
		return Moderate
	}
}

func (e *Evaluator) RunDatasetEvaluation(ctx context.Context, dataset *EvaluationDataset) (*EvaluationReport, error) {
	logger.Info("Running dataset evaluation", zap.Int("items", len(dataset.Items)))

	report := &EvaluationReport{
		TotalQueries: len(dataset.Items),
	}

	var totalRecall, totalCosineSim, totalLatency float64
	var strategyHits, scored int

	for i, item := range dataset.Items {
		logger.Debug("Evaluating item", zap.Int("index", i+1), zap.Int("total", len(dataset.Items)))

		result, err := e.EvaluateItem(ctx, dataset.TenantID, item)
		if err != nil {
			logger.Error("Failed to evaluate query", zap.Error(err))
			report.Failed++
			continue
		}
		scored++
		report.Results = append(report.Results, *result)

		switch result.Classification {
		case Irrelevant:
			report.IrrelevantCount++
		case Moderate:
			report.ModerateCount++
		case FullyRelevant:
			report.FullyRelevantCount++
		}

		if result.StrategyMatched {
			strategyHits++
		}
		if result.FactsExpected > 0 {
			totalRecall += float64(result.FactsFound) / float64(result.FactsExpected)
		} else {
			totalRecall++
		}
		totalCosineSim += result.CosineSimilarity
		totalLatency += float64(result.LatencyMS)
	}

	if scored > 0 {
		n := float64(scored)
		report.AvgFactRecall = totalRecall / n
		report.AvgCosineSimilarity = totalCosineSim / n
		report.AvgLatencyMS = totalLatency / n
		report.StrategyAccuracy = float64(strategyHits) / n * 100

		report.IrrelevantPercentage = float64(report.IrrelevantCount) / n * 100
		report.ModeratePercentage = float64(report.ModerateCount) / n * 100
		report.FullyRelevantPercentage = float64(report.FullyRelevantCount) / n * 100
	}

	logger.Info("Dataset evaluation completed",
		zap.Int("total", report.TotalQueries),
		zap.Int("failed", report.Failed),
		zap.Int("irrelevant", report.IrrelevantCount),
		zap.Int("moderate", report.ModerateCount),
		zap.Int("fully_relevant", report.FullyRelevantCount),
	)

	return report, nil
}

func (e *Evaluator) similarity(ctx context.Context, text1, text2 string) (float64, error) {
	emb1, err := e.embed(ctx, text1)
	if err != nil {
		return 0, err
	}

	emb2, err := e.embed(ctx, text2)
	if err != nil {
		return 0, err
	}

	return cosineSimilarity(emb1, emb2), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func LoadDataset(data []byte) (*EvaluationDataset, error) {
	var dataset EvaluationDataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	if len(dataset.Items) == 0 {
		return nil, fmt.Errorf("dataset has no items")
	}
	return &dataset, nil
}

func GenerateReport(report *EvaluationReport) string {
	return fmt.Sprintf(`
Evaluation Report
=================

Total Queries: %d (failed: %d)

Classifications:
- Irrelevant: %d (%.1f%%)
- Moderately Relevant: %d (%.1f%%)
- Fully Relevant: %d (%.1f%%)

Strategy Accuracy: %.1f%%
Fact Recall: %.2f
Cosine Similarity: %.3f
Average Latency: %.0f ms
`,
		report.TotalQueries, report.Failed,
		report.IrrelevantCount, report.IrrelevantPercentage,
		report.ModerateCount, report.ModeratePercentage,
		report.FullyRelevantCount, report.FullyRelevantPercentage,
		report.StrategyAccuracy,
		report.AvgFactRecall,
		report.AvgCosineSimilarity,
		report.AvgLatencyMS,
	)
}
