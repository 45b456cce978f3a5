package evaluation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bank-rag/backend/internal/query"
	"github.com/bank-rag/backend/internal/storage/models"
)

type scriptedEngine map[string]*query.QueryResponse

func (s scriptedEngine) ProcessQuery(ctx context.Context, req query.QueryRequest) (*query.QueryResponse, error) {
	resp, ok := s[req.Question]
	if !ok {
		return nil, errors.New("unexpected question")
	}
	return resp, nil
}

func TestRunDatasetEvaluation(t *testing.T) {
	engine := scriptedEngine{
		"max length of currency": {
			Answer:   "currency allows 3 characters.",
			Strategy: "structured",
			Evidence: []query.EvidenceItem{{Strategy: models.StrategyStructured, Text: "Payment request::payment > currency; Type: string"}},
		},
		"why a timeout": {
			Answer:   "It protects the core system.",
			Strategy: "structured",
		},
		"mortgage rules": {
			Answer:   query.NoInformationAnswer,
			Strategy: "semantic",
		},
	}

	dataset, err := LoadDataset([]byte(`{
		"tenant_id": "t1",
		"items": [
			{"question": "max length of currency", "expected": ["3", "string"], "strategy": "structured"},
			{"question": "why a timeout", "expected": ["core system"], "strategy": "semantic"},
			{"question": "mortgage rules", "unanswerable": true},
			{"question": "not scripted", "expected": ["x"]}
		]
	}`))
	require.NoError(t, err)

	report, err := NewEvaluator(engine, nil).RunDatasetEvaluation(context.Background(), dataset)
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalQueries)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.FullyRelevantCount)
	assert.Equal(t, 1, report.ModerateCount)
	assert.Zero(t, report.IrrelevantCount)
	assert.InDelta(t, 66.7, report.StrategyAccuracy, 0.1)
	assert.InDelta(t, 1.0, report.AvgFactRecall, 1e-9)

	text := GenerateReport(report)
	assert.Contains(t, text, "Fully Relevant: 2")
}

func TestEvaluateItem(t *testing.T) {
	engine := scriptedEngine{
		"q": {Answer: query.NoInformationAnswer, Strategy: "semantic"},
	}
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0}, nil
	}

	t.Run("No information on an answerable question is irrelevant", func(t *testing.T) {
		r, err := NewEvaluator(engine, embed).EvaluateItem(context.Background(), "t1", DatasetItem{
			Question:    "q",
			Expected:    []string{"fact"},
			GroundTruth: "the fact",
		})
		require.NoError(t, err)
		assert.Equal(t, Irrelevant, r.Classification)
		assert.InDelta(t, 1.0, r.CosineSimilarity, 1e-9)
	})

	t.Run("Empty dataset is rejected", func(t *testing.T) {
		_, err := LoadDataset([]byte(`{"items": []}`))
		assert.Error(t, err)
	})
}
