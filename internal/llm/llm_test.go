package llm

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bank-rag/backend/internal/query"
	"github.com/bank-rag/backend/internal/storage/models"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashingEmbedder(t *testing.T) {
	ctx := context.Background()
	h := NewHashingEmbedder(256)

	t.Run("Vectors have the configured dimension and unit length", func(t *testing.T) {
		v, err := h.Embed(ctx, "Transfer amount in minor units")
		require.NoError(t, err)
		require.Len(t, v, 256)

		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, norm, 1e-5)
	})

	t.Run("Embedding is deterministic", func(t *testing.T) {
		a, _ := h.Embed(ctx, "beneficiary IBAN")
		b, _ := h.Embed(ctx, "beneficiary IBAN")
		assert.Equal(t, a, b)
	})

	t.Run("Related text is closer than unrelated text", func(t *testing.T) {
		q, _ := h.Embed(ctx, "why does the payment timeout")
		near, _ := h.Embed(ctx, "The payment timeout protects the core banking system")
		far, _ := h.Embed(ctx, "Quarterly loan statements are archived for seven years")
		assert.Greater(t, cosine(q, near), cosine(q, far))
	})

	t.Run("Empty text still embeds", func(t *testing.T) {
		v, err := h.Embed(ctx, "  ")
		require.NoError(t, err)
		assert.Len(t, v, 256)
	})
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("What is the max length of currency?", []query.EvidenceItem{
		{Strategy: models.StrategyStructured, DocumentID: "payments", Text: "Payment request::payment > currency; Max Length: 3"},
		{Strategy: models.StrategySemantic, DocumentID: "guide", Text: strings.Repeat("x", maxEvidenceChars+10)},
	})

	assert.Contains(t, prompt, "Question: What is the max length of currency?")
	assert.Contains(t, prompt, "[1] (structured, document payments) Payment request::payment > currency; Max Length: 3")
	assert.Contains(t, prompt, "[2] (semantic, document guide) ")
	assert.Contains(t, prompt, "...")
	assert.NotContains(t, prompt, strings.Repeat("x", maxEvidenceChars+1))
}
