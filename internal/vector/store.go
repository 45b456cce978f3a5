// Package vector holds the vector store abstraction shared by the milvus,
// pgvector and in-memory backends.
package vector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/circuitbreaker"
	"github.com/bank-rag/backend/pkg/logger"
	"github.com/bank-rag/backend/pkg/retry"
)

// Store keeps chunk embeddings per tenant. Search never returns entries of
// another tenant.
type Store interface {
	// Upsert writes chunks that carry an embedding; chunks without one are
	// skipped.
	Upsert(ctx context.Context, chunks []models.DocumentChunk) error
	Search(ctx context.Context, tenantID string, query []float32, topK int) ([]models.ScoredChunk, error)
	Delete(ctx context.Context, tenantID string, ids []string) error
	Close() error
}

// Guarded wraps a remote Store with retry and a circuit breaker. Failures
// surface as apperr.ErrStoreUnavailable.
type Guarded struct {
	name    string
	inner   Store
	breaker *circuitbreaker.CircuitBreaker
	policy  retry.Config
}

func NewGuarded(name string, inner Store) *Guarded {
	log := logger.Named("vector." + name)
	return &Guarded{
		name:  name,
		inner: inner,
		breaker: circuitbreaker.NewCircuitBreaker("vector-"+name, circuitbreaker.Config{
			HalfOpenRequests: 1,
			OpenTimeout:      30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Logger:           log,
		}),
		policy: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			Retryable: func(err error) bool {
				return !errors.Is(err, circuitbreaker.ErrCircuitOpen) && !errors.Is(err, circuitbreaker.ErrTooManyRequests)
			},
			Logger: log,
		},
	}
}

func (g *Guarded) call(ctx context.Context, fn func() error) error {
	err := retry.Do(ctx, g.policy, func() error {
		return g.breaker.Execute(ctx, fn)
	})
	if err != nil {
		return apperr.Unavailable(g.name, err)
	}
	return nil
}

func (g *Guarded) Upsert(ctx context.Context, chunks []models.DocumentChunk) error {
	return g.call(ctx, func() error { return g.inner.Upsert(ctx, chunks) })
}

func (g *Guarded) Search(ctx context.Context, tenantID string, query []float32, topK int) ([]models.ScoredChunk, error) {
	var out []models.ScoredChunk
	err := g.call(ctx, func() error {
		var err error
		out, err = g.inner.Search(ctx, tenantID, query, topK)
		return err
	})
	return out, err
}

func (g *Guarded) Delete(ctx context.Context, tenantID string, ids []string) error {
	return g.call(ctx, func() error { return g.inner.Delete(ctx, tenantID, ids) })
}

func (g *Guarded) Close() error {
	if err := g.inner.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", g.name, err)
	}
	return nil
}

// Embedded filters chunks down to those that carry an embedding.
func Embedded(chunks []models.DocumentChunk) []models.DocumentChunk {
	out := make([]models.DocumentChunk, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) > 0 && !c.PendingEmbedding && !c.Deleted {
			out = append(out, c)
		}
	}
	return out
}
