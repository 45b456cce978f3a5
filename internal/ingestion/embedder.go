package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/internal/metrics"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/logger"
	"github.com/bank-rag/backend/pkg/retry"
)

// EmbedFunc maps text to a vector. It may fail transiently.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Embedder wraps an EmbedFunc with a dimension check and a retry policy.
type Embedder struct {
	fn       EmbedFunc
	dim      int
	policy   retry.Config
	parallel int
}

func NewEmbedder(fn EmbedFunc, dim int, policy retry.Config) *Embedder {
	retryable := policy.Retryable
	policy.Retryable = func(err error) bool {
		if errors.Is(err, apperr.ErrDimensionMismatch) {
			return false
		}
		return retryable == nil || retryable(err)
	}
	if policy.Logger == nil {
		policy.Logger = logger.Named("embedder")
	}
	return &Embedder{fn: fn, dim: dim, policy: policy, parallel: 4}
}

func (e *Embedder) Dimension() int { return e.dim }

// Embed returns a vector of the configured dimension or an *apperr.EmbeddingError.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.embedAt(ctx, -1, text)
}

func (e *Embedder) embedAt(ctx context.Context, position int, text string) ([]float32, error) {
	start := time.Now()
	defer func() { metrics.EmbeddingDuration.Observe(time.Since(start).Seconds()) }()

	vec, err := retry.DoWithResult(ctx, e.policy, func() ([]float32, error) {
		v, err := e.fn(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(v) != e.dim {
			return nil, fmt.Errorf("%w: got %d, want %d", apperr.ErrDimensionMismatch, len(v), e.dim)
		}
		return v, nil
	})
	if err != nil {
		return nil, &apperr.EmbeddingError{Position: position, Err: err}
	}
	return vec, nil
}

// EmbedChunks fills Embedding for every chunk in place. A chunk whose
// embedding cannot be obtained is kept with PendingEmbedding set and its
// error is returned in the slice; it never fails the batch.
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []models.DocumentChunk) []error {
	var (
		mu   sync.Mutex
		errs []error
	)

	g := new(errgroup.Group)
	g.SetLimit(e.parallel)
	for i := range chunks {
		i := i
		g.Go(func() error {
			vec, err := e.embedAt(ctx, chunks[i].Position, chunks[i].Text)
			if err != nil {
				chunks[i].Embedding = nil
				chunks[i].PendingEmbedding = true
				metrics.EmbeddingFailures.Inc()
				logger.Warn("Chunk left pending embedding",
					zap.String("document_id", chunks[i].DocumentID),
					zap.Int("position", chunks[i].Position),
					zap.Error(err),
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			chunks[i].Embedding = vec
			chunks[i].PendingEmbedding = false
			return nil
		})
	}
	_ = g.Wait()

	return errs
}
