package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/internal/storage/models"
)

// Storage is an in-process vector store using brute-force cosine similarity.
// Entries are partitioned by tenant.
type Storage struct {
	mu        sync.RWMutex
	dimension int
	tenants   map[string]map[string]models.DocumentChunk
}

func NewStorage(dimension int) *Storage {
	return &Storage{dimension: dimension, tenants: make(map[string]map[string]models.DocumentChunk)}
}

func (s *Storage) Upsert(ctx context.Context, chunks []models.DocumentChunk) error {
	for _, c := range chunks {
		if len(c.Embedding) > 0 && len(c.Embedding) != s.dimension {
			return fmt.Errorf("chunk %s: %w: got %d, want %d", c.ID, apperr.ErrDimensionMismatch, len(c.Embedding), s.dimension)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		entries := s.tenants[c.TenantID]
		if entries == nil {
			entries = make(map[string]models.DocumentChunk)
			s.tenants[c.TenantID] = entries
		}
		c.Embedding = append([]float32(nil), c.Embedding...)
		entries[c.ID] = c
	}
	return nil
}

func (s *Storage) Search(ctx context.Context, tenantID string, query []float32, topK int) ([]models.ScoredChunk, error) {
	if len(query) != s.dimension {
		return nil, fmt.Errorf("query: %w: got %d, want %d", apperr.ErrDimensionMismatch, len(query), s.dimension)
	}
	if topK <= 0 {
		topK = 5
	}

	s.mu.RLock()
	results := make([]models.ScoredChunk, 0, len(s.tenants[tenantID]))
	for _, c := range s.tenants[tenantID] {
		results = append(results, models.ScoredChunk{Chunk: c, Score: cosine(c.Embedding, query)})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *Storage) Delete(ctx context.Context, tenantID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.tenants[tenantID], id)
	}
	return nil
}

// Len counts the entries held for a tenant.
func (s *Storage) Len(tenantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants[tenantID])
}

func (s *Storage) Close() error { return nil }

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
