// Package app assembles the ingestion and query pipelines from configuration.
// Both the API server and the CLI start from New.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/cache/redis"
	"github.com/bank-rag/backend/internal/ingestion"
	"github.com/bank-rag/backend/internal/llm"
	"github.com/bank-rag/backend/internal/query"
	"github.com/bank-rag/backend/internal/storage/sqlite"
	"github.com/bank-rag/backend/internal/vector"
	"github.com/bank-rag/backend/internal/vector/memory"
	"github.com/bank-rag/backend/internal/vector/pgvector"
	"github.com/bank-rag/backend/internal/vector/zilliz"
	"github.com/bank-rag/backend/pkg/config"
	"github.com/bank-rag/backend/pkg/logger"
	"github.com/bank-rag/backend/pkg/retry"
)

type App struct {
	Config    *config.Config
	DB        *sqlite.Client
	Vectors   vector.Store
	Cache     *redis.Client
	Embedder  *ingestion.Embedder
	Processor *ingestion.Processor
	Engine    *query.Engine

	closers []func() error
}

// New opens every store named by cfg and wires the pipelines. On error the
// stores opened so far are closed.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	a.DB, err = sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite client: %w", err)
	}
	a.closers = append(a.closers, a.DB.Close)
	if err := a.DB.InitSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if a.Vectors, err = a.openVectors(ctx); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Vectors.Close)

	if cfg.Redis.Enabled {
		a.Cache, err = redis.NewClient(cfg.Redis)
		if err != nil {
			// The cache is an optimisation; run without it.
			logger.Warn("Redis unavailable, caching disabled", zap.Error(err))
			a.Cache = nil
		} else {
			a.closers = append(a.closers, a.Cache.Close)
		}
	}

	embed, synthesizer, err := a.openModels()
	if err != nil {
		return nil, err
	}

	a.Embedder = ingestion.NewEmbedder(embed, cfg.Vector.Dimension, retry.Config{
		MaxAttempts:    cfg.Ingestion.EmbedRetry.MaxAttempts,
		InitialDelay:   cfg.Ingestion.EmbedRetry.InitialDelay,
		MaxDelay:       cfg.Ingestion.EmbedRetry.MaxDelay,
		Multiplier:     cfg.Ingestion.EmbedRetry.Multiplier,
		JitterFraction: 0.1,
	})

	chunker := ingestion.NewChunker(
		ingestion.WithMaxSize(cfg.Ingestion.Chunk.MaxSize),
		ingestion.WithOverlap(cfg.Ingestion.Chunk.Overlap),
		ingestion.WithUnit(ingestion.ChunkUnit(cfg.Ingestion.Chunk.Unit)),
	)
	builder := ingestion.NewHierarchyBuilder(ingestion.DefaultLevelMatchers(cfg.Ingestion.LevelAliases...)...)

	a.Processor = ingestion.NewProcessor(a.DB, a.Vectors, chunker, a.Embedder, builder, ingestion.ProcessorConfig{
		MaxParallel:         cfg.Ingestion.MaxParallel,
		RequireBankingTerms: cfg.Ingestion.RequireBankingTerms,
		BankingTerms:        cfg.Ingestion.BankingTerms,
	})

	extra, err := query.RulesFromConfig(cfg.Classifier.Rules)
	if err != nil {
		return nil, fmt.Errorf("invalid classifier rules: %w", err)
	}
	classifier := query.NewClassifier(append(query.DefaultRules(), extra...))
	retriever := query.NewRetriever(a.DB, a.Vectors, a.Embedder, cfg.Retrieval.TopK, cfg.Retrieval.StructuredLimit)
	a.Engine = query.NewEngine(classifier, retriever, a.DB, a.DB, synthesizer)

	if a.Cache != nil {
		a.Engine.WithCache(a.Cache)
		a.Processor.OnChange(func(ctx context.Context, tenantID string) {
			if err := a.Cache.InvalidateTenant(ctx, tenantID); err != nil {
				logger.Warn("Failed to invalidate answer cache", zap.String("tenant_id", tenantID), zap.Error(err))
			}
		})
	}

	logger.Info("Pipelines ready",
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.String("embedding_provider", cfg.LLM.Provider),
		zap.Bool("synthesis", synthesizer != nil),
		zap.Bool("cache", a.Cache != nil),
	)
	return a, nil
}

func (a *App) openVectors(ctx context.Context) (vector.Store, error) {
	cfg := a.Config
	switch cfg.Vector.Backend {
	case "milvus":
		c, err := zilliz.NewClient(ctx, cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.Collection, cfg.Vector.Dimension)
		if err != nil {
			return nil, err
		}
		if err := c.CreateCollection(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create collection: %w", err)
		}
		return vector.NewGuarded("milvus", c), nil

	case "pgvector":
		s, err := pgvector.NewStore(ctx, cfg.PGVector.DSN, cfg.PGVector.Table, cfg.Vector.Dimension)
		if err != nil {
			return nil, err
		}
		return vector.NewGuarded("pgvector", s), nil

	default:
		// The in-memory index is rebuilt from the embeddings kept in sqlite.
		s := memory.NewStorage(cfg.Vector.Dimension)
		chunks, err := a.DB.EmbeddedChunks(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load embeddings: %w", err)
		}
		if err := s.Upsert(ctx, chunks); err != nil {
			return nil, err
		}
		logger.Info("In-memory vector index warmed", zap.Int("chunks", len(chunks)))
		return s, nil
	}
}

// openModels returns the embedding function and, when enabled, the answer
// synthesizer.
func (a *App) openModels() (ingestion.EmbedFunc, query.Synthesizer, error) {
	cfg := a.Config

	var (
		embed  ingestion.EmbedFunc
		model  string
		client *llm.Client
	)
	if cfg.LLM.Provider == "openai" || cfg.LLM.Synthesize {
		if cfg.LLM.APIKey == "" && cfg.LLM.BaseURL == "" {
			return nil, nil, errors.New("llm.api_key or llm.base_url is required for the openai provider and for synthesis")
		}
		client = llm.NewClient(cfg.LLM)
	}

	switch cfg.LLM.Provider {
	case "openai":
		embed, model = client.Embed, cfg.LLM.EmbeddingModel
	case "local":
		local, err := llm.NewLocalEmbedder(cfg.LLM.LocalModelPath)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, local.Close)
		embed, model = local.Embed, "local:"+filepath.Base(cfg.LLM.LocalModelPath)
	default:
		h := llm.NewHashingEmbedder(cfg.Vector.Dimension)
		embed, model = h.Embed, fmt.Sprintf("hashing:%d", h.Dimension())
	}

	// Hashing is cheaper than a cache round trip.
	if a.Cache != nil && cfg.LLM.Provider != "hashing" {
		embed = a.Cache.CachedEmbed(model, embed)
	}

	var synthesizer query.Synthesizer
	if cfg.LLM.Synthesize {
		synthesizer = client
	}
	return embed, synthesizer, nil
}

// Ready reports whether the relational store answers.
func (a *App) Ready(ctx context.Context) error {
	if err := a.DB.Ping(ctx); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if a.Cache != nil {
		if err := a.Cache.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases stores in reverse opening order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
