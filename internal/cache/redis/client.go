package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/metrics"
	"github.com/bank-rag/backend/pkg/config"
	"github.com/bank-rag/backend/pkg/logger"
	"github.com/bank-rag/backend/pkg/utils"
)

// Client caches embeddings and finished answers. Answer keys are scoped by
// tenant so one tenant's uploads only invalidate its own entries.
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(cfg config.RedisConfig) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	logger.Info("Redis client initialized", zap.String("addr", cfg.Addr), zap.Duration("ttl", ttl))

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func queryKey(tenantID, question string) string {
	return fmt.Sprintf("query:%s:%s", tenantID, utils.HashString(utils.NormalizeText(question)))
}

func embeddingKey(model, text string) string {
	return fmt.Sprintf("embedding:%s:%s", model, utils.HashString(text))
}

func (c *Client) SetQuery(ctx context.Context, tenantID, question string, response interface{}) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := c.client.Set(ctx, queryKey(tenantID, question), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set query cache: %w", err)
	}

	logger.Debug("Query cached", zap.String("tenant_id", tenantID))
	return nil
}

func (c *Client) GetQuery(ctx context.Context, tenantID, question string, response interface{}) (bool, error) {
	data, err := c.client.Get(ctx, queryKey(tenantID, question)).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("query").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get query cache: %w", err)
	}

	if err := json.Unmarshal(data, response); err != nil {
		return false, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	metrics.CacheHits.WithLabelValues("query").Inc()
	logger.Debug("Query cache hit", zap.String("tenant_id", tenantID))
	return true, nil
}

func (c *Client) SetEmbedding(ctx context.Context, model, text string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	if err := c.client.Set(ctx, embeddingKey(model, text), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, model, text string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, embeddingKey(model, text)).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	metrics.CacheHits.WithLabelValues("embedding").Inc()
	return embedding, true, nil
}

// CachedEmbed wraps an embedding function with a read-through cache keyed by
// model and text. Cache failures fall through to fn.
func (c *Client) CachedEmbed(model string, fn func(ctx context.Context, text string) ([]float32, error)) func(ctx context.Context, text string) ([]float32, error) {
	return func(ctx context.Context, text string) ([]float32, error) {
		vec, ok, err := c.GetEmbedding(ctx, model, text)
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		if ok {
			return vec, nil
		}

		vec, err = fn(ctx, text)
		if err != nil {
			return nil, err
		}
		if err := c.SetEmbedding(ctx, model, text, vec); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
		return vec, nil
	}
}

// InvalidateTenant drops every cached answer of one tenant.
func (c *Client) InvalidateTenant(ctx context.Context, tenantID string) error {
	var deleted int
	iter := c.client.Scan(ctx, 0, fmt.Sprintf("query:%s:*", tenantID), 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		deleted++
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Tenant answer cache invalidated", zap.String("tenant_id", tenantID), zap.Int("keys", deleted))
	return nil
}
