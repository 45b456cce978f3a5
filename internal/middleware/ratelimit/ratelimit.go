package ratelimit

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bank-rag/backend/internal/metrics"
)

// TenantHeader carries the tenant id on every API request.
const TenantHeader = "X-Tenant-ID"

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per tenant, or per client IP for
// requests without a tenant.
type RateLimiter struct {
	mu            sync.Mutex
	entries       map[string]*entry
	limit         rate.Limit
	burst         int
	idle          time.Duration
	logger        *zap.Logger
	cleanupTicker *time.Ticker
	done          chan struct{}
}

type Config struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTimeout evicts buckets of tenants that went quiet.
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond) * 2
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	rl := &RateLimiter{
		entries:       make(map[string]*entry),
		limit:         rate.Limit(cfg.RequestsPerSecond),
		burst:         cfg.Burst,
		idle:          cfg.IdleTimeout,
		logger:        cfg.Logger,
		cleanupTicker: time.NewTicker(cfg.IdleTimeout / 2),
		done:          make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get(TenantHeader)
		if key == "" {
			key = "ip:" + c.IP()
		}

		if !rl.Allow(key) {
			metrics.RateLimited.Inc()
			rl.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return c.Next()
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	e, ok := rl.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[key] = e
	}
	e.lastSeen = time.Now()
	rl.mu.Unlock()

	return e.limiter.Allow()
}

func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.done:
			return
		case now := <-rl.cleanupTicker.C:
			rl.mu.Lock()
			for key, e := range rl.entries {
				if now.Sub(e.lastSeen) > rl.idle {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) Stop() {
	rl.cleanupTicker.Stop()
	close(rl.done)
}
