// Package api exposes the ingestion and query pipelines over HTTP.
package api

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/bank-rag/backend/internal/api/handlers"
	"github.com/bank-rag/backend/internal/app"
	"github.com/bank-rag/backend/internal/metrics"
	"github.com/bank-rag/backend/internal/middleware/ratelimit"
	"github.com/bank-rag/backend/internal/middleware/security"
	"github.com/bank-rag/backend/internal/middleware/validation"
	"github.com/bank-rag/backend/pkg/logger"
)

// NewServer builds the fiber app. The returned stop function releases the
// rate limiter.
func NewServer(a *app.App) (*fiber.App, func()) {
	cfg := a.Config

	server := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:             cfg.Server.BodyLimit,
		DisableStartupMessage: true,
	})

	origins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.Server.AllowedOrigins, ",")
	}

	server.Use(recover.New())
	server.Use(fiberlogger.New())
	server.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Tenant-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	server.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	metrics.Init()
	server.Get("/metrics", metrics.MetricsHandler())

	server.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	server.Get("/ready", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := a.Ready(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Logger:            logger.Named("ratelimit"),
	})

	queryHandler := handlers.NewQueryHandler(a.Engine)
	documentHandler := handlers.NewDocumentHandler(a.Processor, a.DB)

	v1 := server.Group("/api/v1",
		validation.Middleware(validation.Config{Logger: logger.Named("validation")}),
		limiter.Middleware(),
	)

	v1.Post("/query", queryHandler.HandleQuery)
	v1.Get("/query/history", queryHandler.GetQueryHistory)

	v1.Post("/documents", documentHandler.UploadDocument)
	v1.Get("/documents", documentHandler.ListDocuments)
	v1.Post("/documents/pending/retry", documentHandler.RetryPending)
	v1.Get("/documents/:id", documentHandler.GetDocument)
	v1.Delete("/documents/:id", documentHandler.DeleteDocument)

	return server, limiter.Stop
}
