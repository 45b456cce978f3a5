package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/query"
	"github.com/bank-rag/backend/pkg/logger"
)

type QueryHandler struct {
	queryEngine *query.Engine
}

func NewQueryHandler(queryEngine *query.Engine) *QueryHandler {
	return &QueryHandler{
		queryEngine: queryEngine,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Question string `json:"question"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if strings.TrimSpace(req.Question) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Question is required",
		})
	}

	response, err := h.queryEngine.ProcessQuery(c.UserContext(), query.QueryRequest{
		TenantID: tenantID(c),
		Question: req.Question,
	})
	if err != nil {
		return fail(c, "Failed to process query", err)
	}

	evidence := make([]fiber.Map, 0, len(response.Evidence))
	for _, it := range response.Evidence {
		evidence = append(evidence, fiber.Map{
			"strategy":    it.Strategy,
			"document_id": it.DocumentID,
			"text":        it.Text,
			"score":       it.Score,
		})
	}

	return c.JSON(fiber.Map{
		"id":         response.ID,
		"question":   response.Question,
		"answer":     response.Answer,
		"strategy":   response.Strategy,
		"evidence":   evidence,
		"warnings":   response.Warnings,
		"degraded":   response.Degraded,
		"latency_ms": response.LatencyMS,
	})
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	history, err := h.queryEngine.History(c.UserContext(), tenantID(c), limit)
	if err != nil {
		return fail(c, "Failed to load query history", err)
	}

	out := make([]fiber.Map, 0, len(history))
	for _, r := range history {
		out = append(out, fiber.Map{
			"id":         r.ID,
			"question":   r.QueryText,
			"answer":     r.Response,
			"strategies": r.Strategies,
			"evidence":   r.EvidenceCount,
			"latency_ms": r.LatencyMS,
			"created_at": r.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"history": out})
}
