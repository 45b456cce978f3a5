package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/pkg/logger"
)

const tenantHeader = "X-Tenant-ID"

func tenantID(c *fiber.Ctx) string {
	return c.Get(tenantHeader)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrMissingTenant):
		return fiber.StatusBadRequest
	case errors.Is(err, apperr.ErrDocumentNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperr.ErrUnsupportedKind):
		return fiber.StatusUnsupportedMediaType
	case errors.Is(err, apperr.ErrNoContent), errors.Is(err, apperr.ErrNotBankingDocument):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, msg string, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error(msg, zap.String("tenant_id", tenantID(c)), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}
