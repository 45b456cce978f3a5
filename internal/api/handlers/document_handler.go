package handlers

import (
	"context"
	"io"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/ingestion"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/logger"
)

// DocumentCatalog lists a tenant's ingestion registry.
type DocumentCatalog interface {
	GetDocument(ctx context.Context, tenantID, documentID string) (*models.Document, error)
	ListDocuments(ctx context.Context, tenantID string) ([]models.Document, error)
}

type DocumentHandler struct {
	processor *ingestion.Processor
	catalog   DocumentCatalog
}

func NewDocumentHandler(processor *ingestion.Processor, catalog DocumentCatalog) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
		catalog:   catalog,
	}
}

// UploadDocument ingests one multipart "file". An optional "document_id" form
// value overrides the id derived from the file name.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "A multipart file field named \"file\" is required",
		})
	}

	f, err := header.Open()
	if err != nil {
		logger.Error("Failed to open upload", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read upload",
		})
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		logger.Error("Failed to read upload", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read upload",
		})
	}

	report, err := h.processor.Ingest(c.UserContext(), ingestion.Source{
		TenantID:   tenantID(c),
		DocumentID: c.FormValue("document_id"),
		Name:       header.Filename,
		Data:       data,
	})
	if err != nil {
		return fail(c, "Failed to process document", err)
	}

	status := fiber.StatusOK
	if report.RecordInserts+report.ChunkInserts > 0 && report.RecordUpdates == 0 && report.RecordsUnchanged == 0 && report.ChunksUnchanged == 0 {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(reportJSON(report))
}

func reportJSON(r *ingestion.Report) fiber.Map {
	return fiber.Map{
		"tenant_id":       r.TenantID,
		"document_id":     r.DocumentID,
		"status":          r.Status,
		"unchanged":       r.Unchanged,
		"tables":          r.Tables,
		"fallback_tables": r.FallbackTables,
		"clamped_levels":  r.Clamped,
		"records": fiber.Map{
			"inserted":  r.RecordInserts,
			"updated":   r.RecordUpdates,
			"stale":     r.RecordsStale,
			"unchanged": r.RecordsUnchanged,
		},
		"chunks": fiber.Map{
			"inserted":  r.ChunkInserts,
			"shared":    r.ChunksShared,
			"released":  r.ChunksReleased,
			"deleted":   r.ChunksDeleted,
			"unchanged": r.ChunksUnchanged,
			"pending":   r.PendingChunks,
		},
		"warnings":    errorStrings(r.Errors),
		"duration_ms": r.Duration.Milliseconds(),
	}
}

func documentJSON(d *models.Document) fiber.Map {
	return fiber.Map{
		"document_id":    d.DocumentID,
		"name":           d.Name,
		"kind":           d.Kind,
		"status":         d.Status,
		"records":        d.RecordCount,
		"chunks":         d.ChunkCount,
		"pending_chunks": d.PendingChunks,
		"created_at":     d.CreatedAt,
		"updated_at":     d.UpdatedAt,
	}
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	docs, err := h.catalog.ListDocuments(c.UserContext(), tenantID(c))
	if err != nil {
		return fail(c, "Failed to list documents", err)
	}

	out := make([]fiber.Map, 0, len(docs))
	for i := range docs {
		out = append(out, documentJSON(&docs[i]))
	}
	return c.JSON(fiber.Map{"documents": out})
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	doc, err := h.catalog.GetDocument(c.UserContext(), tenantID(c), c.Params("id"))
	if err != nil {
		return fail(c, "Failed to get document", err)
	}
	return c.JSON(documentJSON(doc))
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.processor.RemoveDocument(c.UserContext(), tenantID(c), id); err != nil {
		return fail(c, "Failed to remove document", err)
	}
	return c.JSON(fiber.Map{
		"message":     "Document removed",
		"document_id": id,
	})
}

// RetryPending re-embeds chunks that are still waiting for a vector.
func (h *DocumentHandler) RetryPending(c *fiber.Ctx) error {
	report, err := h.processor.RetryPending(c.UserContext(), tenantID(c))
	if err != nil {
		return fail(c, "Failed to retry pending chunks", err)
	}
	return c.JSON(fiber.Map{
		"attempted":     report.Attempted,
		"embedded":      report.Embedded,
		"still_pending": report.StillPending,
	})
}
