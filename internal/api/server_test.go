package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bank-rag/backend/internal/app"
	"github.com/bank-rag/backend/pkg/config"
)

const paymentsPage = `<html><body>
<h1>Payments API</h1>
<p>The payment endpoint debits the source account and credits the beneficiary.</p>
<table>
<caption>Payment request</caption>
<tr><th>Level</th><th>Field</th><th>Type</th><th>Max Length</th></tr>
<tr><td>0</td><td>payment</td><td>object</td><td></td></tr>
<tr><td>1</td><td>amount</td><td>decimal</td><td>18</td></tr>
<tr><td>1</td><td>currency</td><td>string</td><td>3</td></tr>
</table>
</body></html>`

func newServer(t *testing.T) *fiber.App {
	t.Helper()

	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "api.db")
	cfg.Vector.Dimension = 64
	cfg.Redis.Enabled = false
	cfg.LLM.Synthesize = false

	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	server, stop := NewServer(a)
	t.Cleanup(stop)
	return server
}

func upload(t *testing.T, server *fiber.App, tenant, name, content string) (int, map[string]interface{}) {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	return do(t, server, req)
}

func ask(t *testing.T, server *fiber.App, tenant, question string) (int, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"question": question})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenant)
	return do(t, server, req)
}

func get(t *testing.T, server *fiber.App, tenant, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	return do(t, server, req)
}

func do(t *testing.T, server *fiber.App, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := server.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp.StatusCode, out
}

func TestDocumentLifecycle(t *testing.T) {
	server := newServer(t)

	t.Run("First upload creates the document", func(t *testing.T) {
		status, body := upload(t, server, "bank-a", "payments.html", paymentsPage)
		require.Equal(t, fiber.StatusCreated, status, body)
		assert.Equal(t, "payments", body["document_id"])
		assert.Equal(t, "ready", body["status"])
		records := body["records"].(map[string]interface{})
		assert.EqualValues(t, 3, records["inserted"])
	})

	t.Run("Identical upload is a no-op", func(t *testing.T) {
		status, body := upload(t, server, "bank-a", "payments.html", paymentsPage)
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, true, body["unchanged"])
	})

	t.Run("Documents are listed per tenant", func(t *testing.T) {
		status, body := get(t, server, "bank-a", "/api/v1/documents")
		require.Equal(t, fiber.StatusOK, status)
		assert.Len(t, body["documents"], 1)

		_, body = get(t, server, "bank-b", "/api/v1/documents")
		assert.Len(t, body["documents"], 0)
	})

	t.Run("Structured question is answered from the table", func(t *testing.T) {
		status, body := ask(t, server, "bank-a", "List `currency`")
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "structured", body["strategy"])
		assert.Contains(t, body["answer"], "Max Length: 3")
		assert.Equal(t, false, body["degraded"])
	})

	t.Run("Another tenant sees nothing", func(t *testing.T) {
		status, body := ask(t, server, "bank-b", "List `currency`")
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "The requested information is not present in the uploaded documents.", body["answer"])
	})

	t.Run("History lists the questions", func(t *testing.T) {
		status, body := get(t, server, "bank-a", "/api/v1/query/history?limit=5")
		require.Equal(t, fiber.StatusOK, status)
		assert.Len(t, body["history"], 1)
	})

	t.Run("A column name alone is answered from the table", func(t *testing.T) {
		status, body := ask(t, server, "bank-a", "List every Max Length")
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "structured", body["strategy"])
		assert.Contains(t, body["answer"], "Max Length: 18")
		assert.Contains(t, body["answer"], "Max Length: 3")
	})

	t.Run("Delete retires the document", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/documents/payments", nil)
		req.Header.Set("X-Tenant-ID", "bank-a")
		status, _ := do(t, server, req)
		require.Equal(t, fiber.StatusOK, status)

		status, body := get(t, server, "bank-a", "/api/v1/documents/payments")
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "removed", body["status"])
		assert.EqualValues(t, 0, body["records"])
	})

	t.Run("Unknown document is not found", func(t *testing.T) {
		status, _ := get(t, server, "bank-a", "/api/v1/documents/missing")
		assert.Equal(t, fiber.StatusNotFound, status)
	})
}

func TestRejections(t *testing.T) {
	server := newServer(t)

	t.Run("Missing tenant header", func(t *testing.T) {
		status, _ := upload(t, server, "", "payments.html", paymentsPage)
		assert.Equal(t, fiber.StatusBadRequest, status)
	})

	t.Run("Unsupported file kind", func(t *testing.T) {
		status, _ := upload(t, server, "bank-a", "legacy.xls", "binary")
		assert.Equal(t, fiber.StatusUnsupportedMediaType, status)
	})

	t.Run("Content without banking terms", func(t *testing.T) {
		status, _ := upload(t, server, "bank-a", "recipes.txt", "Whisk the eggs and fold in the flour.")
		assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	})

	t.Run("Empty question", func(t *testing.T) {
		status, _ := ask(t, server, "bank-a", "   ")
		assert.Equal(t, fiber.StatusBadRequest, status)
	})

	t.Run("Markup in question", func(t *testing.T) {
		status, _ := ask(t, server, "bank-a", "<script>alert(1)</script>")
		assert.Equal(t, fiber.StatusBadRequest, status)
	})
}

func TestProbes(t *testing.T) {
	server := newServer(t)

	status, body := get(t, server, "", "/health")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = get(t, server, "", "/ready")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ready", body["status"])

	status, _ = get(t, server, "", "/metrics")
	assert.Equal(t, fiber.StatusOK, status)
}
