package ratelimit

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	rl := New(Config{RequestsPerSecond: 0.001, Burst: 2})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/ping", func(c *fiber.Ctx) error { return c.SendString("pong") })

	call := func(tenant string) int {
		req := httptest.NewRequest("GET", "/ping", nil)
		if tenant != "" {
			req.Header.Set(TenantHeader, tenant)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	t.Run("Burst is allowed then rejected", func(t *testing.T) {
		assert.Equal(t, fiber.StatusOK, call("t1"))
		assert.Equal(t, fiber.StatusOK, call("t1"))
		assert.Equal(t, fiber.StatusTooManyRequests, call("t1"))
	})

	t.Run("Tenants have separate buckets", func(t *testing.T) {
		assert.Equal(t, fiber.StatusOK, call("t2"))
	})
}
