package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bank-rag/backend/pkg/config"
)

func startClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	addr, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)

	client, err := NewClient(config.RedisConfig{Addr: addr, TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

type answer struct {
	Answer   string
	Evidence []string
}

func TestQueryCache(t *testing.T) {
	client := startClient(t)
	ctx := context.Background()

	t.Run("Answers round trip per tenant", func(t *testing.T) {
		require.NoError(t, client.SetQuery(ctx, "t1", "What is the max length of currency?", answer{Answer: "3", Evidence: []string{"currency"}}))

		var got answer
		hit, err := client.GetQuery(ctx, "t1", "  what is the MAX length of currency?", &got)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Equal(t, "3", got.Answer)

		hit, err = client.GetQuery(ctx, "t2", "What is the max length of currency?", &got)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("Invalidation only touches one tenant", func(t *testing.T) {
		require.NoError(t, client.SetQuery(ctx, "t1", "q1", answer{Answer: "a"}))
		require.NoError(t, client.SetQuery(ctx, "t2", "q1", answer{Answer: "b"}))

		require.NoError(t, client.InvalidateTenant(ctx, "t1"))

		var got answer
		hit, err := client.GetQuery(ctx, "t1", "q1", &got)
		require.NoError(t, err)
		assert.False(t, hit)

		hit, err = client.GetQuery(ctx, "t2", "q1", &got)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Equal(t, "b", got.Answer)
	})
}

func TestCachedEmbed(t *testing.T) {
	client := startClient(t)
	ctx := context.Background()

	calls := 0
	embed := client.CachedEmbed("hashing", func(ctx context.Context, text string) ([]float32, error) {
		calls++
		if text == "broken" {
			return nil, errors.New("provider down")
		}
		return []float32{0.5, 0.25}, nil
	})

	t.Run("Second call is served from the cache", func(t *testing.T) {
		v1, err := embed(ctx, "account balance")
		require.NoError(t, err)
		v2, err := embed(ctx, "account balance")
		require.NoError(t, err)

		assert.Equal(t, v1, v2)
		assert.Equal(t, 1, calls)
	})

	t.Run("Errors are not cached", func(t *testing.T) {
		_, err := embed(ctx, "broken")
		require.Error(t, err)
		_, err = embed(ctx, "broken")
		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})
}
