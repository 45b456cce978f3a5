package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func newTestBreaker(clock *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker("test", Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
	})
	cb.now = func() time.Time { return *clock }
	return cb
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	fail := func() error { return errBackend }
	ok := func() error { return nil }

	t.Run("Opens after consecutive failures", func(t *testing.T) {
		clock := time.Unix(0, 0)
		cb := newTestBreaker(&clock)

		assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
		assert.Equal(t, StateClosed, cb.State())
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
		assert.Equal(t, StateOpen, cb.State())

		assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)
	})

	t.Run("Half open probe closes on success", func(t *testing.T) {
		clock := time.Unix(0, 0)
		cb := newTestBreaker(&clock)
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, fail)
		require.Equal(t, StateOpen, cb.State())

		clock = clock.Add(2 * time.Minute)
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(ctx, ok))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("Half open probe failure reopens", func(t *testing.T) {
		clock := time.Unix(0, 0)
		cb := newTestBreaker(&clock)
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, fail)

		clock = clock.Add(2 * time.Minute)
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("Ignored errors do not trip the breaker", func(t *testing.T) {
		clock := time.Unix(0, 0)
		cb := newTestBreaker(&clock)
		cb.cfg.IsFailure = func(err error) bool { return !errors.Is(err, errBackend) }

		for i := 0; i < 5; i++ {
			_ = cb.Execute(ctx, fail)
		}
		assert.Equal(t, StateClosed, cb.State())
	})
}
