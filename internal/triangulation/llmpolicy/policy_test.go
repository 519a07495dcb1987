package llmpolicy

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/codegraph-triangulation/internal/platform/httpx"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

func fastPolicy(maxRetries, threshold int) *Policy {
	return New(logger.NewNop(), Config{
		MaxRetries:       maxRetries,
		InitialInterval:  time.Millisecond,
		MaxInterval:      2 * time.Millisecond,
		BreakerThreshold: threshold,
		BreakerCooldown:  time.Hour,
	})
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	p := fastPolicy(3, 10)
	calls := 0
	out, err := Do(context.Background(), p, "test", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &httpx.StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	p := fastPolicy(5, 10)
	calls := 0
	_, err := Do(context.Background(), p, "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, &httpx.StatusError{StatusCode: http.StatusBadRequest, Body: "bad schema"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, errors.Is(err, ErrRetryBudgetExhausted))
	var se *httpx.StatusError
	assert.True(t, errors.As(err, &se))
}

func TestDoExhaustsBudget(t *testing.T) {
	p := fastPolicy(2, 10)
	calls := 0
	_, err := Do(context.Background(), p, "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, &httpx.StatusError{StatusCode: http.StatusTooManyRequests}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrRetryBudgetExhausted)
}

func TestDoOpensCircuit(t *testing.T) {
	p := fastPolicy(10, 2)
	calls := 0
	_, err := Do(context.Background(), p, "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, &httpx.StatusError{StatusCode: http.StatusBadGateway}
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)

	_, err = Do(context.Background(), p, "test", func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls, "open breaker must not call the model")
}

func transient(ctx context.Context) (int, error) {
	return 0, &httpx.StatusError{StatusCode: http.StatusBadGateway}
}

func TestDoHalfOpenProbe(t *testing.T) {
	p := New(logger.NewNop(), Config{
		MaxRetries:       0,
		InitialInterval:  time.Millisecond,
		MaxInterval:      time.Millisecond,
		BreakerThreshold: 1,
		BreakerCooldown:  20 * time.Millisecond,
	})

	_, err := Do(context.Background(), p, "test", transient)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, gobreaker.StateOpen, p.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, p.State())
	_, err = Do(context.Background(), p, "test", transient)
	require.ErrorIs(t, err, ErrCircuitOpen, "failed probe re-opens")
	assert.Equal(t, gobreaker.StateOpen, p.State())

	time.Sleep(40 * time.Millisecond)
	out, err := Do(context.Background(), p, "test", func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, out)
	assert.Equal(t, gobreaker.StateClosed, p.State())
}

func TestDoCancelledCallKeepsFailureStreak(t *testing.T) {
	p := fastPolicy(0, 2)

	_, err := Do(context.Background(), p, "test", transient)
	require.ErrorIs(t, err, ErrRetryBudgetExhausted)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = Do(ctx, p, "test", func(ctx context.Context) (int, error) {
		cancel()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, p.State())

	_, err = Do(context.Background(), p, "test", transient)
	assert.ErrorIs(t, err, ErrCircuitOpen, "second real failure trips the breaker")
}

func TestDoCancelledProbeDoesNotCloseBreaker(t *testing.T) {
	p := New(logger.NewNop(), Config{
		MaxRetries:       0,
		InitialInterval:  time.Millisecond,
		MaxInterval:      time.Millisecond,
		BreakerThreshold: 1,
		BreakerCooldown:  20 * time.Millisecond,
	})
	_, err := Do(context.Background(), p, "test", transient)
	require.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(40 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	_, err = Do(ctx, p, "test", func(ctx context.Context) (int, error) {
		cancel()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateOpen, p.State())

	_, err = Do(context.Background(), p, "test", func(ctx context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
