package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-browserops/internal/connectors"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
)

type countingTransport struct {
	calls atomic.Int32
	err   error
}

func (c *countingTransport) Send(_ context.Context, _ string, env domain.CommandEnvelope) (*domain.CommandResult, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &domain.CommandResult{RequestID: env.RequestID, Success: true}, nil
}

func TestReliabilityWrapperOpensAfterConsecutiveFailures(t *testing.T) {
	next := &countingTransport{err: errors.New("socket closed")}
	m := NewMetrics(nil)
	w := NewReliabilityWrapper(next, BreakerSettings{Name: "ws", ConsecutiveFailures: 2, Timeout: time.Minute}, m, zap.NewNop())
	ctx := context.Background()
	env := domain.CommandEnvelope{RequestID: "r1", Capability: "navigate"}

	for i := 0; i < 2; i++ {
		_, err := w.Send(ctx, testInstance, env)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, w.State(testInstance))
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("ws/"+testInstance)))

	_, err := w.Send(ctx, testInstance, env)
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
	assert.Equal(t, int32(2), next.calls.Load(), "open breaker must not reach the transport")
}

// instanceTransport: у каждого экземпляра своя ошибка
type instanceTransport struct {
	errs  map[string]error
	calls atomic.Int32
}

func (c *instanceTransport) Send(_ context.Context, instanceID string, env domain.CommandEnvelope) (*domain.CommandResult, error) {
	c.calls.Add(1)
	if err := c.errs[instanceID]; err != nil {
		return nil, err
	}
	return &domain.CommandResult{RequestID: env.RequestID, Success: true}, nil
}

func TestReliabilityWrapperIsolatesInstances(t *testing.T) {
	next := &instanceTransport{errs: map[string]error{"inst-silent": domain.ErrTimeout}}
	w := NewReliabilityWrapper(next, BreakerSettings{ConsecutiveFailures: 5, Timeout: time.Minute}, nil, zap.NewNop())
	ctx := context.Background()
	env := domain.CommandEnvelope{RequestID: "r1", Capability: "navigate"}

	for i := 0; i < 5; i++ {
		_, err := w.Send(ctx, "inst-silent", env)
		require.ErrorIs(t, err, domain.ErrTimeout)
	}
	assert.Equal(t, gobreaker.StateOpen, w.State("inst-silent"))

	_, err := w.Send(ctx, "inst-silent", env)
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)

	res, err := w.Send(ctx, "inst-healthy", env)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, gobreaker.StateClosed, w.State("inst-healthy"))
	assert.Equal(t, int32(6), next.calls.Load())
}

func TestReliabilityWrapperIgnoresThrottlingAndCancel(t *testing.T) {
	next := &countingTransport{err: &connectors.ThrottleError{RetryAfter: time.Second, Cause: errors.New("queue full")}}
	w := NewReliabilityWrapper(next, BreakerSettings{ConsecutiveFailures: 1}, nil, zap.NewNop())
	ctx := context.Background()
	env := domain.CommandEnvelope{RequestID: "r1"}

	for i := 0; i < 3; i++ {
		_, err := w.Send(ctx, testInstance, env)
		assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
	}
	next.err = context.Canceled
	_, err := w.Send(ctx, testInstance, env)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, w.State(testInstance))

	next.err = nil
	res, err := w.Send(ctx, testInstance, env)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestUserRateLimiter(t *testing.T) {
	l := NewUserRateLimiter(1, 1)
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, testUser))

	// Второй токен появится через секунду, а контекст истечет раньше
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(short, testUser))

	// Другой пользователь со своим бакетом
	require.NoError(t, l.Wait(ctx, "user-2"))
}

func TestTraceIDContext(t *testing.T) {
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", TraceIDFromContext(context.Background()))
	ctx := WithTraceID(context.Background(), "trace-1")
	assert.Equal(t, "trace-1", TraceIDFromContext(ctx))
}
