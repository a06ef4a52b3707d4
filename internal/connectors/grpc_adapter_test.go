package connectors

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type transportFunc func(ctx context.Context, instanceID string, env domain.CommandEnvelope) (*domain.CommandResult, error)

func (f transportFunc) Send(ctx context.Context, instanceID string, env domain.CommandEnvelope) (*domain.CommandResult, error) {
	return f(ctx, instanceID, env)
}

func startRelay(t *testing.T, local Transport, token string) func(clientToken string) *GRPCAdapter {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(token)))
	NewRelay(local, zap.NewNop()).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return func(clientToken string) *GRPCAdapter {
		a, err := DialRelay("passthrough:///bufnet", clientToken,
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Close() })
		return a
	}
}

func TestRelayDeliversThroughLocalTransport(t *testing.T) {
	var gotInstance string
	local := transportFunc(func(ctx context.Context, instanceID string, env domain.CommandEnvelope) (*domain.CommandResult, error) {
		gotInstance = instanceID
		return &domain.CommandResult{
			RequestID: env.RequestID,
			Success:   true,
			Method:    "dom",
			Result:    map[string]any{"title": "Inbox", "echo": env.Args["selector"]},
		}, nil
	})
	dial := startRelay(t, local, "relay-secret")
	client := dial("relay-secret")

	res, err := client.Send(context.Background(), "inst-1", domain.CommandEnvelope{
		RequestID:  "r1",
		Capability: "extract",
		Args:       map[string]any{"selector": ".thread"},
		Signature:  "sig",
	})
	require.NoError(t, err)
	assert.Equal(t, "inst-1", gotInstance)
	assert.Equal(t, "r1", res.RequestID)
	assert.True(t, res.Success)
	assert.Equal(t, "Inbox", res.Result["title"])
	assert.Equal(t, ".thread", res.Result["echo"])
}

func TestRelayRejectsBadToken(t *testing.T) {
	dial := startRelay(t, NewSimulator(), "relay-secret")

	_, err := dial("wrong").Send(context.Background(), "inst-1", domain.CommandEnvelope{RequestID: "r1", Capability: "navigate"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
}

func TestRelayMapsErrors(t *testing.T) {
	tests := []struct {
		name  string
		local error
		check func(t *testing.T, err error)
	}{
		{"throttled", &ThrottleError{RetryAfter: time.Second, Cause: ErrQueueFull}, func(t *testing.T, err error) {
			var tErr *ThrottleError
			assert.True(t, errors.As(err, &tErr))
			assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
		}},
		{"not connected", ErrNotConnected, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrNotConnected)
			assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
		}},
		{"other", errors.New("socket reset"), func(t *testing.T, err error) {
			assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := transportFunc(func(context.Context, string, domain.CommandEnvelope) (*domain.CommandResult, error) {
				return nil, tt.local
			})
			client := startRelay(t, local, "s")("s")
			_, err := client.Send(context.Background(), "inst-1", domain.CommandEnvelope{RequestID: "r1"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestRelayPropagatesDeadline(t *testing.T) {
	local := transportFunc(func(ctx context.Context, _ string, _ domain.CommandEnvelope) (*domain.CommandResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := startRelay(t, local, "s")("s")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Send(ctx, "inst-1", domain.CommandEnvelope{RequestID: "r1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
