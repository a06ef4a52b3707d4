package connectors

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
)

type memDirectory struct {
	mu    sync.Mutex
	nodes map[string]string
}

func (d *memDirectory) Register(_ context.Context, instanceID, addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[instanceID] = addr
	return nil
}

func (d *memDirectory) Unregister(_ context.Context, instanceID, addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nodes[instanceID] == addr {
		delete(d.nodes, instanceID)
	}
	return nil
}

func (d *memDirectory) Lookup(_ context.Context, instanceID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr, ok := d.nodes[instanceID]
	if !ok {
		return "", ErrNotConnected
	}
	return addr, nil
}

func TestRouterRelaysToOwningNode(t *testing.T) {
	dir := &memDirectory{nodes: map[string]string{"inst-remote": "node-b:9090", "inst-self": "node-a:9090"}}
	hub := NewHub(newFakePairings(), headerAuth, zap.NewNop(), HubOptions{})

	var dialed []string
	remote := &Simulator{}
	router := NewRouter(hub, dir, "node-a:9090", func(addr string) (Transport, error) {
		dialed = append(dialed, addr)
		return remote, nil
	}, zap.NewNop())
	ctx := context.Background()
	env := domain.CommandEnvelope{RequestID: "r1", Capability: "navigate", Args: map[string]any{"target": "https://mail.google.com"}}

	res, err := router.Send(ctx, "inst-remote", env)
	require.NoError(t, err)
	assert.Equal(t, "simulated", res.Method)
	_, err = router.Send(ctx, "inst-remote", env)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b:9090"}, dialed, "peer connections are reused")

	// Свой узел и неизвестный экземпляр — локальный хаб, где сессии нет
	_, err = router.Send(ctx, "inst-self", env)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = router.Send(ctx, "inst-unknown", env)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRouterTrackRegistersHubSessions(t *testing.T) {
	dir := &memDirectory{nodes: map[string]string{}}
	hub := NewHub(newFakePairings(), headerAuth, zap.NewNop(), HubOptions{})
	router := NewRouter(hub, dir, "node-a:9090", nil, zap.NewNop())
	router.Track(context.Background())

	hub.opts.OnAttach("inst-1")
	addr, err := dir.Lookup(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a:9090", addr)

	// Экземпляр переподключился к другому узлу: чужую запись не трогаем
	require.NoError(t, dir.Register(context.Background(), "inst-1", "node-b:9090"))
	hub.opts.OnDetach("inst-1")
	addr, err = dir.Lookup(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "node-b:9090", addr)
}

func TestSimulator(t *testing.T) {
	sim := &Simulator{}
	ctx := context.Background()

	res, err := sim.Send(ctx, "inst-1", domain.CommandEnvelope{RequestID: "r1", Capability: "send", Args: map[string]any{"recipient": "bob@example.com"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "sent", res.Result["status"])

	res, err = sim.Send(ctx, "inst-1", domain.CommandEnvelope{RequestID: "r2", Capability: "purchase"})
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = sim.Send(ctx, "inst-1", domain.CommandEnvelope{RequestID: "r3", Capability: "navigate", Args: map[string]any{"target": "https://unstable.example.com"}})
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
}
