package connectors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/infra"
	"go.uber.org/zap"
)

// Directory — каталог "экземпляр расширения -> узел шлюза, держащий его сокет"
type Directory interface {
	Register(ctx context.Context, instanceID, addr string) error
	Unregister(ctx context.Context, instanceID, addr string) error
	// Lookup возвращает ErrNotConnected, если экземпляр не подключен ни к одному узлу
	Lookup(ctx context.Context, instanceID string) (string, error)
}

// RedisDirectory хранит каталог в hash devit:extensions:nodes
type RedisDirectory struct {
	rdb *redis.Client
}

func NewRedisDirectory(rdb *redis.Client) *RedisDirectory {
	return &RedisDirectory{rdb: rdb}
}

// Удаляем запись только если она все еще указывает на этот узел:
// экземпляр мог успеть переподключиться к другому
var unregisterScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

func (d *RedisDirectory) Register(ctx context.Context, instanceID, addr string) error {
	return d.rdb.HSet(ctx, infra.RedisKeyExtensionNodes, instanceID, addr).Err()
}

func (d *RedisDirectory) Unregister(ctx context.Context, instanceID, addr string) error {
	return unregisterScript.Run(ctx, d.rdb, []string{infra.RedisKeyExtensionNodes}, instanceID, addr).Err()
}

func (d *RedisDirectory) Lookup(ctx context.Context, instanceID string) (string, error) {
	addr, err := d.rdb.HGet(ctx, infra.RedisKeyExtensionNodes, instanceID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotConnected
	}
	return addr, err
}

// Router выбирает путь доставки: локальный сокет или gRPC-релей узла, где висит расширение
type Router struct {
	local  *Hub
	dir    Directory
	self   string
	dial   func(addr string) (Transport, error)
	logger *zap.Logger

	mu    sync.Mutex
	peers map[string]Transport
}

// NewRouter: dir == nil — однонодовый режим, все идет в локальный хаб
func NewRouter(local *Hub, dir Directory, self string, dial func(addr string) (Transport, error), logger *zap.Logger) *Router {
	return &Router{
		local:  local,
		dir:    dir,
		self:   self,
		dial:   dial,
		logger: logger.With(zap.String("mod", "router")),
		peers:  make(map[string]Transport),
	}
}

func (r *Router) Send(ctx context.Context, instanceID string, env domain.CommandEnvelope) (*domain.CommandResult, error) {
	if r.dir == nil || r.local.Connected(instanceID) {
		return r.local.Send(ctx, instanceID, env)
	}
	addr, err := r.dir.Lookup(ctx, instanceID)
	switch {
	case errors.Is(err, ErrNotConnected):
		return r.local.Send(ctx, instanceID, env)
	case err != nil:
		return nil, fmt.Errorf("%w: lookup %s: %v", domain.ErrDeliveryFailed, instanceID, err)
	case addr == r.self:
		return r.local.Send(ctx, instanceID, env)
	}

	peer, err := r.peer(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: relay %s: %v", domain.ErrDeliveryFailed, addr, err)
	}
	r.logger.Debug("relaying command", zap.String("request_id", env.RequestID), zap.String("node", addr))
	return peer.Send(ctx, instanceID, env)
}

func (r *Router) peer(addr string) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[addr]; ok {
		return p, nil
	}
	p, err := r.dial(addr)
	if err != nil {
		return nil, err
	}
	r.peers[addr] = p
	return p, nil
}

// Track регистрирует сокеты локального хаба в каталоге. Вызывать до старта HTTP-сервера.
func (r *Router) Track(ctx context.Context) {
	if r.dir == nil {
		return
	}
	r.local.opts.OnAttach = func(instanceID string) {
		if err := r.dir.Register(ctx, instanceID, r.self); err != nil {
			r.logger.Warn("directory register failed", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}
	r.local.opts.OnDetach = func(instanceID string) {
		if err := r.dir.Unregister(context.WithoutCancel(ctx), instanceID, r.self); err != nil {
			r.logger.Warn("directory unregister failed", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}
}
