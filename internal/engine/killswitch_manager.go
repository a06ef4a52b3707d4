package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-browserops/internal/infra"
	"go.uber.org/zap"
)

// AgentFlags — множество агентов с включенным флагом (kill-switch, песочница, карантин).
// L1 — мапа в RAM для hot path, L2 — Redis set, изменения разносятся по узлам через Pub/Sub.
// Без Redis работает как локальное множество.
type AgentFlags struct {
	name    string
	setKey  string
	channel string
	seed    []string // Агенты из конфигурации, всегда входят в множество после Init

	rdb    *redis.Client
	logger *zap.Logger

	mu     sync.RWMutex
	agents map[string]struct{}
}

func newAgentFlags(name, setKey, channel string, rdb *redis.Client, logger *zap.Logger, seed []string) *AgentFlags {
	f := &AgentFlags{
		name:    name,
		setKey:  setKey,
		channel: channel,
		seed:    append([]string(nil), seed...),
		rdb:     rdb,
		logger:  logger.With(zap.String("mod", name)),
		agents:  make(map[string]struct{}),
	}
	f.replace(f.seed)
	return f
}

// Init загружает состояние из Redis при старте и после каждого переподключения
func (f *AgentFlags) Init(ctx context.Context) error {
	if f.rdb == nil {
		f.replace(f.seed)
		return nil
	}
	members, err := f.rdb.SMembers(ctx, f.setKey).Result()
	if err != nil {
		return fmt.Errorf("%s: failed to fetch %s: %w", f.name, f.setKey, err)
	}
	ids := append(append([]string(nil), f.seed...), members...)
	return f.warmup(ctx, ids, infra.GetWarmupLockKey(f.name))
}

// Has — максимально быстрый метод для проверки в hot path
func (f *AgentFlags) Has(agentID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.agents[agentID]
	return ok
}

// Mark меняет только локальный кэш
func (f *AgentFlags) Mark(agentID string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.agents[agentID] = struct{}{}
	} else {
		delete(f.agents, agentID)
	}
}

func (f *AgentFlags) List() []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.agents))
	for id := range f.agents {
		out = append(out, id)
	}
	f.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (f *AgentFlags) replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	f.mu.Lock()
	f.agents = next
	f.mu.Unlock()
}
