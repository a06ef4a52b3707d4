package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-browserops/internal/infra"
	"go.uber.org/zap"
)

// KillSwitchManager — мгновенная блокировка агента: все его команды отклоняются
type KillSwitchManager struct {
	*AgentFlags
}

func NewKillSwitchManager(rdb *redis.Client, logger *zap.Logger, seed ...string) *KillSwitchManager {
	return &KillSwitchManager{newAgentFlags("kill-switch", infra.RedisKeyBlockedAgents, infra.RedisChanKillSwitch, rdb, logger, seed)}
}

func (m *KillSwitchManager) IsBlocked(agentID string) bool { return m.Has(agentID) }

func (m *KillSwitchManager) Block(ctx context.Context, agentID string) error {
	return m.Set(ctx, agentID, true)
}

func (m *KillSwitchManager) Unblock(ctx context.Context, agentID string) error {
	return m.Set(ctx, agentID, false)
}
