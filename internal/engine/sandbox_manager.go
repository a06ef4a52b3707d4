package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-browserops/internal/infra"
	"go.uber.org/zap"
)

// SandboxManager — агенты в режиме песочницы: команды подписываются и пишутся в журнал,
// но в расширение не уходят, результат имитируется.
type SandboxManager struct {
	*AgentFlags
}

func NewSandboxManager(rdb *redis.Client, logger *zap.Logger, seed ...string) *SandboxManager {
	return &SandboxManager{newAgentFlags("sandbox", infra.RedisKeySandboxAgents, infra.RedisChanSandbox, rdb, logger, seed)}
}

func (sm *SandboxManager) IsSandbox(agentID string) bool { return sm.Has(agentID) }

func (sm *SandboxManager) SetSandbox(ctx context.Context, agentID string, enabled bool) error {
	return sm.Set(ctx, agentID, enabled)
}
