package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-browserops/internal/infra"
	"go.uber.org/zap"
)

// QuarantineManager — ручной контроль при подозрении: autonomous-шаги агента
// принудительно уходят на подтверждение пользователя.
type QuarantineManager struct {
	*AgentFlags
}

func NewQuarantineManager(rdb *redis.Client, logger *zap.Logger, seed ...string) *QuarantineManager {
	return &QuarantineManager{newAgentFlags("quarantine", infra.RedisKeyQuarantineAgents, infra.RedisChanQuarantine, rdb, logger, seed)}
}

func (m *QuarantineManager) IsQuarantined(agentID string) bool { return m.Has(agentID) }

func (m *QuarantineManager) SetQuarantine(ctx context.Context, agentID string, on bool) error {
	return m.Set(ctx, agentID, on)
}
