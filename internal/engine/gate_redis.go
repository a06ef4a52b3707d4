package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/infra"
	"go.uber.org/zap"
)

// RedisGate — подтверждения между узлами шлюза.
// Удержанная команда ждет на узле, где крутится ее пайплайн; решение может прийти на любой узел.
// Ожидающие запросы лежат в hash devit:approvals:pending, решение публикуется
// в devit:approvals:execution:{approvalID}, узел-владелец слушает PSubscribe.
type RedisGate struct {
	local  *MemoryGate
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisGate(rdb *redis.Client, logger *zap.Logger) *RedisGate {
	return &RedisGate{
		local:  NewMemoryGate(),
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "approvals")),
	}
}

func (g *RedisGate) Request(ctx context.Context, req *domain.ApprovalRequest) (<-chan Decision, error) {
	ch, err := g.local.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err == nil {
		err = g.rdb.HSet(ctx, infra.RedisKeyPendingApprovals, req.ID, data).Err()
	}
	if err != nil {
		g.local.Release(req.ID)
		return nil, fmt.Errorf("register approval %s: %w", req.ID, err)
	}
	return ch, nil
}

// Decide публикует решение. Доставку до ожидающего пайплайна выполняет Listen на его узле.
func (g *RedisGate) Decide(ctx context.Context, approvalID string, d Decision) error {
	if _, err := g.Get(ctx, approvalID); err != nil {
		return err
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := g.rdb.Publish(ctx, infra.ApprovalDecisionChannel(approvalID), payload).Err(); err != nil {
		// Если Redis недоступен, пайплайн завершится по таймауту подтверждения (Fail-Safe)
		return fmt.Errorf("redis signal failure: %w", err)
	}
	g.logger.Info("approval decision published",
		zap.String("approval_id", approvalID),
		zap.Bool("approved", d.Approved),
		zap.String("reviewer", d.ReviewerID),
	)
	return nil
}

func (g *RedisGate) Get(ctx context.Context, approvalID string) (*domain.ApprovalRequest, error) {
	if req, err := g.local.Get(ctx, approvalID); err == nil {
		return req, nil
	}
	raw, err := g.rdb.HGet(ctx, infra.RedisKeyPendingApprovals, approvalID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("approval %s: %w", approvalID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var req domain.ApprovalRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode approval %s: %w", approvalID, err)
	}
	return &req, nil
}

func (g *RedisGate) Pending(ctx context.Context, userID string) ([]domain.ApprovalRequest, error) {
	all, err := g.rdb.HGetAll(ctx, infra.RedisKeyPendingApprovals).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ApprovalRequest, 0, len(all))
	for id, raw := range all {
		var req domain.ApprovalRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			g.logger.Warn("skipping malformed approval", zap.String("approval_id", id), zap.Error(err))
			continue
		}
		if userID != "" && req.UserID != userID {
			continue
		}
		out = append(out, req)
	}
	sortApprovals(out)
	return out, nil
}

func (g *RedisGate) Release(approvalID string) {
	g.local.Release(approvalID)
	if err := g.rdb.HDel(context.Background(), infra.RedisKeyPendingApprovals, approvalID).Err(); err != nil {
		g.logger.Warn("failed to drop pending approval", zap.String("approval_id", approvalID), zap.Error(err))
	}
}

func (g *RedisGate) Len() int { return g.local.Len() }

// Listen доставляет опубликованные решения локальным пайплайнам. Блокируется до отмены ctx.
func (g *RedisGate) Listen(ctx context.Context) {
	pattern := infra.RedisChanApprovalDecisions + "*"
	listenResilient(ctx, g.logger, pattern,
		func(ctx context.Context) *redis.PubSub { return g.rdb.PSubscribe(ctx, pattern) },
		nil,
		func(msg *redis.Message) {
			approvalID := strings.TrimPrefix(msg.Channel, infra.RedisChanApprovalDecisions)
			var d Decision
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				g.logger.Error("invalid decision payload", zap.String("approval_id", approvalID), zap.Error(err))
				return
			}
			err := g.local.Decide(ctx, approvalID, d)
			switch {
			case err == nil:
				g.logger.Debug("approval decision delivered", zap.String("approval_id", approvalID))
			case errors.Is(err, domain.ErrNotFound):
				// Пайплайн живет на другом узле
			default:
				g.logger.Warn("approval decision dropped", zap.String("approval_id", approvalID), zap.Error(err))
			}
		},
	)
}
