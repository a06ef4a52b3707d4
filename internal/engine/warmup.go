package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const warmupLockTTL = 30 * time.Second

// warmup применяет снимок флагов к L1 и досеивает в Redis агентов из конфигурации.
// Досевает только один узел: тот, кто взял блокировку.
func (f *AgentFlags) warmup(ctx context.Context, snapshot []string, lockKey string) error {
	f.replace(snapshot)
	if len(f.seed) == 0 {
		return nil
	}

	ok, err := f.rdb.SetNX(ctx, lockKey, "seeding", warmupLockTTL).Result()
	if err != nil || !ok {
		return nil
	}
	defer f.rdb.Del(context.WithoutCancel(ctx), lockKey)

	members := make([]any, 0, len(f.seed))
	for _, id := range f.seed {
		members = append(members, id)
	}
	added, err := f.rdb.SAdd(ctx, f.setKey, members...).Result()
	if err != nil {
		f.logger.Warn("flag seeding failed", zap.String("key", f.setKey), zap.Error(err))
		return err
	}
	if added > 0 {
		f.logger.Info("flags seeded from config", zap.String("key", f.setKey), zap.Int64("added", added))
	}
	return nil
}
