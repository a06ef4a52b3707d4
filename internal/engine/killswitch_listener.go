package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// StartListener подписывается на сигналы "agentID:true|false" и обновляет L1.
// Блокируется до отмены ctx.
func (f *AgentFlags) StartListener(ctx context.Context) {
	if f.rdb == nil {
		return
	}
	f.logger.Info("flag listener started", zap.String("chan", f.channel))
	ListenStateResilient(ctx, f.rdb, f.logger, f.channel,
		func() error { return f.Init(ctx) },
		f.Mark,
	)
}

// Set переключает флаг агента: локальный кэш, Redis set и сигнал остальным узлам.
func (f *AgentFlags) Set(ctx context.Context, agentID string, on bool) error {
	f.Mark(agentID, on)
	if f.rdb == nil {
		return nil
	}

	var err error
	if on {
		err = f.rdb.SAdd(ctx, f.setKey, agentID).Err()
	} else {
		err = f.rdb.SRem(ctx, f.setKey, agentID).Err()
	}
	if err != nil {
		return fmt.Errorf("%s: update %s: %w", f.name, f.setKey, err)
	}

	payload := fmt.Sprintf("%s:%t", agentID, on)
	if err := f.rdb.Publish(ctx, f.channel, payload).Err(); err != nil {
		// Остальные узлы подтянут состояние при следующем Init
		f.logger.Warn("runtime signal delivery failed", zap.String("chan", f.channel), zap.Error(err))
	}
	f.logger.Info("agent flag updated", zap.String("agent_id", agentID), zap.Bool("on", on))
	return nil
}
