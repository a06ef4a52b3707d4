package engine

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// listenResilient — "живучая" подписка: переподключение с экспоненциальным бэкоффом,
// синхронизация состояния после каждого успешного коннекта.
func listenResilient(
	ctx context.Context,
	logger *zap.Logger,
	name string,
	subscribe func(ctx context.Context) *redis.PubSub,
	onReconnect func() error, // Callback для синхронизации при переподключении, может быть nil
	onMessage func(msg *redis.Message),
) {
	for ctx.Err() == nil {
		var pubsub *redis.PubSub
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(0), // До успеха или отмены контекста
			retry.Delay(200*time.Millisecond),
			retry.MaxDelay(10*time.Second),
			retry.DelayType(retry.BackOffDelay),
		)
		err := r.Do(func() error {
			pubsub = subscribe(ctx)
			if _, err := pubsub.Receive(ctx); err != nil {
				pubsub.Close()
				logger.Warn("failed to subscribe", zap.String("chan", name), zap.Error(err))
				return err
			}
			return nil
		})
		if err != nil {
			return // Контекст отменен
		}

		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				logger.Error("sync failed on reconnect", zap.String("chan", name), zap.Error(err))
			}
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg)
			}
		}
		pubsub.Close()
	}
}

// ListenStateResilient слушает сигналы формата "agent_id:status"
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(id string, status bool),
) {
	listenResilient(ctx, logger, channel,
		func(ctx context.Context) *redis.PubSub { return rdb.Subscribe(ctx, channel) },
		onReconnect,
		func(msg *redis.Message) {
			id, status, ok := ParseStateSignal(msg.Payload)
			if !ok {
				logger.Error("invalid signal format", zap.String("payload", msg.Payload))
				return
			}
			onMessage(id, status)
		},
	)
}

// ParseStateSignal разбирает "agent_id:true|false" (также on/off)
func ParseStateSignal(payload string) (string, bool, bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	switch strings.ToLower(payload[i+1:]) {
	case "true", "on":
		return payload[:i], true, true
	case "false", "off":
		return payload[:i], false, true
	}
	return "", false, false
}
