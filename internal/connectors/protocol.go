package connectors

import (
	"context"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// Типы сообщений WebSocket-протокола расширения (JSON, текстовые фреймы)
const (
	MsgReady        = "ready"         // шлюз -> расширение: сессия принята
	MsgCommand      = "command"       // шлюз -> расширение: подписанный конверт
	MsgHeartbeatAck = "heartbeat_ack" // шлюз -> расширение
	MsgHeartbeat    = "heartbeat"     // расширение -> шлюз
	MsgResult       = "result"        // расширение -> шлюз: результат команды
)

type Message struct {
	Type       string                  `json:"type"`
	InstanceID string                  `json:"instance_id,omitempty"`
	Command    *domain.CommandEnvelope `json:"command,omitempty"`
	Result     *domain.CommandResult   `json:"result,omitempty"`
}

// Transport — доставка конверта в экземпляр расширения с ожиданием результата.
// Все реализации пакета (Hub, Router, GRPCAdapter, Simulator) взаимозаменяемы.
type Transport interface {
	Send(ctx context.Context, instanceID string, env domain.CommandEnvelope) (*domain.CommandResult, error)
}
