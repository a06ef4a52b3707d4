package domain

import "time"

// CommandStatus — статус подписанной команды
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"   // Создана или ждет подтверждения
	CommandSent      CommandStatus = "sent"      // Ушла в расширение, ждем ответ
	CommandSuccess   CommandStatus = "success"   // Расширение подтвердило выполнение
	CommandFailed    CommandStatus = "failed"    // Ошибка выполнения, таймаут или недоступность
	CommandRejected  CommandStatus = "rejected"  // Отклонена политикой или пользователем
	CommandSuggested CommandStatus = "suggested" // Только предложение, в расширение не отправлялась
	CommandCancelled CommandStatus = "cancelled" // Отменена пользователем
)

// Command — подписанная единица работы, пересекающая границу доверия.
// После подписи не меняется (кроме статуса); повтор всегда создает новую команду с новым RequestID.
type Command struct {
	RequestID   string         `json:"request_id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	AgentID     string         `json:"agent_id"`
	UserID      string         `json:"user_id"`
	Capability  string         `json:"capability"`
	Args        map[string]any `json:"args"`
	Signature   string         `json:"signature,omitempty"`
	Status      CommandStatus  `json:"status"`
	IssuedAt    time.Time      `json:"issued_at"`
}

// Envelope — то, что реально уходит в расширение
func (c *Command) Envelope() CommandEnvelope {
	return CommandEnvelope{
		RequestID:  c.RequestID,
		Capability: c.Capability,
		Args:       c.Args,
		Signature:  c.Signature,
	}
}

// CommandEnvelope — подписанный payload для расширения
type CommandEnvelope struct {
	RequestID  string         `json:"request_id"`
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
	Signature  string         `json:"signature"`
}

// CommandResult — ответ расширения на команду
type CommandResult struct {
	RequestID string         `json:"request_id"`
	Success   bool           `json:"success"`
	Method    string         `json:"method,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Событие жизненного цикла команды в журнале аудита
type CommandEvent string

const (
	EventIssued     CommandEvent = "issued"
	EventHeld       CommandEvent = "held"
	EventApproved   CommandEvent = "approved"
	EventRejected   CommandEvent = "rejected"
	EventSuggested  CommandEvent = "suggested"
	EventDispatched CommandEvent = "dispatched"
	EventSucceeded  CommandEvent = "succeeded"
	EventFailed     CommandEvent = "failed"
	EventTimedOut   CommandEvent = "timed_out"
	EventCancelled  CommandEvent = "cancelled"
)

// CommandLogEntry — запись append-only журнала. После записи не меняется и не удаляется.
// PrevHash/Hash образуют цепочку, по которой обнаруживается подмена записей.
type CommandLogEntry struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	TraceID     string         `json:"trace_id"`
	RequestID   string         `json:"request_id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	UserID      string         `json:"user_id"`
	AgentID     string         `json:"agent_id"`
	Capability  string         `json:"capability"`
	Event       CommandEvent   `json:"event"`
	Status      CommandStatus  `json:"status"`
	Args        map[string]any `json:"args,omitempty"`
	Signature   string         `json:"signature,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	DurationMs  int64          `json:"duration_ms"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}
