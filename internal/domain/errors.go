package domain

import "errors"

// Таксономия ошибок. Все слои оборачивают их через %w, наверх уходит ErrorKind.
var (
	ErrPlanningFailed      = errors.New("planning failed")
	ErrPolicyDenied        = errors.New("policy denied")
	ErrNoActivePairing     = errors.New("no active pairing")
	ErrTimeout             = errors.New("timeout")
	ErrInvalidCode         = errors.New("invalid pairing code")
	ErrCancelled           = errors.New("cancelled")
	ErrConfirmationDenied  = errors.New("confirmation denied")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrDeliveryFailed      = errors.New("delivery failed")
	ErrCommandFailed       = errors.New("command failed in extension")
	ErrAgentBlocked        = errors.New("agent blocked")
	ErrNotFound            = errors.New("not found")
	ErrInvalidConfig       = errors.New("invalid configuration")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrPlanningFailed, "PlanningFailed"},
	{ErrPolicyDenied, "PolicyDenied"},
	{ErrNoActivePairing, "NoActivePairing"},
	{ErrTimeout, "Timeout"},
	{ErrInvalidCode, "InvalidCode"},
	{ErrCancelled, "Cancelled"},
	{ErrConfirmationDenied, "ConfirmationDenied"},
	{ErrConfirmationTimeout, "ConfirmationTimeout"},
	{ErrDeliveryFailed, "DeliveryFailed"},
	{ErrCommandFailed, "CommandFailed"},
	{ErrAgentBlocked, "AgentBlocked"},
	{ErrNotFound, "NotFound"},
	{ErrInvalidConfig, "InvalidConfig"},
}

// ErrorKind возвращает имя класса ошибки для хранения и API.
// Неизвестные ошибки — "Internal".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}
