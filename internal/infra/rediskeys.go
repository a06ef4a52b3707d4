package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "devit"
)

// Ключи для Sets (состояние агентов)
const (
	RedisKeyBlockedAgents    = RedisNamespace + ":agents:blocked_set"
	RedisKeySandboxAgents    = RedisNamespace + ":agents:sandbox_set"
	RedisKeyQuarantineAgents = RedisNamespace + ":agents:quarantine_set"

	// RedisKeyPendingApprovals — hash approval_id -> JSON ApprovalRequest, виден всем узлам шлюза
	RedisKeyPendingApprovals = RedisNamespace + ":approvals:pending"

	// RedisKeyExtensionNodes — hash instance_id -> адрес gRPC-релея узла, держащего сокет расширения
	RedisKeyExtensionNodes = RedisNamespace + ":extensions:nodes"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanApprovalDecisions — префикс каналов решений пользователя по удержанным командам.
	// Полное имя: devit:approvals:execution:{approvalID}
	RedisChanApprovalDecisions = RedisNamespace + ":approvals:execution:"
	RedisChanKillSwitch        = RedisNamespace + ":agents:kill-switch-signal"
	RedisChanSandbox           = RedisNamespace + ":agents:sandbox-signal"
	RedisChanQuarantine        = RedisNamespace + ":agents:quarantine-signal"
)

// ApprovalDecisionChannel — канал решения по конкретному подтверждению
func ApprovalDecisionChannel(approvalID string) string {
	return RedisChanApprovalDecisions + approvalID
}

// GetWarmupLockKey Генератор ключей для блокировок прогрева
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
