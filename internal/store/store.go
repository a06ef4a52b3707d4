// Package store описывает контракты персистентности.
// Реализации: memory (по умолчанию и в тестах), repository/postgres, repository/sqlite.
package store

import (
	"context"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// ExecutionStore хранит агрегаты TaskExecution.
// UpdateExecution меняет только изменяемые поля: статус, результаты, ошибку и метки времени.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *domain.TaskExecution) error
	UpdateExecution(ctx context.Context, e *domain.TaskExecution) error
	GetExecution(ctx context.Context, id string) (*domain.TaskExecution, error)
	// ListExecutions возвращает историю пользователя, самые свежие первыми
	ListExecutions(ctx context.Context, userID string, limit, offset int) ([]*domain.TaskExecution, error)
}

// CommandLogStore — append-only журнал команд
type CommandLogStore interface {
	// WriteBatch сохраняет пачку записей за один раз. Повторная запись с тем же ID игнорируется.
	WriteBatch(ctx context.Context, entries []domain.CommandLogEntry) error
	ListCommandLog(ctx context.Context, executionID string) ([]domain.CommandLogEntry, error)
}

type PairingStore interface {
	SavePairing(ctx context.Context, rec *domain.PairingRecord) error
	ListPairings(ctx context.Context) ([]domain.PairingRecord, error)
}

type AgentConfigStore interface {
	// GetAgentConfig возвращает domain.ErrNotFound, если настроек нет
	GetAgentConfig(ctx context.Context, userID, agentID string) (*domain.AgentConfiguration, error)
	SaveAgentConfig(ctx context.Context, cfg *domain.AgentConfiguration) error
}

// Store — полный набор таблиц
type Store interface {
	ExecutionStore
	CommandLogStore
	PairingStore
	AgentConfigStore
	Close() error
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NormalizePage приводит limit/offset к допустимым значениям
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
