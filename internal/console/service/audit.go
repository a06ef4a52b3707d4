package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-browserops/internal/audit"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// AuditLogProvider описывает контракт для чтения данных аудита
type AuditLogProvider interface {
	GetExecution(ctx context.Context, id string) (*domain.TaskExecution, error)
	ListCommandLog(ctx context.Context, executionID string) ([]domain.CommandLogEntry, error)
}

// AuditReport — результат проверки хеш-цепочки журнала выполнения
type AuditReport struct {
	ExecutionID string `json:"execution_id"`
	Entries     int    `json:"entries"`
	Valid       bool   `json:"valid"`
	Error       string `json:"error,omitempty"`
	LastHash    string `json:"last_hash,omitempty"`
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{
		repo: repo,
	}
}

// Verify перечитывает журнал из хранилища и проверяет цепочку.
// Записи пишутся асинхронно, свежий хвост может еще лежать в буфере.
func (s *AuditService) Verify(ctx context.Context, userID, executionID string) (*AuditReport, error) {
	exec, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.UserID != userID {
		return nil, fmt.Errorf("execution %s: %w", executionID, domain.ErrNotFound)
	}

	entries, err := s.repo.ListCommandLog(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	report := &AuditReport{ExecutionID: executionID, Entries: len(entries), Valid: true}
	if err := audit.VerifyChain(entries); err != nil {
		report.Valid = false
		report.Error = err.Error()
		return report, nil
	}
	if n := len(entries); n > 0 {
		report.LastHash = entries[n-1].Hash
	}
	return report, nil
}
