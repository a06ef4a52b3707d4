package domain

import (
	"errors"
	"time"
)

// Статусы State Machine подтверждения
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
	StatusExpired  ApprovalStatus = "EXPIRED"
)

var (
	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
)

// ApprovalRequest — команда, задержанная до явного решения пользователя
type ApprovalRequest struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"` // Ссылка на зависший пайплайн
	StepID      string         `json:"step_id"`
	RequestID   string         `json:"request_id"`
	UserID      string         `json:"user_id"`
	AgentID     string         `json:"agent_id"`
	Capability  string         `json:"capability"`
	Platform    string         `json:"platform,omitempty"`
	Args        map[string]any `json:"args,omitempty"` // Данные, которые агент хотел отправить
	Reason      string         `json:"reason,omitempty"`
	Status      ApprovalStatus `json:"status"`

	ReviewerID *string `json:"reviewer_id,omitempty"`
	Comment    *string `json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	if next == StatusPending {
		return ErrInvalidTransition
	}
	return nil
}
