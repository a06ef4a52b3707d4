package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/engine"
	"go.uber.org/zap"
)

// AgentConfigRepository описывает требования к хранилищу настроек агентов
type AgentConfigRepository interface {
	GetAgentConfig(ctx context.Context, userID, agentID string) (*domain.AgentConfiguration, error)
	SaveAgentConfig(ctx context.Context, cfg *domain.AgentConfiguration) error
}

// FlagSetter — kill-switch, песочница и карантин устроены одинаково
type FlagSetter interface {
	Set(ctx context.Context, agentID string, on bool) error
	Has(agentID string) bool
}

// AgentState — runtime-флаги агента, общие для всех узлов
type AgentState struct {
	AgentID     string `json:"agent_id"`
	Blocked     bool   `json:"blocked"`
	Sandbox     bool   `json:"sandbox"`
	Quarantined bool   `json:"quarantined"`
}

type AgentService struct {
	repo       AgentConfigRepository
	gate       engine.ConfirmationGate
	blocks     FlagSetter
	sandbox    FlagSetter
	quarantine FlagSetter
	logger     *zap.Logger
}

func NewAgentService(
	repo AgentConfigRepository,
	gate engine.ConfirmationGate,
	blocks, sandbox, quarantine FlagSetter,
	logger *zap.Logger,
) *AgentService {
	return &AgentService{
		repo:       repo,
		gate:       gate,
		blocks:     blocks,
		sandbox:    sandbox,
		quarantine: quarantine,
		logger:     logger.Named("agent-service"),
	}
}

// GetConfig возвращает настройки пользователя. Ненастроенный агент — пустые корзины (все suggest).
func (s *AgentService) GetConfig(ctx context.Context, userID, agentID string) (*domain.AgentConfiguration, error) {
	cfg, err := s.repo.GetAgentConfig(ctx, userID, agentID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.AgentConfiguration{
			UserID:          userID,
			AgentID:         agentID,
			AutonomousTasks: []string{},
			ConfirmTasks:    []string{},
			SuggestTasks:    []string{},
			AllowedTools:    []string{},
			Permissions:     []string{},
		}, nil
	}
	if err != nil {
		s.logger.Error("failed to fetch agent config", zap.String("agent_id", agentID), zap.Error(err))
		return nil, err
	}
	return cfg, nil
}

// SaveConfig заменяет настройки целиком. Идентификаторы берутся из пути и токена, не из тела.
func (s *AgentService) SaveConfig(ctx context.Context, userID, agentID string, cfg domain.AgentConfiguration) (*domain.AgentConfiguration, error) {
	cfg.UserID, cfg.AgentID = userID, agentID
	cfg.AutonomousTasks = lowerAll(cfg.AutonomousTasks)
	cfg.ConfirmTasks = lowerAll(cfg.ConfirmTasks)
	cfg.SuggestTasks = lowerAll(cfg.SuggestTasks)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.SaveAgentConfig(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("agent_service: save config: %w", err)
	}
	s.logger.Info("agent config saved",
		zap.String("user_id", userID),
		zap.String("agent_id", agentID),
		zap.Int("autonomous", len(cfg.AutonomousTasks)),
		zap.Int("confirm", len(cfg.ConfirmTasks)),
	)
	return s.repo.GetAgentConfig(ctx, userID, agentID)
}

// updateAgentState — унифицированный механизм переключения флагов.
// Set обновляет L1, Redis set и рассылает сигнал остальным узлам.
func (s *AgentService) updateAgentState(ctx context.Context, flags FlagSetter, agentID string, on bool, actionName string) (*AgentState, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("%w: agent_id is required", domain.ErrInvalidConfig)
	}
	if err := flags.Set(ctx, agentID, on); err != nil {
		s.logger.Error("failed to update agent state",
			zap.String("agent_id", agentID),
			zap.String("action", actionName),
			zap.Error(err))
		return nil, fmt.Errorf("%s: %w", actionName, err)
	}
	s.logger.Info("agent state updated",
		zap.String("agent_id", agentID),
		zap.String("action", actionName),
		zap.Bool("on", on))
	return s.State(agentID), nil
}

func (s *AgentService) BlockAgent(ctx context.Context, id string) (*AgentState, error) {
	return s.updateAgentState(ctx, s.blocks, id, true, "kill-switch-block")
}

func (s *AgentService) UnblockAgent(ctx context.Context, id string) (*AgentState, error) {
	return s.updateAgentState(ctx, s.blocks, id, false, "kill-switch-unblock")
}

func (s *AgentService) SetSandboxMode(ctx context.Context, id string, enabled bool) (*AgentState, error) {
	return s.updateAgentState(ctx, s.sandbox, id, enabled, "sandbox-toggle")
}

func (s *AgentService) SetQuarantine(ctx context.Context, id string, enabled bool) (*AgentState, error) {
	return s.updateAgentState(ctx, s.quarantine, id, enabled, "quarantine-toggle")
}

func (s *AgentService) State(agentID string) *AgentState {
	return &AgentState{
		AgentID:     agentID,
		Blocked:     s.blocks.Has(agentID),
		Sandbox:     s.sandbox.Has(agentID),
		Quarantined: s.quarantine.Has(agentID),
	}
}

// ListApprovals — команды пользователя, ожидающие решения
func (s *AgentService) ListApprovals(ctx context.Context, userID string) ([]domain.ApprovalRequest, error) {
	list, err := s.gate.Pending(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("agent_service: pending approvals: %w", err)
	}
	if list == nil {
		list = []domain.ApprovalRequest{}
	}
	return list, nil
}

// GetApproval отдает только собственные подтверждения
func (s *AgentService) GetApproval(ctx context.Context, userID, approvalID string) (*domain.ApprovalRequest, error) {
	req, err := s.gate.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if req.UserID != userID {
		return nil, fmt.Errorf("approval %s: %w", approvalID, domain.ErrNotFound)
	}
	return req, nil
}

// DecideApproval фиксирует решение пользователя по удержанной команде.
// Решать может только владелец выполнения, он же записывается как reviewer.
func (s *AgentService) DecideApproval(ctx context.Context, userID, approvalID string, approved bool, comment string) error {
	if _, err := s.GetApproval(ctx, userID, approvalID); err != nil {
		return err
	}
	err := s.gate.Decide(ctx, approvalID, engine.Decision{Approved: approved, ReviewerID: userID, Comment: comment})
	if err != nil {
		s.logger.Warn("approval decision rejected",
			zap.String("approval_id", approvalID),
			zap.String("reviewer_id", userID),
			zap.Error(err))
		return err
	}
	s.logger.Info("approval decision processed",
		zap.String("approval_id", approvalID),
		zap.String("reviewer_id", userID),
		zap.Bool("approved", approved))
	return nil
}

func lowerAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, v := range items {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
