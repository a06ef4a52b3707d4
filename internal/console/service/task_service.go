package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/engine"
	"github.com/xela07ax/spaceai-browserops/internal/planner"
	"github.com/xela07ax/spaceai-browserops/internal/store"
	"go.uber.org/zap"
)

// TaskRunner — то, что сервису нужно от диспетчера
type TaskRunner interface {
	Execute(ctx context.Context, plan *domain.TaskPlan, userID, agentID string) (*engine.Execution, error)
	Cancel(ctx context.Context, executionID string) error
}

type TaskHistory interface {
	GetExecution(ctx context.Context, id string) (*domain.TaskExecution, error)
	ListExecutions(ctx context.Context, userID string, limit, offset int) ([]*domain.TaskExecution, error)
	ListCommandLog(ctx context.Context, executionID string) ([]domain.CommandLogEntry, error)
}

// SubmitRequest — текст задачи на естественном языке и то, что известно о вкладке
type SubmitRequest struct {
	Description string          `json:"description"`
	AgentID     string          `json:"agent_id"`
	Context     planner.Context `json:"context"`
}

type SubmitResult struct {
	ExecutionID string        `json:"execution_id"`
	Description string        `json:"description"`
	StepCount   int           `json:"step_count"`
	Steps       []domain.Step `json:"steps"`
}

type TaskService struct {
	planner planner.Planner
	runner  TaskRunner
	history TaskHistory
	agentID string // Агент по умолчанию, если клиент его не указал
	logger  *zap.Logger
}

func NewTaskService(p planner.Planner, runner TaskRunner, history TaskHistory, defaultAgent string, logger *zap.Logger) *TaskService {
	return &TaskService{
		planner: p,
		runner:  runner,
		history: history,
		agentID: defaultAgent,
		logger:  logger.Named("task-service"),
	}
}

// Submit планирует задачу и запускает выполнение. Ответ не ждет исполнения шагов.
func (s *TaskService) Submit(ctx context.Context, userID string, req SubmitRequest) (*SubmitResult, error) {
	text := strings.TrimSpace(req.Description)
	if text == "" {
		return nil, fmt.Errorf("%w: description is empty", domain.ErrPlanningFailed)
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = s.agentID
	}
	pctx := req.Context
	pctx.UserID = userID

	plan, err := s.planner.Plan(ctx, text, pctx)
	if err != nil {
		s.logger.Warn("planning failed", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	x, err := s.runner.Execute(ctx, plan, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}
	snap := x.Snapshot()
	return &SubmitResult{
		ExecutionID: x.ID(),
		Description: snap.Plan.Description,
		StepCount:   len(snap.Plan.Steps),
		Steps:       snap.Plan.Steps,
	}, nil
}

// Get отдает только собственные выполнения. Чужое выглядит как несуществующее.
func (s *TaskService) Get(ctx context.Context, userID, executionID string) (*domain.TaskExecution, error) {
	exec, err := s.history.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.UserID != userID {
		return nil, fmt.Errorf("execution %s: %w", executionID, domain.ErrNotFound)
	}
	return exec, nil
}

func (s *TaskService) History(ctx context.Context, userID string, limit, offset int) ([]domain.ExecutionSummary, error) {
	limit, offset = store.NormalizePage(limit, offset)
	list, err := s.history.ListExecutions(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("task_service: list executions: %w", err)
	}
	out := make([]domain.ExecutionSummary, 0, len(list))
	for _, e := range list {
		out = append(out, e.Summary())
	}
	return out, nil
}

func (s *TaskService) Cancel(ctx context.Context, userID, executionID string) error {
	if _, err := s.Get(ctx, userID, executionID); err != nil {
		return err
	}
	if err := s.runner.Cancel(ctx, executionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// Log — журнал команд выполнения в порядке записи
func (s *TaskService) Log(ctx context.Context, userID, executionID string) ([]domain.CommandLogEntry, error) {
	if _, err := s.Get(ctx, userID, executionID); err != nil {
		return nil, err
	}
	entries, err := s.history.ListCommandLog(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("task_service: command log: %w", err)
	}
	if entries == nil {
		entries = []domain.CommandLogEntry{}
	}
	return entries, nil
}
