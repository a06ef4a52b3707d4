// Package planner раскладывает задачу на естественном языке в упорядоченный TaskPlan.
// Диспетчер зависит только от формы плана, поэтому все реализации возвращают
// исключительно прошедшие Validate планы.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
)

// MaxSteps — верхняя граница длины плана
const MaxSteps = 32

// Context — то, что известно о среде пользователя на момент планирования
type Context struct {
	UserID   string            `json:"user_id,omitempty"`
	Platform string            `json:"platform,omitempty"` // Платформа открытой вкладки
	URL      string            `json:"url,omitempty"`
	Hints    map[string]string `json:"hints,omitempty"`
}

type Planner interface {
	Plan(ctx context.Context, text string, pctx Context) (*domain.TaskPlan, error)
}

// Validate проверяет корректность плана и нормализует его: ID шагов step-1..N,
// глаголы и платформы в нижнем регистре. Любое нарушение — ErrPlanningFailed.
func Validate(plan *domain.TaskPlan) error {
	if plan == nil {
		return fmt.Errorf("%w: empty plan", domain.ErrPlanningFailed)
	}
	plan.Description = strings.TrimSpace(plan.Description)
	if plan.Description == "" {
		return fmt.Errorf("%w: description is required", domain.ErrPlanningFailed)
	}
	if len(plan.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", domain.ErrPlanningFailed)
	}
	if len(plan.Steps) > MaxSteps {
		return fmt.Errorf("%w: plan has %d steps, max %d", domain.ErrPlanningFailed, len(plan.Steps), MaxSteps)
	}
	for i := range plan.Steps {
		s := &plan.Steps[i]
		s.Action = strings.ToLower(strings.TrimSpace(s.Action))
		s.Target = strings.TrimSpace(s.Target)
		s.Platform = strings.ToLower(strings.TrimSpace(s.Platform))
		if s.Action == "" {
			return fmt.Errorf("%w: step %d has no action", domain.ErrPlanningFailed, i+1)
		}
		if s.Target == "" {
			return fmt.Errorf("%w: step %d (%s) has no target", domain.ErrPlanningFailed, i+1, s.Action)
		}
		s.ID = fmt.Sprintf("step-%d", i+1)
	}
	return nil
}

// Fallback пробует Primary и при PlanningFailed переключается на Secondary
type Fallback struct {
	Primary   Planner
	Secondary Planner
	Logger    *zap.Logger
}

func (f *Fallback) Plan(ctx context.Context, text string, pctx Context) (*domain.TaskPlan, error) {
	plan, err := f.Primary.Plan(ctx, text, pctx)
	if err == nil || f.Secondary == nil || !errors.Is(err, domain.ErrPlanningFailed) || ctx.Err() != nil {
		return plan, err
	}
	if f.Logger != nil {
		f.Logger.Warn("primary planner failed, using fallback", zap.String("user_id", pctx.UserID), zap.Error(err))
	}
	return f.Secondary.Plan(ctx, text, pctx)
}
