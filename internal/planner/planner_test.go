package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		plan *domain.TaskPlan
		ok   bool
	}{
		{"nil", nil, false},
		{"no description", &domain.TaskPlan{Steps: []domain.Step{{Action: "click", Target: "x"}}}, false},
		{"no steps", &domain.TaskPlan{Description: "d"}, false},
		{"empty action", &domain.TaskPlan{Description: "d", Steps: []domain.Step{{Target: "x"}}}, false},
		{"blank target", &domain.TaskPlan{Description: "d", Steps: []domain.Step{{Action: "click", Target: "  "}}}, false},
		{"valid", &domain.TaskPlan{Description: "d", Steps: []domain.Step{{Action: " Click ", Target: "button", Platform: "Gmail"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.plan)
			if !tt.ok {
				assert.ErrorIs(t, err, domain.ErrPlanningFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "step-1", tt.plan.Steps[0].ID)
			assert.Equal(t, "click", tt.plan.Steps[0].Action)
			assert.Equal(t, "gmail", tt.plan.Steps[0].Platform)
		})
	}
}

func TestValidateRejectsOversizedPlan(t *testing.T) {
	plan := &domain.TaskPlan{Description: "d"}
	for i := 0; i <= MaxSteps; i++ {
		plan.Steps = append(plan.Steps, domain.Step{Action: "click", Target: "x"})
	}
	assert.ErrorIs(t, Validate(plan), domain.ErrPlanningFailed)
}

type stubPlanner struct {
	plan  *domain.TaskPlan
	err   error
	calls int
}

func (s *stubPlanner) Plan(context.Context, string, Context) (*domain.TaskPlan, error) {
	s.calls++
	return s.plan, s.err
}

func TestFallback(t *testing.T) {
	good := &domain.TaskPlan{Description: "d", Steps: []domain.Step{{ID: "step-1", Action: "click", Target: "x"}}}

	t.Run("primary succeeds", func(t *testing.T) {
		primary, secondary := &stubPlanner{plan: good}, &stubPlanner{}
		f := &Fallback{Primary: primary, Secondary: secondary, Logger: zap.NewNop()}
		plan, err := f.Plan(context.Background(), "task", Context{})
		require.NoError(t, err)
		assert.Same(t, good, plan)
		assert.Equal(t, 0, secondary.calls)
	})

	t.Run("planning failure falls back", func(t *testing.T) {
		primary := &stubPlanner{err: domain.ErrPlanningFailed}
		secondary := &stubPlanner{plan: good}
		f := &Fallback{Primary: primary, Secondary: secondary, Logger: zap.NewNop()}
		plan, err := f.Plan(context.Background(), "task", Context{})
		require.NoError(t, err)
		assert.Same(t, good, plan)
	})

	t.Run("other errors are returned", func(t *testing.T) {
		boom := errors.New("boom")
		secondary := &stubPlanner{plan: good}
		f := &Fallback{Primary: &stubPlanner{err: boom}, Secondary: secondary}
		_, err := f.Plan(context.Background(), "task", Context{})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, secondary.calls)
	})
}
