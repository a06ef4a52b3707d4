package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

func actions(plan *domain.TaskPlan) []string {
	out := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		out = append(out, s.Action)
	}
	return out
}

func TestRulePlannerDecomposesSequence(t *testing.T) {
	p := NewRulePlanner()
	plan, err := p.Plan(context.Background(),
		`Open Gmail, then compose a reply "Thanks, see you Monday" to bob@example.com and then send it`,
		Context{UserID: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"navigate", "fill", "send"}, actions(plan))
	for i, s := range plan.Steps {
		assert.Equal(t, "gmail", s.Platform, "step %d inherits platform", i+1)
		assert.NotEmpty(t, s.Target)
	}
	assert.Equal(t, "step-1", plan.Steps[0].ID)
	assert.Equal(t, "step-3", plan.Steps[2].ID)
	assert.Equal(t, "Thanks, see you Monday", plan.Steps[1].Params["value"])
	assert.Equal(t, "bob@example.com", plan.Steps[1].Params["recipient"])

	// Точка и "then" внутри кавычек — часть текста письма, а не граница шага
	plan, err = p.Plan(context.Background(),
		`Open gmail then send an email to bob@example.com saying "Hi Bob. See you then"`,
		Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{"navigate", "send"}, actions(plan))
	assert.Equal(t, "Hi Bob. See you then", plan.Steps[1].Params["value"])
	assert.Equal(t, "bob@example.com", plan.Steps[1].Params["recipient"])
	assert.Equal(t, "gmail", plan.Steps[1].Platform)

	// Апостроф в слове не открывает цитату
	plan, err = p.Plan(context.Background(), "open bob's profile on linkedin then like the latest post", Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{"navigate", "click"}, actions(plan))
}

func TestRulePlannerSentencesAndURLs(t *testing.T) {
	p := NewRulePlanner()
	plan, err := p.Plan(context.Background(),
		"Go to https://www.linkedin.com/feed. Then like the first post; post a comment",
		Context{})
	require.NoError(t, err)

	assert.Equal(t, []string{"navigate", "click", "send"}, actions(plan))
	assert.Equal(t, "https://www.linkedin.com/feed", plan.Steps[0].Target)
	assert.Equal(t, "linkedin", plan.Steps[0].Platform)
	assert.Equal(t, "linkedin", plan.Steps[2].Platform)
}

func TestRulePlannerHighRiskVerbs(t *testing.T) {
	p := NewRulePlanner()
	plan, err := p.Plan(context.Background(), "open paypal then pay the invoice from ACME", Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{"navigate", "payment"}, actions(plan))
	assert.Equal(t, "paypal", plan.Steps[1].Platform)

	plan, err = p.Plan(context.Background(), "sign the NDA in docusign", Context{})
	require.NoError(t, err)
	assert.Equal(t, "legal_signing", plan.Steps[0].Action)
	assert.Equal(t, "docusign", plan.Steps[0].Platform)
}

func TestRulePlannerUsesBrowserContext(t *testing.T) {
	p := NewRulePlanner()
	plan, err := p.Plan(context.Background(), "extract the unread subjects", Context{URL: "https://mail.google.com/mail/u/0"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "gmail", plan.Steps[0].Platform)
	assert.Equal(t, "the unread subjects", plan.Steps[0].Target)
}

func TestRulePlannerExtraPlatforms(t *testing.T) {
	p := NewRulePlanner("jira")
	plan, err := p.Plan(context.Background(), "open jira", Context{})
	require.NoError(t, err)
	assert.Equal(t, "jira", plan.Steps[0].Platform)
}

func TestRulePlannerFailures(t *testing.T) {
	p := NewRulePlanner()
	for _, text := range []string{"", "   ", "dance with the browser", "open gmail then juggle"} {
		_, err := p.Plan(context.Background(), text, Context{})
		assert.ErrorIs(t, err, domain.ErrPlanningFailed, text)
	}
}

func TestRulePlannerVerbWithoutTarget(t *testing.T) {
	p := NewRulePlanner()
	_, err := p.Plan(context.Background(), "send", Context{})
	assert.ErrorIs(t, err, domain.ErrPlanningFailed)

	plan, err := p.Plan(context.Background(), "send", Context{Platform: "gmail"})
	require.NoError(t, err)
	assert.Equal(t, "gmail", plan.Steps[0].Target)
}
