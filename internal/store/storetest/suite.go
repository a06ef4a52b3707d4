// Package storetest — общий набор проверок для реализаций store.Store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/store"
)

// Run прогоняет контракт хранилища. newStore должен возвращать пустое хранилище.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("ExecutionLifecycle", func(t *testing.T) { testExecutionLifecycle(t, newStore(t)) })
	t.Run("HistoryOrderAndPaging", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("CommandLogAppendOnly", func(t *testing.T) { testCommandLog(t, newStore(t)) })
	t.Run("Pairings", func(t *testing.T) { testPairings(t, newStore(t)) })
	t.Run("AgentConfig", func(t *testing.T) { testAgentConfig(t, newStore(t)) })
}

func newExecution(id, userID string, created time.Time) *domain.TaskExecution {
	return &domain.TaskExecution{
		ID:        id,
		UserID:    userID,
		AgentID:   "agent-1",
		AgentType: "browser",
		Plan: domain.TaskPlan{
			Description: "open gmail " + id,
			Steps:       []domain.Step{{ID: "step-1", Action: "navigate", Target: "gmail", Platform: "gmail"}},
		},
		Status:    domain.ExecutionPending,
		Results:   map[string]domain.StepResult{},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testExecutionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	e := newExecution("exec-1", "u1", now)
	require.NoError(t, s.CreateExecution(ctx, e))

	done := now.Add(time.Second)
	e.Status = domain.ExecutionCompleted
	e.Results["step-1"] = domain.StepResult{StepID: "step-1", Action: "navigate", Status: domain.StepSucceeded, RequestID: "r1"}
	e.UpdatedAt = done
	e.CompletedAt = &done
	// Попытка переписать неизменяемое поле должна игнорироваться
	e.Plan.Description = "tampered"
	require.NoError(t, s.UpdateExecution(ctx, e))

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
	assert.Equal(t, "open gmail exec-1", got.Plan.Description)
	assert.Equal(t, domain.StepSucceeded, got.Results["step-1"].Status)
	assert.Equal(t, "r1", got.Results["step-1"].RequestID)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, done, *got.CompletedAt, time.Millisecond)

	_, err = s.GetExecution(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	err = s.UpdateExecution(ctx, newExecution("missing", "u1", now))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func testHistory(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateExecution(ctx, newExecution(fmt.Sprintf("e%d", i), "u1", base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.CreateExecution(ctx, newExecution("other", "u2", base.Add(time.Hour))))

	list, err := s.ListExecutions(ctx, "u1", 3, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"e4", "e3", "e2"}, ids(list))

	list, err = s.ListExecutions(ctx, "u1", 3, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e0"}, ids(list))

	list, err = s.ListExecutions(ctx, "nobody", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func ids(list []*domain.TaskExecution) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID)
	}
	return out
}

func testCommandLog(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	entries := []domain.CommandLogEntry{
		{ID: "l1", Seq: 1, RequestID: "r1", ExecutionID: "exec-1", Capability: "navigate", Event: domain.EventIssued, Status: domain.CommandPending, Timestamp: now, Hash: "h1"},
		{ID: "l2", Seq: 2, RequestID: "r1", ExecutionID: "exec-1", Capability: "navigate", Event: domain.EventSucceeded, Status: domain.CommandSuccess, Result: map[string]any{"url": "https://mail.google.com"}, Timestamp: now, PrevHash: "h1", Hash: "h2"},
		{ID: "l3", Seq: 3, RequestID: "r2", ExecutionID: "exec-2", Capability: "send", Event: domain.EventIssued, Status: domain.CommandPending, Timestamp: now, PrevHash: "h2", Hash: "h3"},
	}
	require.NoError(t, s.WriteBatch(ctx, entries))
	// Повтор пачки (ретрай флаша) не дублирует записи
	require.NoError(t, s.WriteBatch(ctx, entries[:2]))

	got, err := s.ListCommandLog(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "l1", got[0].ID)
	assert.Equal(t, domain.EventSucceeded, got[1].Event)
	assert.Equal(t, "https://mail.google.com", got[1].Result["url"])
	assert.Equal(t, "h1", got[1].PrevHash)
}

func testPairings(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &domain.PairingRecord{
		ID:            "p1",
		UserID:        "u1",
		PairingCode:   "ABC123",
		State:         domain.PairingIssued,
		CreatedAt:     now,
		LastSeen:      now,
		CodeExpiresAt: now.Add(10 * time.Minute),
	}
	require.NoError(t, s.SavePairing(ctx, rec))

	rec.State = domain.PairingActive
	rec.Active = true
	rec.ExtensionInstanceID = "ext-1"
	rec.PairingCode = ""
	rec.RedeemedAt = &now
	require.NoError(t, s.SavePairing(ctx, rec))

	list, err := s.ListPairings(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.PairingActive, list[0].State)
	assert.True(t, list[0].Active)
	assert.Equal(t, "ext-1", list[0].ExtensionInstanceID)
	require.NotNil(t, list[0].RedeemedAt)
}

func testAgentConfig(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetAgentConfig(ctx, "u1", "a1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	cfg := &domain.AgentConfiguration{
		UserID:          "u1",
		AgentID:         "a1",
		AutonomousTasks: []string{"navigate"},
		ConfirmTasks:    []string{"send"},
		AllowedTools:    []string{"gmail"},
	}
	require.NoError(t, s.SaveAgentConfig(ctx, cfg))

	got, err := s.GetAgentConfig(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"navigate"}, got.AutonomousTasks)
	assert.Equal(t, []string{"send"}, got.ConfirmTasks)
	assert.Equal(t, domain.AutonomyConfirm, got.LevelFor("send"))

	bad := &domain.AgentConfiguration{UserID: "u1", AgentID: "a1", AutonomousTasks: []string{"send"}, SuggestTasks: []string{"send"}}
	err = s.SaveAgentConfig(ctx, bad)
	assert.True(t, errors.Is(err, domain.ErrInvalidConfig))
}
