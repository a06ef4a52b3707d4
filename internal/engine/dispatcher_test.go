package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-browserops/internal/audit"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/policy"
	"github.com/xela07ax/spaceai-browserops/internal/risk"
	"github.com/xela07ax/spaceai-browserops/internal/store/memory"
	"go.uber.org/zap"
)

const (
	testUser     = "user-1"
	testAgent    = "agent-1"
	testInstance = "inst-1"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeTransport struct {
	mu    sync.Mutex
	sent  []domain.CommandEnvelope
	reply func(ctx context.Context, env domain.CommandEnvelope) (*domain.CommandResult, error)
}

func (f *fakeTransport) Send(ctx context.Context, _ string, env domain.CommandEnvelope) (*domain.CommandResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		return reply(ctx, env)
	}
	return &domain.CommandResult{RequestID: env.RequestID, Success: true, Method: "dom", Result: map[string]any{"ok": true}}, nil
}

func (f *fakeTransport) setReply(fn func(ctx context.Context, env domain.CommandEnvelope) (*domain.CommandResult, error)) {
	f.mu.Lock()
	f.reply = fn
	f.mu.Unlock()
}

func (f *fakeTransport) envelopes() []domain.CommandEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CommandEnvelope(nil), f.sent...)
}

// hang — расширение, которое не отвечает
func hang(ctx context.Context, _ domain.CommandEnvelope) (*domain.CommandResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type staticTargets struct {
	instance string
	err      error
}

func (s *staticTargets) ResolveTarget(context.Context, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.instance, nil
}

type harness struct {
	d          *Dispatcher
	st         *memory.Store
	log        *audit.AgentFS
	gate       *MemoryGate
	tr         *fakeTransport
	signer     *Signer
	blocks     *KillSwitchManager
	sandbox    *SandboxManager
	quarantine *QuarantineManager
}

func newHarness(t *testing.T, cfg *domain.AgentConfiguration, tweak ...func(*Deps, *Options)) *harness {
	t.Helper()
	st := memory.New()
	if cfg != nil {
		cfg.UserID, cfg.AgentID = testUser, testAgent
		require.NoError(t, st.SaveAgentConfig(context.Background(), cfg))
	}
	signer, err := NewSigner(testSecret, time.Minute)
	require.NoError(t, err)

	logger := zap.NewNop()
	h := &harness{
		st:         st,
		log:        audit.NewAgentFS(st, logger, audit.Options{FlushInterval: 5 * time.Millisecond}),
		gate:       NewMemoryGate(),
		tr:         &fakeTransport{},
		signer:     signer,
		blocks:     NewKillSwitchManager(nil, logger),
		sandbox:    NewSandboxManager(nil, logger),
		quarantine: NewQuarantineManager(nil, logger),
	}
	h.log.Start()

	deps := Deps{
		Policy:     policy.NewEngine(policy.DefaultRuleSet(), policy.Options{}),
		Configs:    st,
		Targets:    &staticTargets{instance: testInstance},
		Transport:  h.tr,
		Gate:       h.gate,
		Signer:     signer,
		Store:      st,
		Audit:      h.log,
		Blocks:     h.blocks,
		Sandbox:    h.sandbox,
		Quarantine: h.quarantine,
		Limiter:    NewUserRateLimiter(0, 1),
		Logger:     logger,
	}
	opts := Options{CommandTimeout: time.Second, ExecutionTimeout: 10 * time.Second}
	for _, fn := range tweak {
		fn(&deps, &opts)
	}
	h.d = NewDispatcher(deps, opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.d.Shutdown(ctx)
		h.log.Stop()
	})
	return h
}

func (h *harness) start(t *testing.T, plan domain.TaskPlan) *Execution {
	t.Helper()
	x, err := h.d.Execute(context.Background(), &plan, testUser, testAgent)
	require.NoError(t, err)
	return x
}

func (h *harness) wait(t *testing.T, id string) *domain.TaskExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := h.d.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, exec.Status.Terminal(), "status %s", exec.Status)
	return exec
}

func (h *harness) run(t *testing.T, plan domain.TaskPlan) *domain.TaskExecution {
	t.Helper()
	return h.wait(t, h.start(t, plan).ID())
}

func (h *harness) awaitPending(t *testing.T) domain.ApprovalRequest {
	t.Helper()
	var pending []domain.ApprovalRequest
	require.Eventually(t, func() bool {
		pending, _ = h.gate.Pending(context.Background(), testUser)
		return len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return pending[0]
}

func (h *harness) awaitStatus(t *testing.T, id string, status domain.ExecutionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		exec, err := h.st.GetExecution(context.Background(), id)
		return err == nil && exec.Status == status
	}, 2*time.Second, 5*time.Millisecond)
}

// events сбрасывает журнал, проверяет хеш-цепочку выполнения и возвращает события по порядку
func (h *harness) events(t *testing.T, executionID string) []domain.CommandEvent {
	t.Helper()
	h.log.Stop()
	entries, err := h.st.ListCommandLog(context.Background(), executionID)
	require.NoError(t, err)
	require.NoError(t, audit.VerifyChain(entries))
	out := make([]domain.CommandEvent, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}
	return out
}

func gmailPlan(steps ...domain.Step) domain.TaskPlan {
	return domain.TaskPlan{Description: "gmail task", Steps: steps}
}

func TestAutonomousPlanCompletes(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate", "extract"}})

	exec := h.run(t, gmailPlan(
		domain.Step{Action: "navigate", Target: "https://mail.google.com"},
		domain.Step{Action: "extract", Target: "inbox", Platform: "gmail", Params: map[string]any{"selector": ".thread"}},
	))

	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Empty(t, exec.ErrorKind)
	require.NotNil(t, exec.CompletedAt)
	for _, id := range []string{"step-1", "step-2"} {
		r := exec.Results[id]
		assert.Equal(t, domain.StepSucceeded, r.Status, id)
		assert.Equal(t, "gmail", r.Platform)
		assert.Equal(t, domain.AutonomyAutonomous, r.Autonomy)
		assert.Equal(t, domain.DecisionAllow, r.Decision)
		assert.Equal(t, "dom", r.Method)
	}

	sent := h.tr.envelopes()
	require.Len(t, sent, 2)
	assert.NotEqual(t, sent[0].RequestID, sent[1].RequestID)
	assert.Equal(t, "navigate", sent[0].Capability)
	assert.Equal(t, ".thread", sent[1].Args["selector"])
	for _, env := range sent {
		claims, err := h.signer.Verify(env.Signature, testInstance, env)
		require.NoError(t, err)
		assert.Equal(t, testUser, claims.Subject)
	}

	assert.Equal(t, []domain.CommandEvent{
		domain.EventIssued, domain.EventDispatched, domain.EventSucceeded,
		domain.EventIssued, domain.EventDispatched, domain.EventSucceeded,
	}, h.events(t, exec.ID))
}

func TestPolicyDenyFailsFast(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate", "payment"}})

	exec := h.run(t, domain.TaskPlan{Description: "pay", Steps: []domain.Step{
		{Action: "navigate", Target: "https://www.paypal.com"},
		{Action: "payment", Target: "https://www.paypal.com/send", Params: map[string]any{"amount": 10}},
		{Action: "navigate", Target: "https://www.paypal.com/summary"},
	}})

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "PolicyDenied", exec.ErrorKind)
	assert.Equal(t, domain.StepSucceeded, exec.Results["step-1"].Status)
	assert.Equal(t, domain.StepRejected, exec.Results["step-2"].Status)
	assert.Equal(t, domain.DecisionDeny, exec.Results["step-2"].Decision)
	assert.Equal(t, domain.StepSkipped, exec.Results["step-3"].Status)
	assert.Len(t, h.tr.envelopes(), 1)

	events := h.events(t, exec.ID)
	assert.Equal(t, domain.EventRejected, events[len(events)-1])
}

func TestSuggestStopsDispatchForRemainingSteps(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate"}})

	exec := h.run(t, gmailPlan(
		domain.Step{Action: "navigate", Target: "https://mail.google.com"},
		domain.Step{Action: "send", Target: "https://mail.google.com", Params: map[string]any{"recipient": "bob@example.com"}},
		domain.Step{Action: "navigate", Target: "https://mail.google.com/sent"},
	))

	assert.Equal(t, domain.ExecutionSuggested, exec.Status)
	assert.Equal(t, domain.StepSucceeded, exec.Results["step-1"].Status)
	assert.Equal(t, domain.StepSuggested, exec.Results["step-2"].Status)
	assert.Equal(t, domain.AutonomySuggest, exec.Results["step-2"].Autonomy)
	assert.Equal(t, domain.StepSuggested, exec.Results["step-3"].Status)
	assert.Len(t, h.tr.envelopes(), 1)
}

func TestMissingConfigurationSuggestsEverything(t *testing.T) {
	h := newHarness(t, nil)

	exec := h.run(t, gmailPlan(domain.Step{Action: "navigate", Target: "https://mail.google.com"}))

	assert.Equal(t, domain.ExecutionSuggested, exec.Status)
	assert.Empty(t, h.tr.envelopes())
	assert.Equal(t, []domain.CommandEvent{domain.EventIssued, domain.EventSuggested}, h.events(t, exec.ID))
}

func TestPolicyConfirmationHoldsUntilApproved(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"send"}})

	x := h.start(t, domain.TaskPlan{Description: "message", Steps: []domain.Step{
		{Action: "send", Target: "https://www.linkedin.com/messaging", Params: map[string]any{"text": "hi"}},
	}})

	approval := h.awaitPending(t)
	assert.Equal(t, x.ID(), approval.ExecutionID)
	assert.Equal(t, "linkedin", approval.Platform)
	assert.Equal(t, "send", approval.Capability)
	assert.Equal(t, "hi", approval.Args["text"])
	h.awaitStatus(t, x.ID(), domain.ExecutionAwaitingConfirmation)
	assert.Empty(t, h.tr.envelopes(), "held command must not reach the extension")

	require.NoError(t, h.gate.Decide(context.Background(), approval.ID, Decision{Approved: true, ReviewerID: testUser}))

	exec := h.wait(t, x.ID())
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Equal(t, domain.DecisionConfirm, exec.Results["step-1"].Decision)
	assert.Equal(t, approval.ID, exec.Results["step-1"].ApprovalID)

	sent := h.tr.envelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, approval.RequestID, sent[0].RequestID)
	assert.Equal(t, 0, h.gate.Len())

	assert.Equal(t, []domain.CommandEvent{
		domain.EventIssued, domain.EventHeld, domain.EventApproved, domain.EventDispatched, domain.EventSucceeded,
	}, h.events(t, x.ID()))
}

func TestConfirmationRejected(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate"}, ConfirmTasks: []string{"send"}})

	x := h.start(t, gmailPlan(
		domain.Step{Action: "send", Target: "https://mail.google.com"},
		domain.Step{Action: "navigate", Target: "https://mail.google.com/sent"},
	))
	approval := h.awaitPending(t)
	require.NoError(t, h.gate.Decide(context.Background(), approval.ID, Decision{Approved: false}))

	exec := h.wait(t, x.ID())
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "ConfirmationDenied", exec.ErrorKind)
	assert.Equal(t, domain.StepRejected, exec.Results["step-1"].Status)
	assert.Equal(t, domain.AutonomyConfirm, exec.Results["step-1"].Autonomy)
	assert.Equal(t, domain.StepSkipped, exec.Results["step-2"].Status)
	assert.Empty(t, h.tr.envelopes())

	err := h.gate.Decide(context.Background(), approval.ID, Decision{Approved: true})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConfirmationTimeoutAutoDenies(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{ConfirmTasks: []string{"send"}}, func(_ *Deps, o *Options) {
		o.ConfirmTimeout = 30 * time.Millisecond
	})

	exec := h.run(t, gmailPlan(domain.Step{Action: "send", Target: "https://mail.google.com"}))

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "ConfirmationTimeout", exec.ErrorKind)
	assert.Equal(t, domain.StepRejected, exec.Results["step-1"].Status)
	assert.Equal(t, 0, h.gate.Len())
	assert.Empty(t, h.tr.envelopes())
}

func TestCommandTimeoutThenResubmitUsesNewRequestIDs(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate"}}, func(_ *Deps, o *Options) {
		o.CommandTimeout = 30 * time.Millisecond
	})
	h.tr.setReply(hang)
	plan := gmailPlan(domain.Step{Action: "navigate", Target: "https://mail.google.com"})

	first := h.run(t, plan)
	assert.Equal(t, domain.ExecutionFailed, first.Status)
	assert.Equal(t, "Timeout", first.ErrorKind)
	assert.Equal(t, domain.StepFailed, first.Results["step-1"].Status)

	h.tr.setReply(nil)
	second := h.run(t, plan)
	assert.Equal(t, domain.ExecutionCompleted, second.Status)
	assert.NotEqual(t, first.ID, second.ID)

	sent := h.tr.envelopes()
	require.Len(t, sent, 2)
	assert.NotEqual(t, sent[0].RequestID, sent[1].RequestID)
	assert.Equal(t, first.Results["step-1"].RequestID, sent[0].RequestID)

	assert.Equal(t, []domain.CommandEvent{domain.EventIssued, domain.EventDispatched, domain.EventTimedOut}, h.events(t, first.ID))
}

func TestCancelInFlightIgnoresResult(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate"}})
	h.tr.setReply(hang)

	x := h.start(t, gmailPlan(
		domain.Step{Action: "navigate", Target: "https://mail.google.com"},
		domain.Step{Action: "navigate", Target: "https://mail.google.com/sent"},
	))
	require.Eventually(t, func() bool { return len(h.tr.envelopes()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.d.Cancel(context.Background(), x.ID()))
	exec := h.wait(t, x.ID())

	assert.Equal(t, domain.ExecutionCancelled, exec.Status)
	assert.Equal(t, "Cancelled", exec.ErrorKind)
	assert.Equal(t, domain.StepCancelled, exec.Results["step-1"].Status)
	assert.Equal(t, domain.StepSkipped, exec.Results["step-2"].Status)
	assert.Len(t, h.tr.envelopes(), 1)

	// Повторная отмена завершенного выполнения — no-op
	require.NoError(t, h.d.Cancel(context.Background(), x.ID()))
	assert.ErrorIs(t, h.d.Cancel(context.Background(), "missing"), domain.ErrNotFound)
}

func TestCancelWhileAwaitingConfirmation(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{ConfirmTasks: []string{"send"}})

	x := h.start(t, gmailPlan(domain.Step{Action: "send", Target: "https://mail.google.com"}))
	h.awaitPending(t)

	require.NoError(t, h.d.Cancel(context.Background(), x.ID()))
	exec := h.wait(t, x.ID())

	assert.Equal(t, domain.ExecutionCancelled, exec.Status)
	assert.Equal(t, domain.StepCancelled, exec.Results["step-1"].Status)
	assert.Equal(t, 0, h.gate.Len())
	assert.Empty(t, h.tr.envelopes())
}

func TestOptionalStepFailureYieldsPartiallyFailed(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate", "click"}})
	h.tr.setReply(func(_ context.Context, env domain.CommandEnvelope) (*domain.CommandResult, error) {
		if env.Capability == "click" {
			return &domain.CommandResult{RequestID: env.RequestID, Success: false, Error: "selector not found"}, nil
		}
		return &domain.CommandResult{RequestID: env.RequestID, Success: true}, nil
	})

	exec := h.run(t, gmailPlan(
		domain.Step{Action: "click", Target: "https://mail.google.com", Params: map[string]any{"selector": "#promo"}, Optional: true},
		domain.Step{Action: "navigate", Target: "https://mail.google.com/sent"},
	))

	assert.Equal(t, domain.ExecutionPartiallyFailed, exec.Status)
	assert.Equal(t, domain.StepFailed, exec.Results["step-1"].Status)
	assert.Equal(t, "CommandFailed", exec.Results["step-1"].ErrorKind)
	assert.Contains(t, exec.Results["step-1"].Error, "selector not found")
	assert.Equal(t, domain.StepSucceeded, exec.Results["step-2"].Status)
}

func TestNoActivePairing(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate"}}, func(d *Deps, _ *Options) {
		d.Targets = &staticTargets{err: domain.ErrNoActivePairing}
	})

	exec := h.run(t, gmailPlan(domain.Step{Action: "navigate", Target: "https://mail.google.com"}))

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "NoActivePairing", exec.ErrorKind)
	assert.Empty(t, h.tr.envelopes())
}

func TestKillSwitchRejectsEvenOptionalSteps(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate"}})
	require.NoError(t, h.blocks.Block(context.Background(), testAgent))

	exec := h.run(t, gmailPlan(
		domain.Step{Action: "navigate", Target: "https://mail.google.com", Optional: true},
		domain.Step{Action: "navigate", Target: "https://mail.google.com/sent"},
	))

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "AgentBlocked", exec.ErrorKind)
	assert.Equal(t, domain.StepRejected, exec.Results["step-1"].Status)
	assert.Equal(t, domain.StepSkipped, exec.Results["step-2"].Status)
	assert.Empty(t, h.tr.envelopes())
}

func TestSandboxSimulatesDelivery(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate"}})
	require.NoError(t, h.sandbox.SetSandbox(context.Background(), testAgent, true))

	exec := h.run(t, gmailPlan(domain.Step{Action: "navigate", Target: "https://mail.google.com"}))

	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Equal(t, "sandbox", exec.Results["step-1"].Method)
	assert.Equal(t, "simulated_success", exec.Results["step-1"].Output["status"])
	assert.Empty(t, h.tr.envelopes())
	assert.Equal(t, []domain.CommandEvent{domain.EventIssued, domain.EventDispatched, domain.EventSucceeded}, h.events(t, exec.ID))
}

func TestQuarantineForcesConfirmation(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate"}})
	require.NoError(t, h.quarantine.SetQuarantine(context.Background(), testAgent, true))

	x := h.start(t, gmailPlan(domain.Step{Action: "navigate", Target: "https://mail.google.com"}))
	approval := h.awaitPending(t)
	require.NoError(t, h.gate.Decide(context.Background(), approval.ID, Decision{Approved: false, Comment: "quarantined"}))

	exec := h.wait(t, x.ID())
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "ConfirmationDenied", exec.ErrorKind)
	assert.Equal(t, domain.AutonomyConfirm, exec.Results["step-1"].Autonomy)
}

func TestRiskThresholdHoldsAutonomousStep(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate"}}, func(d *Deps, _ *Options) {
		d.Risk = risk.NewAnalyzer(map[string]float64{"amount": 100}, zap.NewNop())
	})

	x := h.start(t, gmailPlan(
		domain.Step{Action: "navigate", Target: "https://mail.google.com", Params: map[string]any{"amount": 50.0}},
		domain.Step{Action: "navigate", Target: "https://mail.google.com/#inbox", Params: map[string]any{"amount": 500.0}},
	))
	approval := h.awaitPending(t)
	assert.Equal(t, "step-2", approval.StepID)
	assert.Contains(t, approval.Reason, "exceeds threshold")
	require.NoError(t, h.gate.Decide(context.Background(), approval.ID, Decision{Approved: true, ReviewerID: testUser}))

	exec := h.wait(t, x.ID())
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Len(t, h.tr.envelopes(), 2)
}

func TestAllowedToolsRestrictPlatforms(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate"}, AllowedTools: []string{"gmail"}})

	exec := h.run(t, domain.TaskPlan{Description: "open linkedin", Steps: []domain.Step{
		{Action: "navigate", Target: "https://www.linkedin.com/feed"},
	}})

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "PolicyDenied", exec.ErrorKind)
	assert.Contains(t, exec.Results["step-1"].Error, "allowed tools")
}

func TestUnknownPlatformFollowsDefault(t *testing.T) {
	cfg := &domain.AgentConfiguration{AutonomousTasks: []string{"navigate"}}
	plan := domain.TaskPlan{Description: "open wiki", Steps: []domain.Step{{Action: "navigate", Target: "https://wiki.example.org"}}}

	open := newHarness(t, cfg)
	assert.Equal(t, domain.ExecutionCompleted, open.run(t, plan).Status)

	closed := newHarness(t, cfg, func(d *Deps, _ *Options) {
		d.Policy = policy.NewEngine(policy.DefaultRuleSet(), policy.Options{UnknownPlatform: domain.DecisionDeny})
	})
	exec := closed.run(t, plan)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "PolicyDenied", exec.ErrorKind)
}

func TestExecuteValidatesPlan(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.d.Execute(ctx, &domain.TaskPlan{Description: "empty"}, testUser, testAgent)
	assert.ErrorIs(t, err, domain.ErrPlanningFailed)

	_, err = h.d.Execute(ctx, &domain.TaskPlan{Steps: []domain.Step{{Action: "navigate"}}}, testUser, testAgent)
	assert.ErrorIs(t, err, domain.ErrPlanningFailed)

	dup := &domain.TaskPlan{Steps: []domain.Step{
		{ID: "a", Action: "navigate", Target: "gmail.com"},
		{ID: "a", Action: "extract", Target: "gmail.com"},
	}}
	_, err = h.d.Execute(ctx, dup, testUser, testAgent)
	assert.ErrorIs(t, err, domain.ErrPlanningFailed)

	_, err = h.d.Execute(ctx, &domain.TaskPlan{Steps: []domain.Step{{Action: "navigate", Target: "gmail.com"}}}, "", testAgent)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestConcurrentExecutions(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate", "extract"}})
	plan := gmailPlan(
		domain.Step{Action: "navigate", Target: "https://mail.google.com"},
		domain.Step{Action: "extract", Target: "https://mail.google.com/inbox"},
	)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := plan
			x, err := h.d.Execute(context.Background(), &p, testUser, testAgent)
			if assert.NoError(t, err) {
				ids[i] = x.ID()
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.Equal(t, domain.ExecutionCompleted, h.wait(t, id).Status)
	}
	assert.Len(t, h.tr.envelopes(), 2*n)

	history, err := h.st.ListExecutions(context.Background(), testUser, 100, 0)
	require.NoError(t, err)
	assert.Len(t, history, n)
}

func TestShutdownCancelsRunningExecutions(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{ConfirmTasks: []string{"send"}})

	x := h.start(t, gmailPlan(domain.Step{Action: "send", Target: "https://mail.google.com"}))
	h.awaitPending(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.d.Shutdown(ctx))

	exec, err := h.st.GetExecution(ctx, x.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, exec.Status)

	_, err = h.d.Execute(ctx, &domain.TaskPlan{Steps: []domain.Step{{Action: "send", Target: "gmail.com"}}}, testUser, testAgent)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRequiredMiddleStepFailureStopsPipeline(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate", "fill", "click"}})
	h.tr.setReply(func(_ context.Context, env domain.CommandEnvelope) (*domain.CommandResult, error) {
		if env.Capability == "fill" {
			return &domain.CommandResult{RequestID: env.RequestID, Success: false, Error: "field is read-only"}, nil
		}
		return &domain.CommandResult{RequestID: env.RequestID, Success: true}, nil
	})

	exec := h.run(t, gmailPlan(
		domain.Step{Action: "navigate", Target: "https://mail.google.com"},
		domain.Step{Action: "fill", Target: "https://mail.google.com", Params: map[string]any{"selector": "#to", "value": "bob"}},
		domain.Step{Action: "click", Target: "https://mail.google.com", Params: map[string]any{"selector": "#send"}},
		domain.Step{Action: "navigate", Target: "https://mail.google.com/sent"},
	))

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "CommandFailed", exec.ErrorKind)
	assert.Equal(t, domain.StepSucceeded, exec.Results["step-1"].Status)
	assert.Equal(t, domain.StepFailed, exec.Results["step-2"].Status)
	assert.Equal(t, domain.StepSkipped, exec.Results["step-3"].Status)
	assert.Equal(t, domain.StepSkipped, exec.Results["step-4"].Status)

	sent := h.tr.envelopes()
	require.Len(t, sent, 2)
	assert.Equal(t, "fill", sent[1].Capability)
}

func TestRequiredMiddleStepTimeoutStopsPipeline(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate", "extract"}}, func(_ *Deps, o *Options) {
		o.CommandTimeout = 30 * time.Millisecond
	})
	h.tr.setReply(func(ctx context.Context, env domain.CommandEnvelope) (*domain.CommandResult, error) {
		if env.Capability == "extract" {
			return hang(ctx, env)
		}
		return &domain.CommandResult{RequestID: env.RequestID, Success: true}, nil
	})

	exec := h.run(t, gmailPlan(
		domain.Step{Action: "navigate", Target: "https://mail.google.com"},
		domain.Step{Action: "extract", Target: "https://mail.google.com", Params: map[string]any{"selector": ".inbox"}},
		domain.Step{Action: "navigate", Target: "https://mail.google.com/sent"},
	))

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "Timeout", exec.ErrorKind)
	assert.Equal(t, domain.StepFailed, exec.Results["step-2"].Status)
	assert.Equal(t, domain.StepSkipped, exec.Results["step-3"].Status)
	assert.Len(t, h.tr.envelopes(), 2)
}

func TestExecutionTimeoutDuringSendIsReportedAsSuch(t *testing.T) {
	h := newHarness(t, &domain.AgentConfiguration{AutonomousTasks: []string{"navigate"}}, func(_ *Deps, o *Options) {
		o.CommandTimeout = time.Second
		o.ExecutionTimeout = 50 * time.Millisecond
	})
	h.tr.setReply(hang)

	exec := h.run(t, gmailPlan(
		domain.Step{Action: "navigate", Target: "https://mail.google.com"},
		domain.Step{Action: "navigate", Target: "https://mail.google.com/sent"},
	))

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "Timeout", exec.ErrorKind)
	assert.Contains(t, exec.Results["step-1"].Error, "execution exceeded")
	assert.NotContains(t, exec.Results["step-1"].Error, "no result from extension")
	assert.Equal(t, domain.StepSkipped, exec.Results["step-2"].Status)
}

// userTargets — у каждого пользователя свой экземпляр расширения
type userTargets map[string]string

func (u userTargets) ResolveTarget(_ context.Context, userID string) (string, error) {
	if id, ok := u[userID]; ok {
		return id, nil
	}
	return "", domain.ErrNoActivePairing
}

// silentInstanceTransport: inst-silent никогда не отвечает, остальные отвечают сразу
type silentInstanceTransport struct{}

func (silentInstanceTransport) Send(ctx context.Context, instanceID string, env domain.CommandEnvelope) (*domain.CommandResult, error) {
	if instanceID == "inst-silent" {
		return hang(ctx, env)
	}
	return &domain.CommandResult{RequestID: env.RequestID, Success: true}, nil
}

func TestSilentExtensionDoesNotBlockOtherUsers(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps, o *Options) {
		d.Targets = userTargets{"silent": "inst-silent", "healthy": "inst-healthy"}
		d.Transport = NewReliabilityWrapper(silentInstanceTransport{}, BreakerSettings{ConsecutiveFailures: 2, Timeout: time.Minute}, nil, zap.NewNop())
		o.CommandTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()
	for _, user := range []string{"silent", "healthy"} {
		require.NoError(t, h.st.SaveAgentConfig(ctx, &domain.AgentConfiguration{
			UserID: user, AgentID: testAgent, AutonomousTasks: []string{"navigate"},
		}))
	}
	plan := gmailPlan(domain.Step{Action: "navigate", Target: "https://mail.google.com"})

	runAs := func(user string) *domain.TaskExecution {
		p := plan
		x, err := h.d.Execute(ctx, &p, user, testAgent)
		require.NoError(t, err)
		return h.wait(t, x.ID())
	}

	for i := 0; i < 3; i++ {
		exec := runAs("silent")
		assert.Equal(t, domain.ExecutionFailed, exec.Status)
	}
	// После двух таймаутов предохранитель inst-silent открыт
	assert.Equal(t, "DeliveryFailed", runAs("silent").ErrorKind)

	exec := runAs("healthy")
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Empty(t, exec.ErrorKind)
}
