package engine

/*
Dispatcher превращает каждый шаг TaskPlan в подписанную, аудируемую команду для расширения.

Пайплайн шага (строго последовательно внутри одного выполнения):
  kill-switch -> уровень автономии -> allowedTools -> PolicyEngine ->
  deny: команда rejected, выполнение failed (fail-fast) ->
  suggest: шаг и все последующие только предлагаются ->
  confirm: команда удерживается в pending до решения пользователя ->
  выбор экземпляра расширения -> rate limit -> подпись -> отправка с таймаутом -> результат.

Выполнения разных пользователей и задач идут параллельно, каждое в своей горутине.
Повторов нет: после Timeout пользователь перезапускает задачу, что создает новые команды.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/xela07ax/spaceai-browserops/internal/audit"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/policy"
	"github.com/xela07ax/spaceai-browserops/internal/store"
	"go.uber.org/zap"
)

// PolicyEvaluator — составной вердикт PolicyEngine (deny > confirm > allow)
type PolicyEvaluator interface {
	Evaluate(platform, action string) policy.Verdict
}

type AgentConfigProvider interface {
	// GetAgentConfig возвращает domain.ErrNotFound, если пользователь не настраивал агента
	GetAgentConfig(ctx context.Context, userID, agentID string) (*domain.AgentConfiguration, error)
}

type TargetResolver interface {
	ResolveTarget(ctx context.Context, userID string) (string, error)
}

// ExtensionTransport доставляет подписанный конверт в экземпляр расширения и ждет результат.
// Ошибка контекста означает, что результат не пришел вовремя.
type ExtensionTransport interface {
	Send(ctx context.Context, instanceID string, env domain.CommandEnvelope) (*domain.CommandResult, error)
}

type CommandSigner interface {
	Sign(instanceID string, cmd *domain.Command) (string, error)
}

type BlockList interface {
	IsBlocked(agentID string) bool
}

type SandboxList interface {
	IsSandbox(agentID string) bool
}

type QuarantineList interface {
	IsQuarantined(agentID string) bool
}

type RateLimiter interface {
	Wait(ctx context.Context, userID string) error
}

// RiskReviewer — динамическая проверка аргументов: крупная сумма уводит шаг на подтверждение
type RiskReviewer interface {
	Review(capability string, args map[string]any) (bool, string)
}

// Deps — коллабораторы диспетчера. Blocks, Sandbox, Quarantine, Limiter, Risk и Metrics опциональны.
type Deps struct {
	Policy    PolicyEvaluator
	Configs   AgentConfigProvider
	Targets   TargetResolver
	Transport ExtensionTransport
	Gate      ConfirmationGate
	Signer    CommandSigner
	Store     store.ExecutionStore
	Audit     audit.Auditor

	Blocks     BlockList
	Sandbox    SandboxList
	Quarantine QuarantineList
	Limiter    RateLimiter
	Risk       RiskReviewer
	Metrics    *Metrics
	Logger     *zap.Logger
}

type Options struct {
	CommandTimeout   time.Duration // Ожидание результата от расширения
	ConfirmTimeout   time.Duration // 0 — удержание ограничено только ExecutionTimeout
	ExecutionTimeout time.Duration
	AgentType        string
	Now              func() time.Time
}

func (o *Options) setDefaults() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = 30 * time.Minute
	}
	if o.AgentType == "" {
		o.AgentType = "browser"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

var ErrShuttingDown = fmt.Errorf("dispatcher is shutting down: %w", domain.ErrCancelled)

type Dispatcher struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	running map[string]*Execution
	closed  bool
}

func NewDispatcher(deps Deps, opts Options) *Dispatcher {
	opts.setDefaults()
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		deps:    deps,
		opts:    opts,
		logger:  deps.Logger.Named("dispatcher"),
		base:    base,
		stop:    stop,
		running: make(map[string]*Execution),
	}
}

// Execute сохраняет выполнение в статусе pending и запускает пайплайн асинхронно.
// Возвращенный дескриптор обновляется по мере разрешения шагов.
func (d *Dispatcher) Execute(ctx context.Context, plan *domain.TaskPlan, userID, agentID string) (*Execution, error) {
	if userID == "" || agentID == "" {
		return nil, fmt.Errorf("%w: user_id and agent_id are required", domain.ErrInvalidConfig)
	}
	steps, err := normalizeSteps(plan)
	if err != nil {
		return nil, err
	}

	now := d.opts.Now()
	exec := &domain.TaskExecution{
		ID:        uuid.New().String(),
		UserID:    userID,
		AgentID:   agentID,
		AgentType: d.opts.AgentType,
		Plan:      domain.TaskPlan{Description: plan.Description, Steps: steps},
		Status:    domain.ExecutionPending,
		Results:   make(map[string]domain.StepResult, len(steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, s := range steps {
		exec.Results[s.ID] = domain.StepResult{StepID: s.ID, Action: s.Action, Platform: s.Platform, Status: domain.StepPending}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrShuttingDown
	}
	d.mu.Unlock()

	if err := d.deps.Store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}

	// Пайплайн переживает HTTP-запрос, поэтому контекст берется от диспетчера, а не от вызывающего
	runCtx, cancel := context.WithTimeout(d.base, d.opts.ExecutionTimeout)
	x := newExecution(exec.Clone(), TraceIDFromContext(ctx), runCtx, cancel)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		d.finalize(x, domain.ExecutionCancelled, ErrShuttingDown)
		close(x.done)
		return x, nil
	}
	d.running[x.id] = x
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Info("execution started",
		zap.String("execution_id", x.id),
		zap.String("user_id", userID),
		zap.String("agent_id", agentID),
		zap.String("trace_id", x.traceID),
		zap.Int("steps", len(steps)),
	)
	go d.run(x)
	return x, nil
}

// Cancel прерывает выполнение. До отправки шага — статус cancelled; во время отправки
// команда не отзывается, но ее результат игнорируется. Повторный вызов — no-op.
func (d *Dispatcher) Cancel(ctx context.Context, executionID string) error {
	if x, ok := d.Lookup(executionID); ok {
		if x.requestCancel() {
			d.logger.Info("execution cancel requested", zap.String("execution_id", executionID))
		}
		return nil
	}
	// Уже завершено (или живет на другом узле) — проверяем существование
	if _, err := d.deps.Store.GetExecution(ctx, executionID); err != nil {
		return err
	}
	return nil
}

// Lookup возвращает дескриптор выполняющегося пайплайна
func (d *Dispatcher) Lookup(executionID string) (*Execution, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	x, ok := d.running[executionID]
	return x, ok
}

// Wait дожидается терминального статуса и возвращает сохраненное выполнение
func (d *Dispatcher) Wait(ctx context.Context, executionID string) (*domain.TaskExecution, error) {
	if x, ok := d.Lookup(executionID); ok {
		select {
		case <-x.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.deps.Store.GetExecution(ctx, executionID)
}

// Shutdown отменяет все пайплайны и ждет, пока они сохранят финальный статус
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	active := make([]*Execution, 0, len(d.running))
	for _, x := range d.running {
		active = append(active, x)
	}
	d.mu.Unlock()

	for _, x := range active {
		x.requestCancel()
	}
	d.stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher stopped", zap.Int("interrupted", len(active)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stepOutcome — итог шага для решения о продолжении пайплайна
type stepOutcome struct {
	status domain.StepStatus
	err    error
	fatal  bool // Останавливает пайплайн даже для optional-шага
}

func (d *Dispatcher) run(x *Execution) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.running, x.id)
		d.mu.Unlock()
		x.cancel()
		close(x.done)
	}()

	ctx := WithTraceID(x.ctx, x.traceID)
	d.persist(x.update(d.opts.Now(), func(e *domain.TaskExecution) { e.Status = domain.ExecutionInProgress }))

	cfg, err := d.deps.Configs.GetAgentConfig(ctx, x.userID, x.agentID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		d.finalize(x, domain.ExecutionFailed, fmt.Errorf("load agent configuration: %w", err))
		return
	}
	// Нет настроек — все глаголы в suggest

	var (
		failErr        error
		cancelled      bool
		suggested      bool
		optionalFailed bool
	)
	steps := x.Snapshot().Plan.Steps

loop:
	for _, step := range steps {
		if suggested {
			d.suggestOnly(x, step)
			continue
		}
		out := d.runStep(ctx, x, cfg, step)
		switch out.status {
		case domain.StepSucceeded:
		case domain.StepSuggested:
			suggested = true
		case domain.StepCancelled:
			cancelled = true
			break loop
		default:
			if step.Optional && !out.fatal {
				optionalFailed = true
				continue
			}
			failErr = out.err
			break loop
		}
	}

	switch {
	case cancelled:
		d.finalize(x, domain.ExecutionCancelled, domain.ErrCancelled)
	case failErr != nil:
		d.finalize(x, domain.ExecutionFailed, failErr)
	case suggested:
		d.finalize(x, domain.ExecutionSuggested, nil)
	case optionalFailed:
		d.finalize(x, domain.ExecutionPartiallyFailed, nil)
	default:
		d.finalize(x, domain.ExecutionCompleted, nil)
	}
}

func (d *Dispatcher) runStep(ctx context.Context, x *Execution, cfg *domain.AgentConfiguration, step domain.Step) stepOutcome {
	platform := step.Platform
	if platform == "" {
		platform = policy.PlatformFromTarget(step.Target)
	}
	cmd := d.newCommand(x, step, platform)
	started := d.opts.Now()

	d.persist(x.setStep(started, step.ID, func(r *domain.StepResult) {
		r.Platform = platform
		r.RequestID = cmd.RequestID
		r.StartedAt = &started
	}))
	d.record(x, cmd, domain.EventIssued, nil, "", 0)

	if ctx.Err() != nil {
		return d.interrupt(ctx, x, cmd, step, started)
	}

	// 1. Kill-switch (самый дешевый - in-memory)
	if d.deps.Blocks != nil && d.deps.Blocks.IsBlocked(x.agentID) {
		return d.reject(x, cmd, step, started, fmt.Errorf("%w: agent %s is blocked", domain.ErrAgentBlocked, x.agentID), true)
	}

	// 2. Уровень автономии; карантин принудительно отправляет на подтверждение
	level := cfg.LevelFor(step.Action)
	if level == domain.AutonomyAutonomous && d.deps.Quarantine != nil && d.deps.Quarantine.IsQuarantined(x.agentID) {
		level = domain.AutonomyConfirm
	}

	// 3. Разрешенные агенту платформы
	if !cfg.ToolAllowed(platform) {
		return d.reject(x, cmd, step, started,
			fmt.Errorf("%w: platform %q is not in the agent's allowed tools", domain.ErrPolicyDenied, platform), true)
	}

	// 4. Policy Enforcement
	verdict := d.deps.Policy.Evaluate(platform, step.Action)
	d.deps.Metrics.PolicyDecisions.WithLabelValues(string(verdict.Decision)).Inc()
	d.persist(x.setStep(d.opts.Now(), step.ID, func(r *domain.StepResult) {
		r.Autonomy = level
		r.Decision = verdict.Decision
	}))
	if verdict.Decision == domain.DecisionDeny {
		return d.reject(x, cmd, step, started, fmt.Errorf("%w: %s", domain.ErrPolicyDenied, verdict.Reason), true)
	}

	// 5. Suggest — расширение не трогаем
	if level == domain.AutonomySuggest {
		return d.settle(x, cmd, step, settlement{
			step:    domain.StepSuggested,
			cmd:     domain.CommandSuggested,
			event:   domain.EventSuggested,
			started: started,
		})
	}

	// 6. Confirm — удерживаем команду до решения пользователя
	risky, riskReason := false, ""
	if d.deps.Risk != nil {
		risky, riskReason = d.deps.Risk.Review(step.Action, cmd.Args)
	}
	if level == domain.AutonomyConfirm || verdict.Decision == domain.DecisionConfirm || risky {
		reason := verdict.Reason
		switch {
		case level == domain.AutonomyConfirm:
			reason = fmt.Sprintf("agent autonomy for %q is confirm", step.Action)
		case verdict.Decision != domain.DecisionConfirm:
			reason = riskReason
		}
		if out, ok := d.awaitConfirmation(ctx, x, cmd, step, platform, reason, started); !ok {
			return out
		}
	}

	// 7. Выбор экземпляра расширения
	instanceID, err := d.deps.Targets.ResolveTarget(ctx, x.userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNoActivePairing) {
			err = fmt.Errorf("%w: %v", domain.ErrNoActivePairing, err)
		}
		return d.fail(x, cmd, step, started, domain.EventFailed, err)
	}

	// 8. Rate limit
	if d.deps.Limiter != nil {
		if err := d.deps.Limiter.Wait(ctx, x.userID); err != nil {
			if ctx.Err() != nil {
				return d.interrupt(ctx, x, cmd, step, started)
			}
			return d.fail(x, cmd, step, started, domain.EventFailed, fmt.Errorf("%w: %v", domain.ErrTimeout, err))
		}
	}

	// 9. Подпись
	sig, err := d.deps.Signer.Sign(instanceID, cmd)
	if err != nil {
		return d.fail(x, cmd, step, started, domain.EventFailed, err)
	}
	cmd.Signature = sig
	cmd.Status = domain.CommandSent
	d.persist(x.setStep(d.opts.Now(), step.ID, func(r *domain.StepResult) { r.Status = domain.StepRunning }))
	d.record(x, cmd, domain.EventDispatched, map[string]any{"instance_id": instanceID}, "", 0)

	// 10. Песочница: команда подписана и записана, но в расширение не уходит
	if d.deps.Sandbox != nil && d.deps.Sandbox.IsSandbox(x.agentID) {
		return d.settle(x, cmd, step, settlement{
			step:    domain.StepSucceeded,
			cmd:     domain.CommandSuccess,
			event:   domain.EventSucceeded,
			started: started,
			result: &domain.CommandResult{
				RequestID: cmd.RequestID,
				Success:   true,
				Method:    "sandbox",
				Result:    map[string]any{"status": "simulated_success"},
			},
		})
	}

	// 11. Отправка и ожидание результата
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.CommandTimeout)
	res, err := d.deps.Transport.Send(sendCtx, instanceID, cmd.Envelope())
	sendErr := sendCtx.Err()
	cancel()

	if x.isCancelRequested() {
		// Команду не отозвать, результат игнорируем
		return d.settle(x, cmd, step, settlement{
			step:    domain.StepCancelled,
			cmd:     domain.CommandCancelled,
			event:   domain.EventCancelled,
			err:     domain.ErrCancelled,
			started: started,
			note:    "cancelled in flight, result ignored",
		})
	}
	if err != nil {
		if ctx.Err() != nil {
			// Истек таймаут всего выполнения или идет остановка, а не CommandTimeout
			return d.interrupt(ctx, x, cmd, step, started)
		}
		if errors.Is(sendErr, context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return d.fail(x, cmd, step, started, domain.EventTimedOut,
				fmt.Errorf("%w: no result from extension within %s", domain.ErrTimeout, d.opts.CommandTimeout))
		}
		if domain.ErrorKind(err) == "Internal" {
			err = fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
		}
		return d.fail(x, cmd, step, started, domain.EventFailed, err)
	}
	if res == nil || (res.RequestID != "" && res.RequestID != cmd.RequestID) {
		return d.fail(x, cmd, step, started, domain.EventFailed,
			fmt.Errorf("%w: result does not match request %s", domain.ErrDeliveryFailed, cmd.RequestID))
	}
	if !res.Success {
		return d.settle(x, cmd, step, settlement{
			step:    domain.StepFailed,
			cmd:     domain.CommandFailed,
			event:   domain.EventFailed,
			err:     fmt.Errorf("%w: %s", domain.ErrCommandFailed, res.Error),
			started: started,
			result:  res,
		})
	}
	return d.settle(x, cmd, step, settlement{
		step:    domain.StepSucceeded,
		cmd:     domain.CommandSuccess,
		event:   domain.EventSucceeded,
		started: started,
		result:  res,
	})
}

func (d *Dispatcher) awaitConfirmation(ctx context.Context, x *Execution, cmd *domain.Command, step domain.Step, platform, reason string, started time.Time) (stepOutcome, bool) {
	now := d.opts.Now()
	req := &domain.ApprovalRequest{
		ID:          uuid.New().String(),
		ExecutionID: x.id,
		StepID:      step.ID,
		RequestID:   cmd.RequestID,
		UserID:      x.userID,
		AgentID:     x.agentID,
		Capability:  cmd.Capability,
		Platform:    platform,
		Args:        cmd.Args,
		Reason:      reason,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	decisions, err := d.deps.Gate.Request(ctx, req)
	if err != nil {
		return d.fail(x, cmd, step, started, domain.EventFailed, fmt.Errorf("hold command: %w", err)), false
	}
	defer d.deps.Gate.Release(req.ID)

	d.deps.Metrics.PendingApprovals.Inc()
	defer d.deps.Metrics.PendingApprovals.Dec()

	d.persist(x.setStep(now, step.ID, func(r *domain.StepResult) {
		r.Status = domain.StepAwaiting
		r.ApprovalID = req.ID
	}))
	d.persist(x.update(now, func(e *domain.TaskExecution) { e.Status = domain.ExecutionAwaitingConfirmation }))
	d.record(x, cmd, domain.EventHeld, map[string]any{"approval_id": req.ID, "reason": reason}, "", 0)

	var timeout <-chan time.Time
	if d.opts.ConfirmTimeout > 0 {
		t := time.NewTimer(d.opts.ConfirmTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case dec := <-decisions:
		if !dec.Approved {
			err := fmt.Errorf("%w: rejected by %s", domain.ErrConfirmationDenied, reviewer(dec))
			return d.reject(x, cmd, step, started, err, false), false
		}
		d.persist(x.update(d.opts.Now(), func(e *domain.TaskExecution) { e.Status = domain.ExecutionInProgress }))
		d.record(x, cmd, domain.EventApproved, map[string]any{"approval_id": req.ID, "reviewer_id": dec.ReviewerID, "comment": dec.Comment}, "", 0)
		return stepOutcome{}, true

	case <-timeout:
		err := fmt.Errorf("%w: no decision within %s", domain.ErrConfirmationTimeout, d.opts.ConfirmTimeout)
		return d.reject(x, cmd, step, started, err, false), false

	case <-ctx.Done():
		return d.interrupt(ctx, x, cmd, step, started), false
	}
}

func reviewer(d Decision) string {
	if d.ReviewerID == "" {
		return "user"
	}
	return d.ReviewerID
}

// settlement — финальное состояние шага и его команды
type settlement struct {
	step    domain.StepStatus
	cmd     domain.CommandStatus
	event   domain.CommandEvent
	err     error
	fatal   bool
	started time.Time
	result  *domain.CommandResult
	note    string
}

func (d *Dispatcher) settle(x *Execution, cmd *domain.Command, step domain.Step, s settlement) stepOutcome {
	finished := d.opts.Now()
	elapsed := finished.Sub(s.started)
	cmd.Status = s.cmd

	errText := s.note
	if s.err != nil && s.step != domain.StepCancelled {
		errText = s.err.Error()
	}
	var resultMap map[string]any
	if s.result != nil {
		resultMap = s.result.Result
	}
	d.record(x, cmd, s.event, resultMap, errText, elapsed)

	d.persist(x.setStep(finished, step.ID, func(r *domain.StepResult) {
		r.Status = s.step
		r.FinishedAt = &finished
		if s.result != nil {
			r.Method = s.result.Method
			r.Output = s.result.Result
		}
		if s.err != nil {
			r.Error = errText
			r.ErrorKind = domain.ErrorKind(s.err)
		}
	}))

	d.deps.Metrics.CommandsTotal.WithLabelValues(cmd.Capability, string(cmd.Status)).Inc()
	d.deps.Metrics.CommandDuration.WithLabelValues(cmd.Capability).Observe(elapsed.Seconds())

	fields := []zap.Field{
		zap.String("execution_id", x.id),
		zap.String("request_id", cmd.RequestID),
		zap.String("step_id", step.ID),
		zap.String("capability", cmd.Capability),
		zap.String("status", string(cmd.Status)),
		zap.Duration("elapsed", elapsed),
	}
	if s.err != nil {
		d.logger.Warn("step did not succeed", append(fields, zap.Error(s.err))...)
	} else {
		d.logger.Info("step settled", fields...)
	}
	return stepOutcome{status: s.step, err: s.err, fatal: s.fatal}
}

func (d *Dispatcher) reject(x *Execution, cmd *domain.Command, step domain.Step, started time.Time, err error, fatal bool) stepOutcome {
	return d.settle(x, cmd, step, settlement{
		step:    domain.StepRejected,
		cmd:     domain.CommandRejected,
		event:   domain.EventRejected,
		err:     err,
		fatal:   fatal,
		started: started,
	})
}

func (d *Dispatcher) fail(x *Execution, cmd *domain.Command, step domain.Step, started time.Time, event domain.CommandEvent, err error) stepOutcome {
	return d.settle(x, cmd, step, settlement{
		step:    domain.StepFailed,
		cmd:     domain.CommandFailed,
		event:   event,
		err:     err,
		started: started,
	})
}

// interrupt завершает шаг, когда контекст выполнения отменен: пользователем,
// остановкой диспетчера или по ExecutionTimeout
func (d *Dispatcher) interrupt(ctx context.Context, x *Execution, cmd *domain.Command, step domain.Step, started time.Time) stepOutcome {
	if x.isCancelRequested() || errors.Is(ctx.Err(), context.Canceled) {
		return d.settle(x, cmd, step, settlement{
			step:    domain.StepCancelled,
			cmd:     domain.CommandCancelled,
			event:   domain.EventCancelled,
			err:     domain.ErrCancelled,
			started: started,
			note:    "execution cancelled",
		})
	}
	return d.settle(x, cmd, step, settlement{
		step:    domain.StepFailed,
		cmd:     domain.CommandFailed,
		event:   domain.EventTimedOut,
		err:     fmt.Errorf("%w: execution exceeded %s", domain.ErrTimeout, d.opts.ExecutionTimeout),
		fatal:   true,
		started: started,
	})
}

// suggestOnly — шаги после suggest-шага только предлагаются, без обращения к PolicyEngine и расширению
func (d *Dispatcher) suggestOnly(x *Execution, step domain.Step) {
	platform := step.Platform
	if platform == "" {
		platform = policy.PlatformFromTarget(step.Target)
	}
	cmd := d.newCommand(x, step, platform)
	now := d.opts.Now()
	d.persist(x.setStep(now, step.ID, func(r *domain.StepResult) {
		r.Platform = platform
		r.RequestID = cmd.RequestID
		r.StartedAt = &now
	}))
	d.record(x, cmd, domain.EventIssued, nil, "", 0)
	d.settle(x, cmd, step, settlement{
		step:    domain.StepSuggested,
		cmd:     domain.CommandSuggested,
		event:   domain.EventSuggested,
		started: now,
		note:    "follows a suggested step",
	})
}

func (d *Dispatcher) finalize(x *Execution, status domain.ExecutionStatus, err error) {
	now := d.opts.Now()
	snap := x.update(now, func(e *domain.TaskExecution) {
		e.Status = status
		if err != nil {
			e.Error = err.Error()
			e.ErrorKind = domain.ErrorKind(err)
		}
		e.CompletedAt = &now
		for id, r := range e.Results {
			if r.Status == domain.StepPending || r.Status == domain.StepAwaiting || r.Status == domain.StepRunning {
				r.Status = domain.StepSkipped
				e.Results[id] = r
			}
		}
	})
	d.persist(snap)
	d.deps.Audit.Seal(x.id)
	d.deps.Metrics.ExecutionsTotal.WithLabelValues(string(status)).Inc()

	fields := []zap.Field{
		zap.String("execution_id", x.id),
		zap.String("user_id", x.userID),
		zap.String("agent_id", x.agentID),
		zap.String("status", string(status)),
	}
	if err != nil && status != domain.ExecutionCancelled {
		d.logger.Warn("execution finished", append(fields, zap.String("error_kind", snap.ErrorKind), zap.Error(err))...)
		return
	}
	d.logger.Info("execution finished", fields...)
}

func (d *Dispatcher) newCommand(x *Execution, step domain.Step, platform string) *domain.Command {
	args := make(map[string]any, len(step.Params)+2)
	for k, v := range step.Params {
		args[k] = v
	}
	args["target"] = step.Target
	if platform != "" {
		args["platform"] = platform
	}
	return &domain.Command{
		// Новый ID на каждую попытку: повтор никогда не переиспользует команду
		RequestID:   ulid.Make().String(),
		ExecutionID: x.id,
		StepID:      step.ID,
		AgentID:     x.agentID,
		UserID:      x.userID,
		Capability:  step.Action,
		Args:        args,
		Status:      domain.CommandPending,
		IssuedAt:    d.opts.Now(),
	}
}

func (d *Dispatcher) record(x *Execution, cmd *domain.Command, event domain.CommandEvent, result map[string]any, errText string, elapsed time.Duration) {
	d.deps.Audit.Append(domain.CommandLogEntry{
		TraceID:     x.traceID,
		RequestID:   cmd.RequestID,
		ExecutionID: x.id,
		StepID:      cmd.StepID,
		UserID:      x.userID,
		AgentID:     x.agentID,
		Capability:  cmd.Capability,
		Event:       event,
		Status:      cmd.Status,
		Args:        cmd.Args,
		Signature:   cmd.Signature,
		Result:      result,
		Error:       errText,
		Timestamp:   d.opts.Now(),
		DurationMs:  elapsed.Milliseconds(),
	})
}

// persist пишет снимок в стор. Контекст отдельный: выполнение могли уже отменить.
func (d *Dispatcher) persist(snap *domain.TaskExecution) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.deps.Store.UpdateExecution(ctx, snap); err != nil {
		d.logger.Error("failed to persist execution",
			zap.String("execution_id", snap.ID),
			zap.String("status", string(snap.Status)),
			zap.Error(err),
		)
	}
}

// normalizeSteps проверяет форму плана: диспетчер не отправляет некорректные планы
func normalizeSteps(plan *domain.TaskPlan) ([]domain.Step, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, fmt.Errorf("%w: plan has no steps", domain.ErrPlanningFailed)
	}
	steps := make([]domain.Step, len(plan.Steps))
	seen := make(map[string]struct{}, len(plan.Steps))
	for i, s := range plan.Steps {
		if s.Action == "" || s.Target == "" {
			return nil, fmt.Errorf("%w: step %d needs action and target", domain.ErrPlanningFailed, i+1)
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i+1)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate step id %s", domain.ErrPlanningFailed, s.ID)
		}
		seen[s.ID] = struct{}{}
		steps[i] = s
	}
	return steps, nil
}
