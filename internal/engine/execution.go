package engine

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// Execution — живой дескриптор запущенного плана. Обновляется по мере разрешения шагов.
type Execution struct {
	id      string
	userID  string
	agentID string
	traceID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.RWMutex
	exec            *domain.TaskExecution
	cancelRequested bool
}

func newExecution(exec *domain.TaskExecution, traceID string, ctx context.Context, cancel context.CancelFunc) *Execution {
	return &Execution{
		id:      exec.ID,
		userID:  exec.UserID,
		agentID: exec.AgentID,
		traceID: traceID,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		exec:    exec,
	}
}

func (x *Execution) ID() string { return x.id }

func (x *Execution) UserID() string { return x.userID }

// Done закрывается, когда выполнение достигло терминального статуса и сохранено
func (x *Execution) Done() <-chan struct{} { return x.done }

// Snapshot — независимая копия текущего состояния
func (x *Execution) Snapshot() *domain.TaskExecution {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.exec.Clone()
}

func (x *Execution) requestCancel() bool {
	x.mu.Lock()
	if x.exec.Status.Terminal() {
		x.mu.Unlock()
		return false
	}
	x.cancelRequested = true
	x.mu.Unlock()
	x.cancel()
	return true
}

func (x *Execution) isCancelRequested() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.cancelRequested
}

// update применяет изменение под блокировкой и возвращает снимок для персистентности
func (x *Execution) update(at time.Time, fn func(e *domain.TaskExecution)) *domain.TaskExecution {
	x.mu.Lock()
	defer x.mu.Unlock()
	fn(x.exec)
	x.exec.UpdatedAt = at
	return x.exec.Clone()
}

func (x *Execution) setStep(at time.Time, stepID string, fn func(r *domain.StepResult)) *domain.TaskExecution {
	return x.update(at, func(e *domain.TaskExecution) {
		r := e.Results[stepID]
		r.StepID = stepID
		fn(&r)
		e.Results[stepID] = r
	})
}
