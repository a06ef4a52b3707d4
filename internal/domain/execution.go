package domain

import "time"

// ExecutionStatus — агрегированный статус выполнения задачи
type ExecutionStatus string

const (
	ExecutionPending              ExecutionStatus = "pending"
	ExecutionInProgress           ExecutionStatus = "in-progress"
	ExecutionAwaitingConfirmation ExecutionStatus = "awaiting-confirmation"
	ExecutionCompleted            ExecutionStatus = "completed"
	ExecutionFailed               ExecutionStatus = "failed"
	ExecutionPartiallyFailed      ExecutionStatus = "partially-failed"
	ExecutionSuggested            ExecutionStatus = "suggested" // Предложено, но не выполнено
	ExecutionCancelled            ExecutionStatus = "cancelled"
)

// Terminal — статус больше не изменится
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionPartiallyFailed, ExecutionSuggested, ExecutionCancelled:
		return true
	}
	return false
}

// StepStatus — итог отдельного шага
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepAwaiting  StepStatus = "awaiting-confirmation"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepRejected  StepStatus = "rejected"
	StepSuggested StepStatus = "suggested"
	StepCancelled StepStatus = "cancelled"
	StepSkipped   StepStatus = "skipped"
)

// StepResult — результат шага, хранится в TaskExecution.Results под ID шага
type StepResult struct {
	StepID     string         `json:"step_id"`
	Action     string         `json:"action"`
	Platform   string         `json:"platform,omitempty"`
	Status     StepStatus     `json:"status"`
	Autonomy   AutonomyLevel  `json:"autonomy,omitempty"`
	Decision   PolicyDecision `json:"decision,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
	Method     string         `json:"method,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// TaskExecution — агрегат одного запуска плана.
// Меняются только Status, Results, Error и временные метки незавершенного выполнения.
type TaskExecution struct {
	ID          string                `json:"id"`
	UserID      string                `json:"user_id"`
	AgentID     string                `json:"agent_id"`
	AgentType   string                `json:"agent_type"`
	Plan        TaskPlan              `json:"plan"`
	Status      ExecutionStatus       `json:"status"`
	Results     map[string]StepResult `json:"results"`
	Error       string                `json:"error,omitempty"`
	ErrorKind   string                `json:"error_kind,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// Clone делает независимую копию для отдачи наружу
func (e *TaskExecution) Clone() *TaskExecution {
	if e == nil {
		return nil
	}
	out := *e
	out.Plan.Steps = append([]Step(nil), e.Plan.Steps...)
	out.Results = make(map[string]StepResult, len(e.Results))
	for k, v := range e.Results {
		out.Results[k] = v
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Summary сворачивает выполнение для истории
func (e *TaskExecution) Summary() ExecutionSummary {
	counts := make(map[StepStatus]int)
	for _, r := range e.Results {
		counts[r.Status]++
	}
	return ExecutionSummary{
		ID:           e.ID,
		AgentID:      e.AgentID,
		Description:  e.Plan.Description,
		Status:       e.Status,
		StepCount:    len(e.Plan.Steps),
		ResultCounts: counts,
		Error:        e.Error,
		ErrorKind:    e.ErrorKind,
		CreatedAt:    e.CreatedAt,
	}
}

// ExecutionSummary — строка истории
type ExecutionSummary struct {
	ID           string             `json:"id"`
	AgentID      string             `json:"agent_id"`
	Description  string             `json:"description"`
	Status       ExecutionStatus    `json:"status"`
	StepCount    int                `json:"step_count"`
	ResultCounts map[StepStatus]int `json:"result_counts"`
	Error        string             `json:"error,omitempty"`
	ErrorKind    string             `json:"error_kind,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}
