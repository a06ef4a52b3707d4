package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("step 2: %w", ErrPolicyDenied), "PolicyDenied"},
		{fmt.Errorf("dispatch: %w", ErrTimeout), "Timeout"},
		{ErrConfirmationTimeout, "ConfirmationTimeout"},
		{fmt.Errorf("redeem: %w", ErrInvalidCode), "InvalidCode"},
		{errors.New("boom"), "Internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err))
	}
}

func TestExecutionSummaryCounts(t *testing.T) {
	exec := &TaskExecution{
		ID:     "e1",
		Plan:   TaskPlan{Description: "open gmail then send", Steps: []Step{{ID: "step-1"}, {ID: "step-2"}}},
		Status: ExecutionFailed,
		Results: map[string]StepResult{
			"step-1": {StepID: "step-1", Status: StepSucceeded},
			"step-2": {StepID: "step-2", Status: StepFailed},
		},
		Error:     "timeout",
		ErrorKind: "Timeout",
	}
	s := exec.Summary()
	assert.Equal(t, 2, s.StepCount)
	assert.Equal(t, 1, s.ResultCounts[StepSucceeded])
	assert.Equal(t, 1, s.ResultCounts[StepFailed])
	assert.Equal(t, "Timeout", s.ErrorKind)

	clone := exec.Clone()
	clone.Results["step-1"] = StepResult{Status: StepFailed}
	assert.Equal(t, StepSucceeded, exec.Results["step-1"].Status)
}
