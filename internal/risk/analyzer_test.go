package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAnalyzerReview(t *testing.T) {
	a := NewAnalyzer(map[string]float64{"Amount": 100}, zap.NewNop())

	tests := []struct {
		name string
		args map[string]any
		want bool
	}{
		{"below", map[string]any{"amount": 99.0}, false},
		{"equal", map[string]any{"amount": 100.0}, false},
		{"above float", map[string]any{"amount": 250.0}, true},
		{"above int", map[string]any{"amount": 101}, true},
		{"currency string", map[string]any{"amount": "$1,200.50"}, true},
		{"garbage string", map[string]any{"amount": "a lot"}, false},
		{"other field", map[string]any{"quantity": 1e6}, false},
		{"no args", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := a.Review("payment", tt.args)
			assert.Equal(t, tt.want, got)
			if tt.want {
				assert.Contains(t, reason, "exceeds threshold")
			}
		})
	}

	empty := NewAnalyzer(nil, zap.NewNop())
	got, _ := empty.Review("payment", map[string]any{"amount": 1e9})
	assert.False(t, got)
}
