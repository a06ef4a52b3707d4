package planner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
)

func responseBody(text string) string {
	body, _ := json.Marshal(map[string]any{
		"id":     "resp_1",
		"object": "response",
		"status": "completed",
		"model":  "test-model",
		"output": []any{map[string]any{
			"type":   "message",
			"id":     "msg_1",
			"role":   "assistant",
			"status": "completed",
			"content": []any{map[string]any{
				"type":        "output_text",
				"text":        text,
				"annotations": []any{},
			}},
		}},
	})
	return string(body)
}

func newModelServer(t *testing.T, status int, text string) (*httptest.Server, *[]byte) {
	t.Helper()
	var captured []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/responses"), r.URL.Path)
		captured, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = io.WriteString(w, responseBody(text))
			return
		}
		_, _ = io.WriteString(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`)
	}))
	t.Cleanup(ts.Close)
	return ts, &captured
}

func newTestLLM(url string) *LLMPlanner {
	return NewLLMPlanner(LLMConfig{BaseURL: url + "/", Model: "test-model", APIKey: "test"}, zap.NewNop())
}

func TestLLMPlannerParsesFencedJSON(t *testing.T) {
	text := "Here is the plan:\n```json\n" +
		`{"steps":[{"action":"Navigate","target":"https://mail.google.com","platform":"gmail"},` +
		`{"action":"send","target":"reply to bob","params":{"to":"bob@example.com"},"optional":true}]}` +
		"\n```"
	ts, captured := newModelServer(t, http.StatusOK, text)

	plan, err := newTestLLM(ts.URL).Plan(context.Background(), "reply to bob", Context{UserID: "u1", Platform: "gmail"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)

	assert.Equal(t, "reply to bob", plan.Description)
	assert.Equal(t, "navigate", plan.Steps[0].Action)
	assert.Equal(t, "step-2", plan.Steps[1].ID)
	assert.True(t, plan.Steps[1].Optional)
	assert.Equal(t, "bob@example.com", plan.Steps[1].Params["to"])

	assert.Equal(t, "test-model", gjson.GetBytes(*captured, "model").String())
	assert.Contains(t, string(*captured), "reply to bob")
}

func TestLLMPlannerFailures(t *testing.T) {
	cases := map[string]string{
		"no json":      "I cannot help with that",
		"no steps":     `{"plan":[]}`,
		"empty steps":  `{"steps":[]}`,
		"blank target": `{"steps":[{"action":"click","target":""}]}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			ts, _ := newModelServer(t, http.StatusOK, text)
			_, err := newTestLLM(ts.URL).Plan(context.Background(), "task", Context{})
			assert.ErrorIs(t, err, domain.ErrPlanningFailed)
		})
	}

	t.Run("api error", func(t *testing.T) {
		ts, _ := newModelServer(t, http.StatusBadRequest, "")
		_, err := newTestLLM(ts.URL).Plan(context.Background(), "task", Context{})
		assert.ErrorIs(t, err, domain.ErrPlanningFailed)
	})
}

func TestLLMFallsBackToRules(t *testing.T) {
	ts, _ := newModelServer(t, http.StatusBadRequest, "")
	f := &Fallback{Primary: newTestLLM(ts.URL), Secondary: NewRulePlanner(), Logger: zap.NewNop()}

	plan, err := f.Plan(context.Background(), "open gmail then extract the latest invoice", Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{"navigate", "extract"}, actions(plan))
}
