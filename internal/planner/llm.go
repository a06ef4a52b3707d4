package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/tidwall/gjson"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
)

const systemPrompt = `You are a browser task planner. Decompose the user's task into atomic browser actions.
Allowed actions: navigate, fill, click, extract, send, payment, transfer, purchase, delete_important, legal_signing.
Reply with JSON only, no prose:
{"steps":[{"action":"navigate","target":"https://mail.google.com","platform":"gmail","params":{},"optional":false}]}
Every step needs a non-empty action and target. Use the platform name (gmail, linkedin, paypal...) when known.`

type LLMConfig struct {
	BaseURL    string
	Model      string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// LLMPlanner обращается к внешнему reasoning-сервису через OpenAI Responses API.
// Любая ошибка транспорта, модели или разбора ответа — ErrPlanningFailed.
type LLMPlanner struct {
	cfg     LLMConfig
	service responses.ResponseService
	logger  *zap.Logger
}

func NewLLMPlanner(cfg LLMConfig, logger *zap.Logger) *LLMPlanner {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []option.RequestOption{
		option.WithHTTPClient(cfg.HTTPClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	return &LLMPlanner{
		cfg:     cfg,
		service: responses.NewResponseService(opts...),
		logger:  logger.Named("planner.llm"),
	}
}

func (p *LLMPlanner) Plan(ctx context.Context, text string, pctx Context) (*domain.TaskPlan, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty task", domain.ErrPlanningFailed)
	}

	params, err := p.request(text, pctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPlanningFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var rawBody []byte
	start := time.Now()
	_, err = p.service.New(ctx, params, option.WithResponseBodyInto(&rawBody))
	if err != nil {
		var apiErr *responses.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: model api status %d", domain.ErrPlanningFailed, apiErr.StatusCode)
		}
		return nil, fmt.Errorf("%w: model request: %v", domain.ErrPlanningFailed, err)
	}

	plan, err := parsePlan(outputText(rawBody), text)
	if err != nil {
		p.logger.Warn("model returned unusable plan", zap.String("user_id", pctx.UserID), zap.Error(err))
		return nil, err
	}
	p.logger.Debug("plan received",
		zap.String("user_id", pctx.UserID),
		zap.Int("steps", len(plan.Steps)),
		zap.Duration("latency", time.Since(start)),
	)
	return plan, nil
}

func (p *LLMPlanner) request(text string, pctx Context) (responses.ResponseNewParams, error) {
	var out responses.ResponseNewParams
	if model := strings.TrimSpace(p.cfg.Model); model != "" {
		out.Model = model
	}

	user := text
	if pctx.Platform != "" || pctx.URL != "" || len(pctx.Hints) > 0 {
		env, _ := json.Marshal(pctx)
		user = fmt.Sprintf("Task: %s\nBrowser context: %s", text, env)
	}

	raw, err := json.Marshal([]map[string]any{
		{"role": "system", "content": systemPrompt},
		{"role": "user", "content": user},
	})
	if err != nil {
		return out, err
	}
	var items []responses.ResponseInputItemUnionParam
	if err := json.Unmarshal(raw, &items); err != nil {
		return out, fmt.Errorf("decode input items: %w", err)
	}
	out.Input.OfInputItemList = items
	return out, nil
}

// outputText собирает текст всех сообщений из сырого ответа Responses API
func outputText(raw []byte) string {
	var b strings.Builder
	gjson.GetBytes(raw, "output").ForEach(func(_, item gjson.Result) bool {
		item.Get("content").ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				b.WriteString(t.String())
			}
			return true
		})
		return true
	})
	if b.Len() == 0 {
		return gjson.GetBytes(raw, "output_text").String()
	}
	return b.String()
}

// parsePlan терпимо разбирает JSON плана: модель может обернуть его в markdown или прозу
func parsePlan(text, description string) (*domain.TaskPlan, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: model output has no JSON object", domain.ErrPlanningFailed)
	}
	doc := text[start : end+1]
	if !gjson.Valid(doc) {
		return nil, fmt.Errorf("%w: model output is not valid JSON", domain.ErrPlanningFailed)
	}
	steps := gjson.Get(doc, "steps")
	if !steps.IsArray() {
		return nil, fmt.Errorf("%w: model output has no steps array", domain.ErrPlanningFailed)
	}

	plan := &domain.TaskPlan{Description: description}
	steps.ForEach(func(_, s gjson.Result) bool {
		step := domain.Step{
			Action:   s.Get("action").String(),
			Target:   s.Get("target").String(),
			Platform: s.Get("platform").String(),
			Optional: s.Get("optional").Bool(),
		}
		if prm := s.Get("params"); prm.IsObject() {
			if m, ok := prm.Value().(map[string]any); ok && len(m) > 0 {
				step.Params = m
			}
		}
		plan.Steps = append(plan.Steps, step)
		return true
	})

	if err := Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}
