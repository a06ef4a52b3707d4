package service

import (
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/policy"
)

// PolicyEvaluator — итоговый гейт движка политик
type PolicyEvaluator interface {
	Evaluate(platform, action string) policy.Verdict
	RequiresConfirmation(action string) bool
}

// RuleSource — загруженный при старте набор правил
type RuleSource interface {
	Rules() []domain.PolicyRule
}

// Evaluation — ответ на вопрос "что будет с этим действием"
type Evaluation struct {
	Platform string `json:"platform"`
	Action   string `json:"action"`
	policy.Verdict
	HighRisk bool `json:"high_risk"`
}

// PolicyService только читает: правила неизменяемы после старта, смена — перезапуском с новым файлом
type PolicyService struct {
	engine PolicyEvaluator
	rules  RuleSource
}

func NewPolicyService(engine PolicyEvaluator, rules RuleSource) *PolicyService {
	return &PolicyService{
		engine: engine,
		rules:  rules,
	}
}

// GetAll возвращает все действующие правила
func (s *PolicyService) GetAll() []domain.PolicyRule {
	rules := s.rules.Rules()
	if rules == nil {
		return []domain.PolicyRule{}
	}
	return rules
}

// Evaluate объясняет решение для пары платформа/действие без выполнения
func (s *PolicyService) Evaluate(platform, action string) (*Evaluation, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	action = strings.ToLower(strings.TrimSpace(action))
	if platform == "" || action == "" {
		return nil, fmt.Errorf("%w: platform and action are required", domain.ErrInvalidConfig)
	}
	return &Evaluation{
		Platform: platform,
		Action:   action,
		Verdict:  s.engine.Evaluate(platform, action),
		HighRisk: s.engine.RequiresConfirmation(action),
	}, nil
}
