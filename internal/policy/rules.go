package policy

/*
Файл rules.go отвечает за загрузку набора правил (RuleSet).
Правила читаются один раз при старте из TOML и дальше не меняются:
движок получает готовый неизменяемый объект через конструктор.
*/

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// RuleSet — неизменяемый набор правил
type RuleSet struct {
	rules []domain.PolicyRule
}

type ruleFile struct {
	Rules []domain.PolicyRule `toml:"rule"`
}

// LoadRuleSet читает файл правил. Пустой путь — встроенный набор по умолчанию.
func LoadRuleSet(path string) (RuleSet, error) {
	if path == "" {
		return DefaultRuleSet(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("policy: read rules %s: %w", path, err)
	}
	return ParseRuleSet(data)
}

// ParseRuleSet разбирает TOML вида [[rule]] и валидирует теги ограничений
func ParseRuleSet(data []byte) (RuleSet, error) {
	var f ruleFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return RuleSet{}, fmt.Errorf("%w: policy rules: %v", domain.ErrInvalidConfig, err)
	}
	return NewRuleSet(f.Rules)
}

// NewRuleSet нормализует и копирует правила, чтобы вызывающий код не мог их поменять
func NewRuleSet(rules []domain.PolicyRule) (RuleSet, error) {
	out := make([]domain.PolicyRule, 0, len(rules))
	for i, r := range rules {
		if len(r.Platforms) == 0 {
			return RuleSet{}, fmt.Errorf("%w: rule #%d (%s) has no platforms", domain.ErrInvalidConfig, i, r.Category)
		}
		nr := domain.PolicyRule{
			Category:     r.Category,
			Platforms:    normalize(r.Platforms),
			Actions:      normalize(r.Actions),
			Restrictions: make([]domain.RestrictionTag, 0, len(r.Restrictions)),
		}
		for _, tag := range r.Restrictions {
			tag = domain.RestrictionTag(strings.ToLower(strings.TrimSpace(string(tag))))
			if !tag.Valid() {
				return RuleSet{}, fmt.Errorf("%w: rule #%d (%s) has unknown restriction %q", domain.ErrInvalidConfig, i, r.Category, tag)
			}
			nr.Restrictions = append(nr.Restrictions, tag)
		}
		out = append(out, nr)
	}
	return RuleSet{rules: out}, nil
}

// Rules возвращает глубокую копию правил (для API и отладки)
func (s RuleSet) Rules() []domain.PolicyRule {
	out := make([]domain.PolicyRule, len(s.rules))
	for i, r := range s.rules {
		out[i] = domain.PolicyRule{
			Category:     r.Category,
			Platforms:    append([]string(nil), r.Platforms...),
			Actions:      append([]string(nil), r.Actions...),
			Restrictions: append([]domain.RestrictionTag(nil), r.Restrictions...),
		}
	}
	return out
}

// Len — количество правил
func (s RuleSet) Len() int { return len(s.rules) }

// DefaultRuleSet — встроенные правила для типовых платформ
func DefaultRuleSet() RuleSet {
	rs, _ := NewRuleSet([]domain.PolicyRule{
		{
			Category:  "email",
			Platforms: []string{"gmail", "outlook", "yahoo"},
			Actions:   []string{"navigate", "fill", "click", "extract", "send"},
		},
		{
			Category:     "social",
			Platforms:    []string{"linkedin", "twitter", "x", "facebook", "instagram"},
			Actions:      []string{"navigate", "fill", "click", "extract", "send"},
			Restrictions: []domain.RestrictionTag{domain.RestrictionRequiresConfirmation},
		},
		{
			Category:     "finance",
			Platforms:    []string{"paypal", "stripe", "chase", "revolut"},
			Actions:      []string{domain.Wildcard},
			Restrictions: []domain.RestrictionTag{domain.RestrictionNoPayments, domain.RestrictionNoTransfers},
		},
		{
			Category:  "docs",
			Platforms: []string{"google docs", "notion", "docusign"},
			Actions:   []string{"navigate", "fill", "click", "extract", "legal_signing"},
		},
	})
	return rs
}

func normalize(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
