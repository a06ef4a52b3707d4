package policy

import (
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// alwaysConfirm — глаголы высокого риска, требующие подтверждения на любой платформе
var alwaysConfirm = map[string]struct{}{
	"payment":          {},
	"transfer":         {},
	"purchase":         {},
	"delete_important": {},
	"legal_signing":    {},
}

// Options — ручки политики, которые выставляет оператор развертывания
type Options struct {
	// UnknownPlatform — решение для платформы, не описанной ни одним правилом.
	// Пустое значение — allow (open-world). Для deny-by-default выставить DecisionDeny.
	UnknownPlatform domain.PolicyDecision
}

// Verdict — решение с объяснением для аудита и UI
type Verdict struct {
	Decision domain.PolicyDecision `json:"decision"`
	Reason   string                `json:"reason"`
	Category string                `json:"category,omitempty"`
}

// Engine — чистая функция решения над неизменяемым RuleSet.
// Состояние после конструктора не меняется, поэтому блокировки не нужны.
type Engine struct {
	rules      []domain.PolicyRule
	byPlatform map[string][]int // platform -> индексы правил
	unknown    domain.PolicyDecision
}

func NewEngine(rs RuleSet, opts Options) *Engine {
	e := &Engine{
		rules:      rs.Rules(),
		byPlatform: make(map[string][]int),
		unknown:    opts.UnknownPlatform,
	}
	if e.unknown == "" {
		e.unknown = domain.DecisionAllow
	}
	for i, r := range e.rules {
		for _, p := range r.Platforms {
			e.byPlatform[p] = append(e.byPlatform[p], i)
		}
	}
	return e
}

// Decide — решение уровня платформы
func (e *Engine) Decide(platform, action string) domain.PolicyDecision {
	return e.Explain(platform, action).Decision
}

// Explain — то же, что Decide, но с причиной
func (e *Engine) Explain(platform, action string) Verdict {
	p := strings.ToLower(strings.TrimSpace(platform))
	a := strings.ToLower(strings.TrimSpace(action))

	idx, known := e.byPlatform[p]
	if !known {
		return Verdict{Decision: e.unknown, Reason: fmt.Sprintf("platform %q is not covered by any rule", p)}
	}

	var (
		best    Verdict
		matched bool
	)
	for _, i := range idx {
		r := e.rules[i]
		if !r.Permits(a) {
			continue
		}
		v := decideRule(r, a)
		if !matched || (v.Decision != best.Decision && v.Decision.Dominates(best.Decision)) {
			best = v
			matched = true
		}
	}
	if !matched {
		return Verdict{Decision: domain.DecisionDeny, Reason: fmt.Sprintf("action %q is not permitted on %q", a, p)}
	}
	return best
}

func decideRule(r domain.PolicyRule, action string) Verdict {
	switch {
	case action == domain.ActionPayment && r.HasRestriction(domain.RestrictionNoPayments):
		return Verdict{Decision: domain.DecisionDeny, Reason: "payments are forbidden by rule restriction", Category: r.Category}
	case action == domain.ActionTransfer && r.HasRestriction(domain.RestrictionNoTransfers):
		return Verdict{Decision: domain.DecisionDeny, Reason: "transfers are forbidden by rule restriction", Category: r.Category}
	case r.HasRestriction(domain.RestrictionRequiresConfirmation):
		return Verdict{Decision: domain.DecisionConfirm, Reason: "rule requires confirmation", Category: r.Category}
	}
	return Verdict{Decision: domain.DecisionAllow, Reason: "permitted by rule", Category: r.Category}
}

// RequiresConfirmation — независимая проверка глагола высокого риска
func (e *Engine) RequiresConfirmation(action string) bool {
	_, ok := alwaysConfirm[strings.ToLower(strings.TrimSpace(action))]
	return ok
}

// Evaluate — итоговый гейт: решение платформы ∨ оверрайд по глаголу.
// deny доминирует над всем, confirm доминирует над allow.
func (e *Engine) Evaluate(platform, action string) Verdict {
	v := e.Explain(platform, action)
	if v.Decision == domain.DecisionAllow && e.RequiresConfirmation(action) {
		v.Decision = domain.DecisionConfirm
		v.Reason = fmt.Sprintf("action %q always requires confirmation", strings.ToLower(action))
	}
	return v
}
