package domain

import "strings"

// PolicyDecision определяет, что делать с действием агента на платформе
type PolicyDecision string

const (
	DecisionAllow   PolicyDecision = "allow"   // Разрешить автоматическую отправку
	DecisionDeny    PolicyDecision = "deny"    // Заблокировать
	DecisionConfirm PolicyDecision = "confirm" // Требовать ручного подтверждения (HITL)
)

// Dominates сообщает, перекрывает ли решение d решение other при композиции проверок.
// Порядок строгости: deny > confirm > allow.
func (d PolicyDecision) Dominates(other PolicyDecision) bool {
	return d.rank() >= other.rank()
}

func (d PolicyDecision) rank() int {
	switch d {
	case DecisionDeny:
		return 2
	case DecisionConfirm:
		return 1
	default:
		return 0
	}
}

// RestrictionTag — ограничение, навешиваемое на правило. Множество закрыто.
type RestrictionTag string

const (
	RestrictionNoPayments           RestrictionTag = "no-payments"
	RestrictionNoTransfers          RestrictionTag = "no-transfers"
	RestrictionRequiresConfirmation RestrictionTag = "requires-confirmation"
)

// Valid проверяет принадлежность тега закрытому множеству
func (t RestrictionTag) Valid() bool {
	switch t {
	case RestrictionNoPayments, RestrictionNoTransfers, RestrictionRequiresConfirmation:
		return true
	}
	return false
}

// Wildcard в наборе действий правила разрешает любой глагол
const Wildcard = "*"

// Глаголы, на которые реагируют ограничения
const (
	ActionPayment  = "payment"
	ActionTransfer = "transfer"
)

// PolicyRule — правило безопасности для категории платформ.
// Загружается при старте и дальше не меняется.
type PolicyRule struct {
	Category     string           `json:"category" toml:"category"`
	Platforms    []string         `json:"platforms" toml:"platforms"`
	Actions      []string         `json:"actions" toml:"actions"`
	Restrictions []RestrictionTag `json:"restrictions" toml:"restrictions"`
}

// Permits проверяет, входит ли действие в разрешенный набор правила
func (r PolicyRule) Permits(action string) bool {
	for _, a := range r.Actions {
		if a == Wildcard || strings.EqualFold(a, action) {
			return true
		}
	}
	return false
}

// HasRestriction проверяет наличие тега ограничения
func (r PolicyRule) HasRestriction(tag RestrictionTag) bool {
	for _, t := range r.Restrictions {
		if t == tag {
			return true
		}
	}
	return false
}
