// Package risk — динамические пороги по аргументам команды.
// Правило политики может разрешить платеж, но сумма выше порога все равно уходит человеку.
package risk

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type Analyzer struct {
	thresholds map[string]float64 // поле аргументов -> предел
	logger     *zap.Logger
}

// NewAnalyzer: ключи порогов — имена полей в args (amount, quantity ...), регистр не важен
func NewAnalyzer(thresholds map[string]float64, logger *zap.Logger) *Analyzer {
	t := make(map[string]float64, len(thresholds))
	for k, v := range thresholds {
		t[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &Analyzer{thresholds: t, logger: logger.Named("risk")}
}

// Review проверяет, нужно ли отправлять команду на подтверждение (HITL)
func (a *Analyzer) Review(capability string, args map[string]any) (bool, string) {
	if len(a.thresholds) == 0 {
		return false, ""
	}
	for key, raw := range args {
		limit, ok := a.thresholds[strings.ToLower(key)]
		if !ok {
			continue
		}
		val, ok := numeric(raw)
		if !ok {
			continue
		}
		if val > limit {
			a.logger.Warn("dynamic approval triggered",
				zap.String("capability", capability),
				zap.String("field", key),
				zap.Float64("value", val),
				zap.Float64("threshold", limit),
			)
			return true, fmt.Sprintf("%s %.2f exceeds threshold %.2f", key, val, limit)
		}
	}
	return false, ""
}

// В JSON числа приходят как float64, из планировщика — строкой вида "$120.50"
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		s := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(n), "$€£"))
		s = strings.ReplaceAll(s, ",", "")
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}
