package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: команды по глаголу и итоговому статусу
	CommandsTotal *prometheus.CounterVec

	// Latency: от выдачи команды до результата (включая ожидание подтверждения)
	CommandDuration *prometheus.HistogramVec

	// Решения PolicyEngine
	PolicyDecisions *prometheus.CounterVec

	// Завершенные выполнения по финальному статусу
	ExecutionsTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge

	// Живые (не stale) сопряжения
	ActivePairings prometheus.Gauge

	// Команды, ожидающие решения пользователя
	PendingApprovals prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		CommandsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "browserops_commands_total",
			Help: "Total number of commands by capability and final status.",
		}, []string{"capability", "status"}),

		CommandDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "browserops_command_duration_seconds",
			Help:    "Histogram of command latencies from issue to result.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"capability"}),

		PolicyDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "browserops_policy_decisions_total",
			Help: "Policy engine decisions.",
		}, []string{"decision"}),

		ExecutionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "browserops_executions_total",
			Help: "Finished task executions by terminal status.",
		}, []string{"status"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "browserops_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"transport"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "browserops_audit_buffer_utilization",
			Help: "Current number of entries in the command log buffer.",
		}),

		ActivePairings: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "browserops_active_pairings",
			Help: "Active, non-stale extension pairings.",
		}),

		PendingApprovals: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "browserops_pending_approvals",
			Help: "Commands held for user confirmation.",
		}),
	}
}
