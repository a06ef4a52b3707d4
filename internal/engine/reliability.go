package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-browserops/internal/connectors"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type BreakerSettings struct {
	Name                string
	MaxRequests         uint32        // Пробных запросов в half-open
	Interval            time.Duration // Период сброса счетчиков в closed
	Timeout             time.Duration // Через сколько CB попробует "закрыться"
	ConsecutiveFailures uint32        // Порог срабатывания
}

// ReliabilityWrapper — Circuit Breaker вокруг транспорта до расширения, свой на каждый экземпляр:
// молчащий браузер одного пользователя не открывает предохранитель остальным.
// Повторов нет: подписанная команда не переотправляется.
type ReliabilityWrapper struct {
	next     ExtensionTransport
	settings BreakerSettings
	metrics  *Metrics
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewReliabilityWrapper(next ExtensionTransport, s BreakerSettings, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	if s.Name == "" {
		s.Name = "extension"
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 3
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	return &ReliabilityWrapper{
		next:     next,
		settings: s,
		metrics:  metrics,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker лениво создает предохранитель экземпляра, как UserRateLimiter — бакет пользователя
func (w *ReliabilityWrapper) breaker(instanceID string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cb, ok := w.breakers[instanceID]; ok {
		return cb
	}

	s := w.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name + "/" + instanceID,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		// Отмена пользователем и backpressure сессии — не отказ транспорта
		IsSuccessful: func(err error) bool {
			var tErr *connectors.ThrottleError
			return err == nil || errors.Is(err, context.Canceled) || errors.As(err, &tErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("circuit breaker state changed",
				zap.String("transport", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if w.metrics != nil {
				w.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	w.breakers[instanceID] = cb
	return cb
}

func (w *ReliabilityWrapper) Send(ctx context.Context, instanceID string, env domain.CommandEnvelope) (*domain.CommandResult, error) {
	cb := w.breaker(instanceID)
	out, err := cb.Execute(func() (interface{}, error) {
		return w.next.Send(ctx, instanceID, env)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: transport %s: %v", domain.ErrDeliveryFailed, cb.Name(), err)
		}
		return nil, err
	}
	return out.(*domain.CommandResult), nil
}

// State — состояние предохранителя экземпляра; без отправок он закрыт
func (w *ReliabilityWrapper) State(instanceID string) gobreaker.State {
	w.mu.Lock()
	cb, ok := w.breakers[instanceID]
	w.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// UserRateLimiter — token bucket на пользователя: один пользователь не забивает расширение командами
type UserRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewUserRateLimiter: perSecond <= 0 — без ограничений
func NewUserRateLimiter(perSecond float64, burst int) *UserRateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &UserRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *UserRateLimiter) Wait(ctx context.Context, userID string) error {
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
