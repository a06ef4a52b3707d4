package connectors

import (
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

var (
	ErrNotConnected = errors.New("extension instance is not connected")
	ErrQueueFull    = errors.New("extension outbound queue is full")
	ErrConnLost     = errors.New("extension connection lost")
)

// ThrottleError — backpressure сессии расширения. Это не отказ транспорта:
// Circuit Breaker его не считает, но для диспетчера это DeliveryFailed.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() []error {
	return []error{domain.ErrDeliveryFailed, e.Cause}
}
