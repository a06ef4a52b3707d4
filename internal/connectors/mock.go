package connectors

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// Simulator — расширение-заглушка для локального запуска без браузера.
// Отвечает правдоподобными результатами по глаголу.
type Simulator struct {
	MinLatency time.Duration
	MaxLatency time.Duration
}

func NewSimulator() *Simulator {
	return &Simulator{MinLatency: 50 * time.Millisecond, MaxLatency: 300 * time.Millisecond}
}

func (c *Simulator) Send(ctx context.Context, instanceID string, env domain.CommandEnvelope) (*domain.CommandResult, error) {
	latency := c.MinLatency
	if spread := c.MaxLatency - c.MinLatency; spread > 0 {
		// math/rand: Int63n is the equivalent of v2 Int64N
		latency += time.Duration(rand.Int63n(int64(spread)))
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
			// Имитация работы
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	target, _ := env.Args["target"].(string)
	if strings.Contains(target, "unstable") {
		return nil, fmt.Errorf("%w: simulated extension crash on %s", domain.ErrDeliveryFailed, target)
	}

	res := &domain.CommandResult{RequestID: env.RequestID, Success: true, Method: "simulated"}
	switch env.Capability {
	case domain.ActionNavigate:
		res.Result = map[string]any{"url": target, "title": "Simulated page", "instance_id": instanceID}
	case domain.ActionExtract:
		res.Result = map[string]any{"items": []any{}, "count": 0}
	case domain.ActionFill, domain.ActionClick:
		res.Result = map[string]any{"status": "done", "selector": env.Args["selector"]}
	case domain.ActionSend:
		res.Result = map[string]any{"status": "sent", "recipient": env.Args["recipient"]}
	default:
		res.Success = false
		res.Error = fmt.Sprintf("capability %s not supported by simulator", env.Capability)
	}
	return res, nil
}
