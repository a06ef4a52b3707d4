package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// Decision — решение пользователя по удержанной команде
type Decision struct {
	Approved   bool   `json:"approved"`
	ReviewerID string `json:"reviewer_id,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// ConfirmationGate удерживает команды до явного решения пользователя.
// Request возвращает канал, в который придет ровно одно решение.
type ConfirmationGate interface {
	Request(ctx context.Context, req *domain.ApprovalRequest) (<-chan Decision, error)
	Decide(ctx context.Context, approvalID string, d Decision) error
	Get(ctx context.Context, approvalID string) (*domain.ApprovalRequest, error)
	Pending(ctx context.Context, userID string) ([]domain.ApprovalRequest, error)
	// Release забывает подтверждение после того, как пайплайн перестал его ждать
	Release(approvalID string)
}

type waiter struct {
	req domain.ApprovalRequest
	ch  chan Decision
}

// MemoryGate — однонодовый вариант, он же локальный слой RedisGate
type MemoryGate struct {
	mu      sync.Mutex
	pending map[string]*waiter
	now     func() time.Time
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{pending: make(map[string]*waiter), now: time.Now}
}

func (g *MemoryGate) Request(_ context.Context, req *domain.ApprovalRequest) (<-chan Decision, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("approval request id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[req.ID]; ok {
		return nil, fmt.Errorf("approval %s already registered", req.ID)
	}
	w := &waiter{req: *req, ch: make(chan Decision, 1)}
	w.req.Status = domain.StatusPending
	g.pending[req.ID] = w
	return w.ch, nil
}

func (g *MemoryGate) Decide(_ context.Context, approvalID string, d Decision) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.pending[approvalID]
	if !ok {
		return fmt.Errorf("approval %s: %w", approvalID, domain.ErrNotFound)
	}

	next := domain.StatusRejected
	if d.Approved {
		next = domain.StatusApproved
	}
	if err := w.req.CanTransitionTo(next); err != nil {
		return err
	}
	w.req.Status = next
	w.req.UpdatedAt = g.now()
	if d.ReviewerID != "" {
		w.req.ReviewerID = &d.ReviewerID
	}
	if d.Comment != "" {
		w.req.Comment = &d.Comment
	}
	// Буфер на одно решение, повторное отсекается CanTransitionTo
	w.ch <- d
	return nil
}

func (g *MemoryGate) Get(_ context.Context, approvalID string) (*domain.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.pending[approvalID]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", approvalID, domain.ErrNotFound)
	}
	req := w.req
	return &req, nil
}

// Pending — ожидающие решения подтверждения пользователя; пустой userID — все
func (g *MemoryGate) Pending(_ context.Context, userID string) ([]domain.ApprovalRequest, error) {
	g.mu.Lock()
	out := make([]domain.ApprovalRequest, 0, len(g.pending))
	for _, w := range g.pending {
		if w.req.Status != domain.StatusPending || (userID != "" && w.req.UserID != userID) {
			continue
		}
		out = append(out, w.req)
	}
	g.mu.Unlock()
	sortApprovals(out)
	return out, nil
}

func (g *MemoryGate) Release(approvalID string) {
	g.mu.Lock()
	delete(g.pending, approvalID)
	g.mu.Unlock()
}

// Len — для gauge ожидающих подтверждений
func (g *MemoryGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func sortApprovals(list []domain.ApprovalRequest) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
