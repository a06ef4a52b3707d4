package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/store"
)

// Store — потокобезопасная in-memory реализация store.Store.
type Store struct {
	mu         sync.RWMutex
	executions map[string]*executionRow
	seq        int64
	logs       []domain.CommandLogEntry
	logIDs     map[string]struct{}
	pairings   map[string]domain.PairingRecord
	configs    map[string]domain.AgentConfiguration
}

type executionRow struct {
	exec *domain.TaskExecution
	seq  int64
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		executions: make(map[string]*executionRow),
		logIDs:     make(map[string]struct{}),
		pairings:   make(map[string]domain.PairingRecord),
		configs:    make(map[string]domain.AgentConfiguration),
	}
}

func (s *Store) CreateExecution(_ context.Context, e *domain.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; ok {
		return fmt.Errorf("memory: execution %s already exists", e.ID)
	}
	s.seq++
	s.executions[e.ID] = &executionRow{exec: e.Clone(), seq: s.seq}
	return nil
}

func (s *Store) UpdateExecution(_ context.Context, e *domain.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.executions[e.ID]
	if !ok {
		return fmt.Errorf("memory: execution %s: %w", e.ID, domain.ErrNotFound)
	}
	upd := e.Clone()
	cur := row.exec
	cur.Status = upd.Status
	cur.Results = upd.Results
	cur.Error = upd.Error
	cur.ErrorKind = upd.ErrorKind
	cur.UpdatedAt = upd.UpdatedAt
	cur.CompletedAt = upd.CompletedAt
	return nil
}

func (s *Store) GetExecution(_ context.Context, id string) (*domain.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("memory: execution %s: %w", id, domain.ErrNotFound)
	}
	return row.exec.Clone(), nil
}

func (s *Store) ListExecutions(_ context.Context, userID string, limit, offset int) ([]*domain.TaskExecution, error) {
	limit, offset = store.NormalizePage(limit, offset)

	s.mu.RLock()
	rows := make([]*executionRow, 0)
	for _, row := range s.executions {
		if row.exec.UserID == userID {
			rows = append(rows, row)
		}
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.exec.CreatedAt.Equal(b.exec.CreatedAt) {
			return a.exec.CreatedAt.After(b.exec.CreatedAt)
		}
		return a.seq > b.seq
	})

	out := make([]*domain.TaskExecution, 0, limit)
	for i := offset; i < len(rows) && len(out) < limit; i++ {
		out = append(out, rows[i].exec.Clone())
	}
	return out, nil
}

func (s *Store) WriteBatch(_ context.Context, entries []domain.CommandLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, dup := s.logIDs[e.ID]; dup {
			continue
		}
		s.logIDs[e.ID] = struct{}{}
		s.logs = append(s.logs, e)
	}
	return nil
}

func (s *Store) ListCommandLog(_ context.Context, executionID string) ([]domain.CommandLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CommandLogEntry, 0)
	for _, e := range s.logs {
		if executionID == "" || e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) SavePairing(_ context.Context, rec *domain.PairingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairings[rec.ID] = *rec
	return nil
}

func (s *Store) ListPairings(_ context.Context) ([]domain.PairingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PairingRecord, 0, len(s.pairings))
	for _, p := range s.pairings {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetAgentConfig(_ context.Context, userID, agentID string) (*domain.AgentConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[configKey(userID, agentID)]
	if !ok {
		return nil, fmt.Errorf("memory: agent config %s/%s: %w", userID, agentID, domain.ErrNotFound)
	}
	return &cfg, nil
}

func (s *Store) SaveAgentConfig(_ context.Context, cfg *domain.AgentConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := *cfg
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.configs[configKey(cfg.UserID, cfg.AgentID)] = c
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error { return nil }

func configKey(userID, agentID string) string {
	return userID + "\x00" + agentID
}
