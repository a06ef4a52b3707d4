// Package sqlite — встроенное однонодовое хранилище на gorm поверх modernc sqlite (без cgo).
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *gorm.DB

	mu  sync.Mutex
	seq int64 // Порядок вставки выполнений, разводит одинаковые created_at
}

var _ store.Store = (*Store)(nil)

// Open открывает (или создает) файл базы и накатывает схему
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	gdb, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := gdb.Exec(`PRAGMA journal_mode=WAL;`).Error; err != nil {
		return nil, err
	}
	if err := gdb.Exec(`PRAGMA busy_timeout=5000;`).Error; err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(&executionRow{}, &commandLogRow{}, &pairingRow{}, &agentConfigRow{}); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// Один писатель: sqlite не любит конкурентные транзакции
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	s := &Store{db: gdb}
	var maxSeq struct{ Seq int64 }
	if err := gdb.Model(&executionRow{}).Select("COALESCE(MAX(seq), 0) AS seq").Scan(&maxSeq).Error; err != nil {
		return nil, err
	}
	s.seq = maxSeq.Seq
	return s, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateExecution(ctx context.Context, e *domain.TaskExecution) error {
	plan, err := json.Marshal(e.Plan)
	if err != nil {
		return fmt.Errorf("sqlite: encode plan: %w", err)
	}
	results, err := json.Marshal(e.Results)
	if err != nil {
		return fmt.Errorf("sqlite: encode results: %w", err)
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	row := executionRow{
		ID:          e.ID,
		Seq:         seq,
		UserID:      e.UserID,
		AgentID:     e.AgentID,
		AgentType:   e.AgentType,
		PlanJSON:    string(plan),
		Status:      string(e.Status),
		ResultsJSON: string(results),
		Error:       e.Error,
		ErrorKind:   e.ErrorKind,
		CreatedAt:   toMillis(e.CreatedAt),
		UpdatedAt:   toMillis(e.UpdatedAt),
		CompletedAt: toMillisPtr(e.CompletedAt),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlite: create execution: %w", err)
	}
	return nil
}

func (s *Store) UpdateExecution(ctx context.Context, e *domain.TaskExecution) error {
	results, err := json.Marshal(e.Results)
	if err != nil {
		return fmt.Errorf("sqlite: encode results: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&executionRow{}).Where("id = ?", e.ID).Updates(map[string]any{
		"status":       string(e.Status),
		"results_json": string(results),
		"error":        e.Error,
		"error_kind":   e.ErrorKind,
		"updated_at":   toMillis(e.UpdatedAt),
		"completed_at": toMillisPtr(e.CompletedAt),
	})
	if res.Error != nil {
		return fmt.Errorf("sqlite: update execution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sqlite: execution %s: %w", e.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*domain.TaskExecution, error) {
	var row executionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sqlite: execution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get execution: %w", err)
	}
	return row.toDomain()
}

func (s *Store) ListExecutions(ctx context.Context, userID string, limit, offset int) ([]*domain.TaskExecution, error) {
	limit, offset = store.NormalizePage(limit, offset)
	rows := make([]executionRow, 0, limit)
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("seq DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite: list executions: %w", err)
	}
	out := make([]*domain.TaskExecution, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *executionRow) toDomain() (*domain.TaskExecution, error) {
	e := &domain.TaskExecution{
		ID:          r.ID,
		UserID:      r.UserID,
		AgentID:     r.AgentID,
		AgentType:   r.AgentType,
		Status:      domain.ExecutionStatus(r.Status),
		Error:       r.Error,
		ErrorKind:   r.ErrorKind,
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
		CompletedAt: fromMillisPtr(r.CompletedAt),
	}
	if err := json.Unmarshal([]byte(r.PlanJSON), &e.Plan); err != nil {
		return nil, fmt.Errorf("sqlite: decode plan of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.ResultsJSON), &e.Results); err != nil {
		return nil, fmt.Errorf("sqlite: decode results of %s: %w", r.ID, err)
	}
	if e.Results == nil {
		e.Results = map[string]domain.StepResult{}
	}
	return e, nil
}

// WriteBatch — одна транзакция на пачку, дубликаты по id пропускаются
func (s *Store) WriteBatch(ctx context.Context, entries []domain.CommandLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]commandLogRow, 0, len(entries))
	for _, e := range entries {
		args, err := json.Marshal(e.Args)
		if err != nil {
			return fmt.Errorf("sqlite: encode args of %s: %w", e.ID, err)
		}
		result, err := json.Marshal(e.Result)
		if err != nil {
			return fmt.Errorf("sqlite: encode result of %s: %w", e.ID, err)
		}
		rows = append(rows, commandLogRow{
			ID:          e.ID,
			Seq:         e.Seq,
			TraceID:     e.TraceID,
			RequestID:   e.RequestID,
			ExecutionID: e.ExecutionID,
			StepID:      e.StepID,
			UserID:      e.UserID,
			AgentID:     e.AgentID,
			Capability:  e.Capability,
			Event:       string(e.Event),
			Status:      string(e.Status),
			ArgsJSON:    string(args),
			Signature:   e.Signature,
			ResultJSON:  string(result),
			Error:       e.Error,
			Timestamp:   toMillis(e.Timestamp),
			DurationMs:  e.DurationMs,
			PrevHash:    e.PrevHash,
			Hash:        e.Hash,
		})
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		CreateInBatches(rows, 100).Error
	if err != nil {
		return fmt.Errorf("sqlite: write command log: %w", err)
	}
	return nil
}

func (s *Store) ListCommandLog(ctx context.Context, executionID string) ([]domain.CommandLogEntry, error) {
	q := s.db.WithContext(ctx).Order("seq").Order("ts")
	if executionID != "" {
		q = q.Where("execution_id = ?", executionID)
	}
	var rows []commandLogRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list command log: %w", err)
	}
	out := make([]domain.CommandLogEntry, 0, len(rows))
	for _, r := range rows {
		e := domain.CommandLogEntry{
			ID:          r.ID,
			Seq:         r.Seq,
			TraceID:     r.TraceID,
			RequestID:   r.RequestID,
			ExecutionID: r.ExecutionID,
			StepID:      r.StepID,
			UserID:      r.UserID,
			AgentID:     r.AgentID,
			Capability:  r.Capability,
			Event:       domain.CommandEvent(r.Event),
			Status:      domain.CommandStatus(r.Status),
			Signature:   r.Signature,
			Error:       r.Error,
			Timestamp:   fromMillis(r.Timestamp),
			DurationMs:  r.DurationMs,
			PrevHash:    r.PrevHash,
			Hash:        r.Hash,
		}
		if err := json.Unmarshal([]byte(r.ArgsJSON), &e.Args); err != nil {
			return nil, fmt.Errorf("sqlite: decode args of %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(r.ResultJSON), &e.Result); err != nil {
			return nil, fmt.Errorf("sqlite: decode result of %s: %w", r.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) SavePairing(ctx context.Context, rec *domain.PairingRecord) error {
	row := pairingRow{
		ID:             rec.ID,
		UserID:         rec.UserID,
		InstanceID:     rec.ExtensionInstanceID,
		Code:           rec.PairingCode,
		State:          string(rec.State),
		Active:         rec.Active,
		LastSeen:       toMillis(rec.LastSeen),
		CreatedAt:      toMillis(rec.CreatedAt),
		CodeExpiresAt:  toMillis(rec.CodeExpiresAt),
		RedeemedAt:     toMillisPtr(rec.RedeemedAt),
		DisconnectedAt: toMillisPtr(rec.DisconnectedAt),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlite: save pairing: %w", err)
	}
	return nil
}

func (s *Store) ListPairings(ctx context.Context) ([]domain.PairingRecord, error) {
	var rows []pairingRow
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list pairings: %w", err)
	}
	out := make([]domain.PairingRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.PairingRecord{
			ID:                  r.ID,
			UserID:              r.UserID,
			ExtensionInstanceID: r.InstanceID,
			PairingCode:         r.Code,
			State:               domain.PairingState(r.State),
			Active:              r.Active,
			LastSeen:            fromMillis(r.LastSeen),
			CreatedAt:           fromMillis(r.CreatedAt),
			CodeExpiresAt:       fromMillis(r.CodeExpiresAt),
			RedeemedAt:          fromMillisPtr(r.RedeemedAt),
			DisconnectedAt:      fromMillisPtr(r.DisconnectedAt),
		})
	}
	return out, nil
}

func (s *Store) GetAgentConfig(ctx context.Context, userID, agentID string) (*domain.AgentConfiguration, error) {
	var row agentConfigRow
	err := s.db.WithContext(ctx).Where("user_id = ? AND agent_id = ?", userID, agentID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sqlite: agent config %s/%s: %w", userID, agentID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get agent config: %w", err)
	}
	var cfg domain.AgentConfiguration
	if err := json.Unmarshal([]byte(row.ConfigJSON), &cfg); err != nil {
		return nil, fmt.Errorf("sqlite: decode agent config: %w", err)
	}
	return &cfg, nil
}

func (s *Store) SaveAgentConfig(ctx context.Context, cfg *domain.AgentConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := *cfg
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("sqlite: encode agent config: %w", err)
	}
	row := agentConfigRow{UserID: c.UserID, AgentID: c.AgentID, ConfigJSON: string(data), UpdatedAt: toMillis(c.UpdatedAt)}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_json", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlite: save agent config: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func toMillisPtr(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return toMillis(*t)
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromMillisPtr(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := fromMillis(ms)
	return &t
}
