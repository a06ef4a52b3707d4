package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/store"
)

const executionColumns = `id, user_id, agent_id, agent_type, plan, status, results, error, error_kind, created_at, updated_at, completed_at`

func (r *Repo) CreateExecution(ctx context.Context, e *domain.TaskExecution) error {
	plan, err := json.Marshal(e.Plan)
	if err != nil {
		return fmt.Errorf("postgres: encode plan: %w", err)
	}
	results, err := json.Marshal(e.Results)
	if err != nil {
		return fmt.Errorf("postgres: encode results: %w", err)
	}

	query := `INSERT INTO executions (` + executionColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = r.pool.Exec(ctx, query,
		e.ID, e.UserID, e.AgentID, e.AgentType, plan, string(e.Status), results,
		e.Error, e.ErrorKind, e.CreatedAt, e.UpdatedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create execution: %w", err)
	}
	return nil
}

// UpdateExecution трогает только изменяемые колонки. План, владелец и created_at не переписываются.
func (r *Repo) UpdateExecution(ctx context.Context, e *domain.TaskExecution) error {
	results, err := json.Marshal(e.Results)
	if err != nil {
		return fmt.Errorf("postgres: encode results: %w", err)
	}

	query := `
		UPDATE executions
		SET status = $1, results = $2, error = $3, error_kind = $4, updated_at = $5, completed_at = $6
		WHERE id = $7`

	tag, err := r.pool.Exec(ctx, query, string(e.Status), results, e.Error, e.ErrorKind, e.UpdatedAt, e.CompletedAt, e.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: execution %s: %w", e.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *Repo) GetExecution(ctx context.Context, id string) (*domain.TaskExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	e, err := scanExecution(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: execution %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: failed to get execution: %w", err)
	}
	return e, nil
}

// ListExecutions — история пользователя, самые свежие первыми
func (r *Repo) ListExecutions(ctx context.Context, userID string, limit, offset int) ([]*domain.TaskExecution, error) {
	limit, offset = store.NormalizePage(limit, offset)
	query := `SELECT ` + executionColumns + `
	          FROM executions
	          WHERE user_id = $1
	          ORDER BY created_at DESC, seq DESC
	          LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query executions: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	out := make([]*domain.TaskExecution, 0, limit)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func scanExecution(row pgx.Row) (*domain.TaskExecution, error) {
	var (
		e             domain.TaskExecution
		status        string
		plan, results []byte
	)
	err := row.Scan(
		&e.ID, &e.UserID, &e.AgentID, &e.AgentType, &plan, &status, &results,
		&e.Error, &e.ErrorKind, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = domain.ExecutionStatus(status)
	if err := json.Unmarshal(plan, &e.Plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := json.Unmarshal(results, &e.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if e.Results == nil {
		e.Results = map[string]domain.StepResult{}
	}
	return &e, nil
}
