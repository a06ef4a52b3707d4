package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// GetAgentConfig возвращает корзины автономии пары (пользователь, агент)
func (r *Repo) GetAgentConfig(ctx context.Context, userID, agentID string) (*domain.AgentConfiguration, error) {
	query := `
		SELECT user_id, agent_id, autonomous_tasks, confirm_tasks, suggest_tasks, allowed_tools, permissions, updated_at
		FROM agent_configs
		WHERE user_id = $1 AND agent_id = $2`

	var c domain.AgentConfiguration
	err := r.pool.QueryRow(ctx, query, userID, agentID).Scan(
		&c.UserID, &c.AgentID,
		&c.AutonomousTasks, &c.ConfirmTasks, &c.SuggestTasks,
		&c.AllowedTools, &c.Permissions,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: agent config %s/%s: %w", userID, agentID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: failed to get agent config: %w", err)
	}
	return &c, nil
}

// SaveAgentConfig — upsert. Пересечение корзин отсекается до записи.
func (r *Repo) SaveAgentConfig(ctx context.Context, cfg *domain.AgentConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	updated := cfg.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	query := `
		INSERT INTO agent_configs (user_id, agent_id, autonomous_tasks, confirm_tasks, suggest_tasks, allowed_tools, permissions, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, agent_id) DO UPDATE SET
			autonomous_tasks = EXCLUDED.autonomous_tasks,
			confirm_tasks    = EXCLUDED.confirm_tasks,
			suggest_tasks    = EXCLUDED.suggest_tasks,
			allowed_tools    = EXCLUDED.allowed_tools,
			permissions      = EXCLUDED.permissions,
			updated_at       = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		cfg.UserID, cfg.AgentID,
		nonNil(cfg.AutonomousTasks), nonNil(cfg.ConfirmTasks), nonNil(cfg.SuggestTasks),
		nonNil(cfg.AllowedTools), nonNil(cfg.Permissions),
		updated,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save agent config: %w", err)
	}
	return nil
}

// nil-слайс pgx пишет как NULL, а колонки NOT NULL
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
