// Package postgres — реализация store.Store поверх pgx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-browserops/internal/store"
)

type Repo struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Repo)(nil)

type Options struct {
	MaxConns int32
	MinConns int32
}

// New открывает пул и накатывает схему. Соединение проверяется через Ping.
func New(ctx context.Context, connString string, opts Options) (*Repo, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	r := &Repo{pool: pool}
	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := r.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Ping проверяет доступность базы при старте
func (r *Repo) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

func (r *Repo) Close() error {
	r.pool.Close()
	return nil
}

// Схема идемпотентна, повторный запуск ничего не ломает
const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id           TEXT PRIMARY KEY,
	seq          BIGSERIAL,
	user_id      TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	agent_type   TEXT NOT NULL DEFAULT '',
	plan         JSONB NOT NULL,
	status       TEXT NOT NULL,
	results      JSONB NOT NULL DEFAULT '{}',
	error        TEXT NOT NULL DEFAULT '',
	error_kind   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS executions_user_created_idx ON executions (user_id, created_at DESC, seq DESC);

CREATE TABLE IF NOT EXISTS command_log (
	id           TEXT PRIMARY KEY,
	seq          BIGINT NOT NULL,
	trace_id     TEXT NOT NULL DEFAULT '',
	request_id   TEXT NOT NULL DEFAULT '',
	execution_id TEXT NOT NULL,
	step_id      TEXT NOT NULL DEFAULT '',
	user_id      TEXT NOT NULL DEFAULT '',
	agent_id     TEXT NOT NULL DEFAULT '',
	capability   TEXT NOT NULL DEFAULT '',
	event        TEXT NOT NULL,
	status       TEXT NOT NULL,
	args         JSONB,
	signature    TEXT NOT NULL DEFAULT '',
	result       JSONB,
	error        TEXT NOT NULL DEFAULT '',
	ts           TIMESTAMPTZ NOT NULL,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	prev_hash    TEXT NOT NULL DEFAULT '',
	hash         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS command_log_execution_idx ON command_log (execution_id, seq);

CREATE TABLE IF NOT EXISTS pairings (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	instance_id     TEXT NOT NULL DEFAULT '',
	code            TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen       TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	code_expires_at TIMESTAMPTZ NOT NULL,
	redeemed_at     TIMESTAMPTZ,
	disconnected_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS agent_configs (
	user_id          TEXT NOT NULL,
	agent_id         TEXT NOT NULL,
	autonomous_tasks TEXT[] NOT NULL DEFAULT '{}',
	confirm_tasks    TEXT[] NOT NULL DEFAULT '{}',
	suggest_tasks    TEXT[] NOT NULL DEFAULT '{}',
	allowed_tools    TEXT[] NOT NULL DEFAULT '{}',
	permissions      TEXT[] NOT NULL DEFAULT '{}',
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, agent_id)
);
`

func (r *Repo) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
