package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// Количество колонок в таблице command_log
const logFields = 19

// WriteBatch — пакетная вставка журнала команд одним запросом.
// ON CONFLICT DO NOTHING: ретрай флаша не дублирует записи.
func (r *Repo) WriteBatch(ctx context.Context, entries []domain.CommandLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var placeholders strings.Builder
	vals := make([]interface{}, 0, len(entries)*logFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		if i > 0 {
			placeholders.WriteString(",")
		}
		placeholders.WriteString("(")
		for j := 1; j <= logFields; j++ {
			if j > 1 {
				placeholders.WriteString(", ")
			}
			fmt.Fprintf(&placeholders, "$%d", i*logFields+j)
		}
		placeholders.WriteString(")")

		args, err := json.Marshal(e.Args)
		if err != nil {
			return fmt.Errorf("postgres: encode args of %s: %w", e.ID, err)
		}
		result, err := json.Marshal(e.Result)
		if err != nil {
			return fmt.Errorf("postgres: encode result of %s: %w", e.ID, err)
		}

		vals = append(vals,
			e.ID, e.Seq, e.TraceID, e.RequestID, e.ExecutionID, e.StepID,
			e.UserID, e.AgentID, e.Capability, string(e.Event), string(e.Status),
			args, e.Signature, result, e.Error, e.Timestamp, e.DurationMs,
			e.PrevHash, e.Hash,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO command_log (id, seq, trace_id, request_id, execution_id, step_id, user_id, agent_id,
			capability, event, status, args, signature, result, error, ts, duration_ms, prev_hash, hash)
		VALUES %s
		ON CONFLICT (id) DO NOTHING`, placeholders.String())

	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write command log batch: %w", err)
	}
	return nil
}

// ListCommandLog — журнал выполнения в порядке цепочки. Пустой executionID — весь журнал.
func (r *Repo) ListCommandLog(ctx context.Context, executionID string) ([]domain.CommandLogEntry, error) {
	query := `
		SELECT id, seq, trace_id, request_id, execution_id, step_id, user_id, agent_id,
			capability, event, status, args, signature, result, error, ts, duration_ms, prev_hash, hash
		FROM command_log
		WHERE $1 = '' OR execution_id = $1
		ORDER BY seq, ts`

	rows, err := r.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query command log: %w", err)
	}
	defer rows.Close()

	out := make([]domain.CommandLogEntry, 0)
	for rows.Next() {
		var (
			e            domain.CommandLogEntry
			event, st    string
			args, result []byte
		)
		err := rows.Scan(
			&e.ID, &e.Seq, &e.TraceID, &e.RequestID, &e.ExecutionID, &e.StepID, &e.UserID, &e.AgentID,
			&e.Capability, &event, &st, &args, &e.Signature, &result, &e.Error, &e.Timestamp, &e.DurationMs,
			&e.PrevHash, &e.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan command log: %w", err)
		}
		e.Event = domain.CommandEvent(event)
		e.Status = domain.CommandStatus(st)
		if err := json.Unmarshal(args, &e.Args); err != nil {
			return nil, fmt.Errorf("postgres: decode args of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal(result, &e.Result); err != nil {
			return nil, fmt.Errorf("postgres: decode result of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}

	// Проверка на ошибки итерации (стандарт качества pgx)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
