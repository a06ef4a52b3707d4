package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// SavePairing — каждый переход сопряжения пишется насквозь (upsert по id)
func (r *Repo) SavePairing(ctx context.Context, rec *domain.PairingRecord) error {
	query := `
		INSERT INTO pairings (id, user_id, instance_id, code, state, active, last_seen, created_at, code_expires_at, redeemed_at, disconnected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			instance_id     = EXCLUDED.instance_id,
			code            = EXCLUDED.code,
			state           = EXCLUDED.state,
			active          = EXCLUDED.active,
			last_seen       = EXCLUDED.last_seen,
			code_expires_at = EXCLUDED.code_expires_at,
			redeemed_at     = EXCLUDED.redeemed_at,
			disconnected_at = EXCLUDED.disconnected_at`

	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.UserID, rec.ExtensionInstanceID, rec.PairingCode, string(rec.State), rec.Active,
		rec.LastSeen, rec.CreatedAt, rec.CodeExpiresAt, rec.RedeemedAt, rec.DisconnectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save pairing: %w", err)
	}
	return nil
}

// ListPairings — холодная загрузка реестра при старте
func (r *Repo) ListPairings(ctx context.Context) ([]domain.PairingRecord, error) {
	query := `
		SELECT id, user_id, instance_id, code, state, active, last_seen, created_at, code_expires_at, redeemed_at, disconnected_at
		FROM pairings
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query pairings: %w", err)
	}
	defer rows.Close()

	out := make([]domain.PairingRecord, 0)
	for rows.Next() {
		var (
			p     domain.PairingRecord
			state string
		)
		err := rows.Scan(
			&p.ID, &p.UserID, &p.ExtensionInstanceID, &p.PairingCode, &state, &p.Active,
			&p.LastSeen, &p.CreatedAt, &p.CodeExpiresAt, &p.RedeemedAt, &p.DisconnectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan pairing: %w", err)
		}
		p.State = domain.PairingState(state)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
