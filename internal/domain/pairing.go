package domain

import "time"

// PairingState — конечный автомат кода сопряжения:
// issued -> active -> (disconnected | expired)
type PairingState string

const (
	PairingIssued       PairingState = "issued"
	PairingActive       PairingState = "active"
	PairingDisconnected PairingState = "disconnected"
	PairingExpired      PairingState = "expired"
)

// PairingRecord — связка аккаунта пользователя и конкретного экземпляра расширения.
type PairingRecord struct {
	ID                  string       `json:"id"`
	UserID              string       `json:"user_id"`
	ExtensionInstanceID string       `json:"extension_instance_id,omitempty"` // Пусто, пока код не погашен
	PairingCode         string       `json:"-"`                               // Одноразовый, после погашения очищается
	State               PairingState `json:"state"`
	Active              bool         `json:"active"`

	LastSeen       time.Time  `json:"last_seen"`
	CreatedAt      time.Time  `json:"created_at"`
	CodeExpiresAt  time.Time  `json:"code_expires_at"`
	RedeemedAt     *time.Time `json:"redeemed_at,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// IsStale — запись активна, но расширение давно не присылало heartbeat.
// Такая запись не удаляется и исключается только из выбора цели.
func (p *PairingRecord) IsStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastSeen) > timeout
}
