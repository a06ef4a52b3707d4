package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// hashView — поля записи, которые покрывает хеш (всё, кроме самого Hash)
type hashView struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	TraceID     string         `json:"trace_id"`
	RequestID   string         `json:"request_id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	UserID      string         `json:"user_id"`
	AgentID     string         `json:"agent_id"`
	Capability  string         `json:"capability"`
	Event       string         `json:"event"`
	Status      string         `json:"status"`
	Args        map[string]any `json:"args"`
	Signature   string         `json:"signature"`
	Result      map[string]any `json:"result"`
	Error       string         `json:"error"`
	Timestamp   int64          `json:"ts_ms"`
	DurationMs  int64          `json:"duration_ms"`
	PrevHash    string         `json:"prev_hash"`
}

// HashEntry считает SHA-256 записи, связанной с PrevHash.
// Время берется в миллисекундах, чтобы хеш переживал round-trip через любую БД.
func HashEntry(e domain.CommandLogEntry) string {
	v := hashView{
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
		Args:        e.Args,
		Signature:   e.Signature,
		Result:      e.Result,
		Error:       e.Error,
		Timestamp:   e.Timestamp.UTC().UnixMilli(),
		DurationMs:  e.DurationMs,
		PrevHash:    e.PrevHash,
	}
	// json.Marshal сортирует ключи map, поэтому сериализация детерминирована
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChain проверяет цепочку записей одного выполнения.
// Обнаруживает изменение, удаление и перестановку записей.
func VerifyChain(entries []domain.CommandLogEntry) error {
	sorted := append([]domain.CommandLogEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	prev := ""
	for i, e := range sorted {
		if e.Seq != int64(i+1) {
			return fmt.Errorf("audit: chain gap at seq %d (expected %d)", e.Seq, i+1)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("audit: broken link at seq %d", e.Seq)
		}
		if got := HashEntry(e); got != e.Hash {
			return fmt.Errorf("audit: entry %s (seq %d) was modified", e.ID, e.Seq)
		}
		prev = e.Hash
	}
	return nil
}
