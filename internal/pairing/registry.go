package pairing

/*
Registry управляет жизненным циклом связок "аккаунт пользователя <-> экземпляр расширения".

Автомат кода: issued -> active -> (disconnected | expired).

Особенности:
- Код одноразовый: после погашения удаляется из индекса кодов.
- Stale: запись с LastSeen старше HeartbeatTimeout не удаляется, а только исключается
  из выбора цели. Следующий heartbeat ее восстанавливает.
- Most-recent-wins: при нескольких активных браузерах команда уходит в самый свежий.
- Запись по одному extensionInstanceId сериализуется мьютексом экземпляра, чтобы параллельные
  пайплайны не теряли обновления LastSeen/Active. Порядок записей в стор совпадает с порядком в памяти.
*/

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/store"
	"go.uber.org/zap"
)

type Options struct {
	CodeLength       int           // 6..8
	CodeTTL          time.Duration // Окно погашения кода
	HeartbeatTimeout time.Duration // После этого запись считается stale
	Now              func() time.Time
}

func (o *Options) setDefaults() {
	if o.CodeLength < MinCodeLength || o.CodeLength > MaxCodeLength {
		o.CodeLength = MaxCodeLength
	}
	if o.CodeTTL <= 0 {
		o.CodeTTL = 10 * time.Minute
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Status — ответ на запрос состояния сопряжения пользователя
type Status struct {
	Active     bool      `json:"active"`
	Stale      bool      `json:"stale,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

type Registry struct {
	store  store.PairingStore
	logger *zap.Logger
	opts   Options

	mu         sync.RWMutex
	codes      map[string]*domain.PairingRecord // код -> выданная запись
	byInstance map[string]*domain.PairingRecord // instanceID -> текущая связка

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRegistry: st может быть nil, тогда состояние живет только в памяти
func NewRegistry(st store.PairingStore, logger *zap.Logger, opts Options) *Registry {
	opts.setDefaults()
	return &Registry{
		store:      st,
		logger:     logger.Named("pairing"),
		opts:       opts,
		codes:      make(map[string]*domain.PairingRecord),
		byInstance: make(map[string]*domain.PairingRecord),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Init поднимает активные связки и живые коды из стора после рестарта
func (r *Registry) Init(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.ListPairings(ctx)
	if err != nil {
		return fmt.Errorf("load pairings: %w", err)
	}

	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range records {
		rec := records[i]
		switch {
		case rec.State == domain.PairingIssued && rec.PairingCode != "" && now.Before(rec.CodeExpiresAt):
			r.codes[rec.PairingCode] = &rec
		case rec.Active && rec.ExtensionInstanceID != "":
			if cur, ok := r.byInstance[rec.ExtensionInstanceID]; ok && cur.LastSeen.After(rec.LastSeen) {
				continue
			}
			r.byInstance[rec.ExtensionInstanceID] = &rec
		}
	}
	r.logger.Info("pairings restored", zap.Int("active", len(r.byInstance)), zap.Int("codes", len(r.codes)))
	return nil
}

// IssueCode выдает одноразовый код для пользователя
func (r *Registry) IssueCode(ctx context.Context, userID string) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: user_id is required", domain.ErrInvalidConfig)
	}
	now := r.opts.Now()

	r.mu.Lock()
	var code string
	for {
		c, err := generateCode(r.opts.CodeLength)
		if err != nil {
			r.mu.Unlock()
			return "", time.Time{}, err
		}
		if _, taken := r.codes[c]; !taken {
			code = c
			break
		}
	}
	rec := &domain.PairingRecord{
		ID:            uuid.New().String(),
		UserID:        userID,
		PairingCode:   code,
		State:         domain.PairingIssued,
		CreatedAt:     now,
		CodeExpiresAt: now.Add(r.opts.CodeTTL),
	}
	r.codes[code] = rec
	snapshot := *rec
	r.mu.Unlock()

	r.persist(ctx, &snapshot)
	r.logger.Info("pairing code issued", zap.String("user_id", userID), zap.Time("expires_at", rec.CodeExpiresAt))
	return code, rec.CodeExpiresAt, nil
}

// Redeem гасит код и привязывает экземпляр расширения к пользователю.
// Неизвестный, просроченный или уже использованный код — ErrInvalidCode.
func (r *Registry) Redeem(ctx context.Context, code, instanceID string) (*domain.PairingRecord, error) {
	code = NormalizeCode(code)
	instanceID = strings.TrimSpace(instanceID)
	if code == "" || instanceID == "" {
		return nil, domain.ErrInvalidCode
	}

	unlock := r.lockInstance(instanceID)
	defer unlock()

	now := r.opts.Now()
	r.mu.Lock()
	rec, ok := r.codes[code]
	if !ok {
		r.mu.Unlock()
		return nil, domain.ErrInvalidCode
	}
	delete(r.codes, code)

	if !now.Before(rec.CodeExpiresAt) {
		rec.State = domain.PairingExpired
		rec.PairingCode = ""
		expired := *rec
		r.mu.Unlock()
		r.persist(ctx, &expired)
		return nil, fmt.Errorf("%w: code expired", domain.ErrInvalidCode)
	}

	// Повторное сопряжение экземпляра вытесняет прежнюю связку
	var superseded *domain.PairingRecord
	if prev, ok := r.byInstance[instanceID]; ok && prev.Active {
		prev.Active = false
		prev.State = domain.PairingDisconnected
		prev.DisconnectedAt = &now
		cp := *prev
		superseded = &cp
	}

	rec.ExtensionInstanceID = instanceID
	rec.PairingCode = ""
	rec.State = domain.PairingActive
	rec.Active = true
	rec.LastSeen = now
	rec.RedeemedAt = &now
	r.byInstance[instanceID] = rec
	bound := *rec
	r.mu.Unlock()

	if superseded != nil {
		r.persist(ctx, superseded)
	}
	r.persist(ctx, &bound)

	r.logger.Info("pairing redeemed",
		zap.String("user_id", bound.UserID),
		zap.String("instance_id", instanceID),
		zap.Bool("superseded", superseded != nil),
	)
	return &bound, nil
}

// Heartbeat обновляет LastSeen. Stale-запись снова становится пригодной для диспетчеризации.
func (r *Registry) Heartbeat(ctx context.Context, instanceID string) (time.Time, error) {
	unlock := r.lockInstance(instanceID)
	defer unlock()

	now := r.opts.Now()
	r.mu.Lock()
	rec, ok := r.byInstance[instanceID]
	if !ok || !rec.Active {
		r.mu.Unlock()
		return time.Time{}, domain.ErrNoActivePairing
	}
	rec.LastSeen = now
	snapshot := *rec
	r.mu.Unlock()

	r.persist(ctx, &snapshot)
	return now, nil
}

// Disconnect отзывает связку. Повторный вызов и чужой экземпляр — no-op.
func (r *Registry) Disconnect(ctx context.Context, userID, instanceID string) error {
	unlock := r.lockInstance(instanceID)
	defer unlock()

	now := r.opts.Now()
	r.mu.Lock()
	rec, ok := r.byInstance[instanceID]
	if !ok || rec.UserID != userID || !rec.Active {
		r.mu.Unlock()
		return nil
	}
	rec.Active = false
	rec.State = domain.PairingDisconnected
	rec.DisconnectedAt = &now
	snapshot := *rec
	r.mu.Unlock()

	r.persist(ctx, &snapshot)
	r.logger.Info("pairing disconnected", zap.String("user_id", userID), zap.String("instance_id", instanceID))
	return nil
}

// ResolveTarget выбирает экземпляр для отправки команды: самый свежий не-stale активный
func (r *Registry) ResolveTarget(_ context.Context, userID string) (string, error) {
	now := r.opts.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *domain.PairingRecord
	for _, rec := range r.byInstance {
		if rec.UserID != userID || !rec.Active || rec.IsStale(now, r.opts.HeartbeatTimeout) {
			continue
		}
		if best == nil || rec.LastSeen.After(best.LastSeen) {
			best = rec
		}
	}
	if best == nil {
		return "", domain.ErrNoActivePairing
	}
	return best.ExtensionInstanceID, nil
}

// Status сообщает, есть ли у пользователя живое сопряжение
func (r *Registry) Status(_ context.Context, userID string) Status {
	now := r.opts.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best     *domain.PairingRecord
		bestLive bool
	)
	for _, rec := range r.byInstance {
		if rec.UserID != userID || !rec.Active {
			continue
		}
		live := !rec.IsStale(now, r.opts.HeartbeatTimeout)
		// Живая запись всегда важнее stale, среди равных — самая свежая
		if best == nil || (live && !bestLive) || (live == bestLive && rec.LastSeen.After(best.LastSeen)) {
			best, bestLive = rec, live
		}
	}
	if best == nil {
		return Status{}
	}
	return Status{
		Active:     bestLive,
		Stale:      !bestLive,
		InstanceID: best.ExtensionInstanceID,
		LastSeen:   best.LastSeen,
	}
}

// List возвращает текущие связки пользователя (включая отключенные в этом процессе)
func (r *Registry) List(userID string) []domain.PairingRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PairingRecord, 0)
	for _, rec := range r.byInstance {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	return out
}

// Owner возвращает пользователя активной связки экземпляра
func (r *Registry) Owner(instanceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byInstance[instanceID]
	if !ok || !rec.Active {
		return "", false
	}
	return rec.UserID, true
}

// ExpireCodes удаляет просроченные коды. Возвращает количество.
func (r *Registry) ExpireCodes(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	var expired []domain.PairingRecord
	for code, rec := range r.codes {
		if now.Before(rec.CodeExpiresAt) {
			continue
		}
		delete(r.codes, code)
		rec.State = domain.PairingExpired
		rec.PairingCode = ""
		expired = append(expired, *rec)
	}
	r.mu.Unlock()

	for i := range expired {
		r.persist(ctx, &expired[i])
	}
	return len(expired)
}

// ActiveCount — число активных не-stale связок
func (r *Registry) ActiveCount() int {
	now := r.opts.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.byInstance {
		if rec.Active && !rec.IsStale(now, r.opts.HeartbeatTimeout) {
			n++
		}
	}
	return n
}

// Run периодически чистит коды и обновляет gauge. Блокируется до отмены ctx.
func (r *Registry) Run(ctx context.Context, every time.Duration, gauge prometheus.Gauge) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.ExpireCodes(ctx, r.opts.Now()); n > 0 {
				r.logger.Debug("pairing codes expired", zap.Int("count", n))
			}
			if gauge != nil {
				gauge.Set(float64(r.ActiveCount()))
			}
		}
	}
}

func (r *Registry) lockInstance(instanceID string) func() {
	r.locksMu.Lock()
	m, ok := r.locks[instanceID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[instanceID] = m
	}
	r.locksMu.Unlock()

	m.Lock()
	return m.Unlock
}

// persist — write-through в стор. Ошибка стора не ломает рантайм: память остается источником правды.
func (r *Registry) persist(ctx context.Context, rec *domain.PairingRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.SavePairing(ctx, rec); err != nil {
		r.logger.Error("failed to persist pairing",
			zap.String("id", rec.ID),
			zap.String("state", string(rec.State)),
			zap.Error(err),
		)
	}
}
