package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
)

// PairingTracker — то, что хабу нужно от PairingRegistry
type PairingTracker interface {
	Owner(instanceID string) (string, bool)
	Heartbeat(ctx context.Context, instanceID string) (time.Time, error)
}

// Authenticator достает пользователя и экземпляр расширения из запроса на апгрейд
type Authenticator func(r *http.Request) (userID, instanceID string, err error)

type HubOptions struct {
	QueueSize    int           // Очередь исходящих команд на сессию
	WriteTimeout time.Duration
	ReadLimit    int64
	RetryAfter   time.Duration // Подсказка в ThrottleError при переполненной очереди

	// Хуки для каталога узлов: сокет расширения появился/пропал на этом узле
	OnAttach func(instanceID string)
	OnDetach func(instanceID string)
}

func (o *HubOptions) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 32
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20 // 1 MiB
	}
	if o.RetryAfter <= 0 {
		o.RetryAfter = time.Second
	}
}

type session struct {
	instanceID string
	userID     string
	conn       *websocket.Conn
	out        chan Message
	done       chan struct{}
	closeOnce  sync.Once
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(code, reason)
	})
}

type waiting struct {
	instanceID string
	ch         chan *domain.CommandResult
}

// Hub держит WebSocket-сессии экземпляров расширения: одна живая сессия на экземпляр.
// Новое подключение того же экземпляра вытесняет старое.
type Hub struct {
	pairings PairingTracker
	auth     Authenticator
	opts     HubOptions
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	pending  map[string]waiting // request_id -> ожидающий Send
}

func NewHub(pairings PairingTracker, auth Authenticator, logger *zap.Logger, opts HubOptions) *Hub {
	opts.setDefaults()
	return &Hub{
		pairings: pairings,
		auth:     auth,
		opts:     opts,
		logger:   logger.With(zap.String("mod", "ws-hub")),
		sessions: make(map[string]*session),
		pending:  make(map[string]waiting),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, instanceID, err := h.auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if owner, ok := h.pairings.Owner(instanceID); !ok || owner != userID {
		http.Error(w, "extension instance is not paired with this account", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	conn.SetReadLimit(h.opts.ReadLimit)

	s := &session{
		instanceID: instanceID,
		userID:     userID,
		conn:       conn,
		out:        make(chan Message, h.opts.QueueSize),
		done:       make(chan struct{}),
	}
	h.attach(s)
	defer h.detach(s)

	ctx := r.Context()
	if !h.touch(ctx, s) {
		return
	}
	go h.writeLoop(ctx, s)
	s.out <- Message{Type: MsgReady, InstanceID: instanceID}
	h.readLoop(ctx, s)
}

// Send реализует транспорт диспетчера: ставит конверт в очередь сессии и ждет результат
func (h *Hub) Send(ctx context.Context, instanceID string, env domain.CommandEnvelope) (*domain.CommandResult, error) {
	h.mu.Lock()
	s := h.sessions[instanceID]
	if s == nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDeliveryFailed, instanceID, ErrNotConnected)
	}
	ch := make(chan *domain.CommandResult, 1)
	h.pending[env.RequestID] = waiting{instanceID: instanceID, ch: ch}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, env.RequestID)
		h.mu.Unlock()
	}()

	select {
	case s.out <- Message{Type: MsgCommand, Command: &env}:
	case <-s.done:
		return nil, fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, ErrConnLost)
	default:
		return nil, &ThrottleError{RetryAfter: h.opts.RetryAfter, Cause: ErrQueueFull}
	}

	select {
	case res := <-ch:
		return res, nil
	case <-s.done:
		return nil, fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, ErrConnLost)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connected — есть ли у экземпляра живая сессия на этом узле
func (h *Hub) Connected(instanceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[instanceID]
	return ok
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close закрывает все сессии (graceful shutdown)
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		s.close(websocket.StatusGoingAway, "gateway shutting down")
	}
}

// Disconnect рвет сессию экземпляра после отключения сопряжения
func (h *Hub) Disconnect(instanceID string) {
	h.mu.Lock()
	s := h.sessions[instanceID]
	h.mu.Unlock()
	if s != nil {
		go s.close(websocket.StatusPolicyViolation, "pairing disconnected")
	}
}

func (h *Hub) attach(s *session) {
	h.mu.Lock()
	prev := h.sessions[s.instanceID]
	h.sessions[s.instanceID] = s
	h.mu.Unlock()

	if prev != nil {
		// Close ждет ответный close-фрейм, новую сессию это держать не должно
		go prev.close(websocket.StatusPolicyViolation, "superseded by a newer connection")
	}
	if h.opts.OnAttach != nil {
		h.opts.OnAttach(s.instanceID)
	}
	h.logger.Info("extension connected", zap.String("instance_id", s.instanceID), zap.String("user_id", s.userID))
}

func (h *Hub) detach(s *session) {
	s.close(websocket.StatusNormalClosure, "")

	h.mu.Lock()
	current := h.sessions[s.instanceID] == s
	if current {
		delete(h.sessions, s.instanceID)
	}
	h.mu.Unlock()

	if current && h.opts.OnDetach != nil {
		h.opts.OnDetach(s.instanceID)
	}
	h.logger.Info("extension disconnected", zap.String("instance_id", s.instanceID))
}

// touch продлевает сопряжение. Отозванное сопряжение закрывает сессию.
func (h *Hub) touch(ctx context.Context, s *session) bool {
	if _, err := h.pairings.Heartbeat(ctx, s.instanceID); err != nil {
		h.logger.Warn("heartbeat rejected", zap.String("instance_id", s.instanceID), zap.Error(err))
		s.close(websocket.StatusPolicyViolation, "pairing is not active")
		return false
	}
	return true
}

func (h *Hub) readLoop(ctx context.Context, s *session) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.logger.Debug("extension read failed", zap.String("instance_id", s.instanceID), zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("malformed extension message", zap.String("instance_id", s.instanceID), zap.Error(err))
			continue
		}
		switch msg.Type {
		case MsgHeartbeat:
			if !h.touch(ctx, s) {
				return
			}
			h.enqueue(s, Message{Type: MsgHeartbeatAck})
		case MsgResult:
			if msg.Result == nil {
				continue
			}
			if !h.touch(ctx, s) {
				return
			}
			h.resolve(s.instanceID, msg.Result)
		default:
			h.logger.Warn("unknown extension message", zap.String("instance_id", s.instanceID), zap.String("type", msg.Type))
		}
	}
}

func (h *Hub) resolve(instanceID string, res *domain.CommandResult) {
	h.mu.Lock()
	w, ok := h.pending[res.RequestID]
	if ok && w.instanceID == instanceID {
		delete(h.pending, res.RequestID)
	}
	h.mu.Unlock()

	switch {
	case !ok:
		// Таймаут уже сработал: результат игнорируется
		h.logger.Debug("late or unknown result", zap.String("request_id", res.RequestID))
	case w.instanceID != instanceID:
		h.logger.Warn("result from a foreign instance dropped",
			zap.String("request_id", res.RequestID),
			zap.String("instance_id", instanceID),
		)
	default:
		w.ch <- res
	}
}

func (h *Hub) enqueue(s *session, msg Message) {
	select {
	case s.out <- msg:
	default:
	}
}

func (h *Hub) writeLoop(ctx context.Context, s *session) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("encode message", zap.String("type", msg.Type), zap.Error(err))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err = s.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Warn("extension write failed", zap.String("instance_id", s.instanceID), zap.Error(err))
				s.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
