package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-browserops/internal/console/handler"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/engine"
	"github.com/xela07ax/spaceai-browserops/internal/infra/auth"
	"go.uber.org/zap"
)

// Handlers — обработчики бизнес-доменов
type Handlers struct {
	Pairing  *handler.PairingHandler  // /v1/pairing
	Task     *handler.TaskHandler     // /v1/tasks
	Approval *handler.ApprovalHandler // /v1/approvals (HITL)
	Agent    *handler.AgentHandler    // /v1/agents
	Audit    *handler.AuditHandler    // /v1/tasks/{id}/audit
	Policy   *handler.PolicyHandler   // /v1/policies
}

type Options struct {
	Validator auth.TokenValidator
	Extension http.Handler // WebSocket-хаб расширений
	Metrics   http.Handler // promhttp
	// Health проверяет зависимости (БД, Redis). nil — всегда ok.
	Health func(ctx context.Context) error
	// RequestTimeout ограничивает обычные запросы API. На сокет расширения не действует.
	RequestTimeout time.Duration
}

type APIServer struct {
	router *chi.Mux
	logger *zap.Logger
	h      Handlers
	opts   Options
}

// NewAPIServer собирает роутер шлюза со всеми зависимостями
func NewAPIServer(logger *zap.Logger, h Handlers, opts Options) *APIServer {
	s := &APIServer{
		router: chi.NewRouter(),
		logger: logger.Named("api"),
		h:      h,
		opts:   opts,
	}
	s.routes()
	return s
}

func (s *APIServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", s.health)
		if s.opts.Metrics != nil {
			r.Handle("/metrics", s.opts.Metrics)
		}
		// Расширение еще не имеет токена: его выдает redeem
		r.Post("/v1/pairing/redeem", s.h.Pairing.Redeem)
		// Хаб сам проверяет сессионный токен (заголовок или ?token=)
		if s.opts.Extension != nil {
			r.Handle("/v1/extension/ws", s.opts.Extension)
		}
	})

	// --- 3. СЕССИЯ РАСШИРЕНИЯ ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.opts.Validator, domain.ScopeExtension, s.logger))
		r.Post("/v1/pairing/heartbeat", s.h.Pairing.Heartbeat)
	})

	// --- 4. ПОЛЬЗОВАТЕЛЬ (RS256 токен со scope user) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.opts.Validator, domain.ScopeUser, s.logger))
		if s.opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
		}

		r.Route("/v1/pairing", func(r chi.Router) {
			r.Post("/codes", s.h.Pairing.IssueCode)
			r.Get("/status", s.h.Pairing.Status)
			r.Get("/", s.h.Pairing.List)
			r.Delete("/{instanceID}", s.h.Pairing.Disconnect)
		})

		r.Route("/v1/tasks", func(r chi.Router) {
			r.Post("/", s.h.Task.Submit)
			r.Get("/", s.h.Task.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Task.Get)
				r.Post("/cancel", s.h.Task.Cancel)
				r.Get("/log", s.h.Task.Log)
				r.Get("/audit", s.h.Audit.Verify)
			})
		})

		// Human-in-the-loop
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.h.Approval.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Approval.GetDetails)
				r.Post("/decide", s.h.Approval.Decide)
			})
		})

		r.Route("/v1/agents/{agentID}", func(r chi.Router) {
			r.Get("/config", s.h.Agent.GetConfig)
			r.Put("/config", s.h.Agent.PutConfig)

			// Флаги агента глобальные, поэтому только для операторов
			r.Group(func(r chi.Router) {
				r.Use(requireScope(domain.ScopeOperator))
				r.Get("/state", s.h.Agent.State)
				r.Post("/block", s.h.Agent.BlockAgent)
				r.Post("/unblock", s.h.Agent.UnblockAgent)
				r.Post("/sandbox", s.h.Agent.SetSandbox)
				r.Post("/quarantine", s.h.Agent.SetQuarantine)
			})
		})

		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.h.Policy.List)
			r.Get("/evaluate", s.h.Policy.Evaluate)
		})
	})
}

func (s *APIServer) health(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// accessLog — как middleware.Logger, но в zap и с trace_id
func (s *APIServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("trace_id", engine.TraceIDFromContext(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// requireScope — дополнительная область поверх уже проверенного токена
func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok || !claims.Scopes[scope] {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ServeHTTP позволяет использовать APIServer как стандартный http.Handler
func (s *APIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
