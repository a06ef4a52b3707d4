package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-browserops/internal/audit"
	"github.com/xela07ax/spaceai-browserops/internal/connectors"
	"github.com/xela07ax/spaceai-browserops/internal/console/handler"
	"github.com/xela07ax/spaceai-browserops/internal/console/server"
	"github.com/xela07ax/spaceai-browserops/internal/console/service"
	"github.com/xela07ax/spaceai-browserops/internal/engine"
	"github.com/xela07ax/spaceai-browserops/internal/infra"
	"github.com/xela07ax/spaceai-browserops/internal/infra/auth"
	"github.com/xela07ax/spaceai-browserops/internal/pairing"
	"github.com/xela07ax/spaceai-browserops/internal/risk"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const defaultAgentID = "browser-agent"

func run(parent context.Context, configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// Контекст для управления жизненным циклом фоновых горутин.
	// SIGINT/SIGTERM отменяет его и запускает graceful shutdown.
	appCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ресурсы
	st, err := openStore(appCtx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	logger.Info("store ready", zap.String("driver", cfg.Database.Driver))

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	keys, err := loadKeys(cfg.Auth, logger)
	if err != nil {
		return err
	}
	issuer := auth.NewIssuer(keys.private, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	validator := auth.NewBaseValidator(keys.public, cfg.Auth.Issuer)
	signer, err := engine.NewSigner(commandSecret(cfg.Auth, logger), cfg.Auth.CommandTTL)
	if err != nil {
		return err
	}

	// 2. Control Plane (менеджеры флагов агентов)
	ksm := engine.NewKillSwitchManager(rdb, logger)
	sm := engine.NewSandboxManager(rdb, logger)
	qm := engine.NewQuarantineManager(rdb, logger)
	for _, f := range []*engine.AgentFlags{ksm.AgentFlags, sm.AgentFlags, qm.AgentFlags} {
		if err := f.Init(appCtx); err != nil {
			return err
		}
		go f.StartListener(appCtx)
	}

	// 3. Сопряжение и правила
	registry := pairing.NewRegistry(st, logger, pairing.Options{
		CodeLength:       cfg.Pairing.CodeLength,
		CodeTTL:          cfg.Pairing.CodeTTL,
		HeartbeatTimeout: cfg.Pairing.HeartbeatTimeout,
	})
	if err := registry.Init(appCtx); err != nil {
		return err
	}
	go registry.Run(appCtx, cfg.Pairing.SweepInterval, metrics.ActivePairings)

	rules, policyEngine, err := buildPolicy(cfg.Policy)
	if err != nil {
		return err
	}
	logger.Info("policy loaded", zap.Int("rules", rules.Len()), zap.Bool("default_allow", cfg.Policy.DefaultAllow))

	taskPlanner := buildPlanner(cfg.Planner, logger)

	// 4. Журнал команд
	auditLog := audit.NewAgentFS(st, logger, audit.Options{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		BufferGauge:   metrics.AuditBufferFill,
	})
	auditLog.Start()
	defer auditLog.Stop()

	// 5. Подтверждения: между узлами через Redis
	var gate engine.ConfirmationGate
	if rdb != nil {
		rg := engine.NewRedisGate(rdb, logger)
		go rg.Listen(appCtx)
		gate = rg
	} else {
		gate = engine.NewMemoryGate()
	}

	// 6. Транспорт до расширений: локальный хаб, релей других узлов, Circuit Breaker
	hub := connectors.NewHub(registry, auth.ExtensionAuthenticator(validator), logger, connectors.HubOptions{})
	var dir connectors.Directory
	if cfg.Relay.Addr != "" {
		dir = connectors.NewRedisDirectory(rdb)
	}
	router := connectors.NewRouter(hub, dir, advertiseAddr(cfg.Relay), func(addr string) (connectors.Transport, error) {
		return connectors.DialRelay(addr, cfg.Relay.Token)
	}, logger)
	router.Track(appCtx)

	var transport connectors.Transport = router
	if cfg.Relay.Simulate {
		logger.Warn("extension simulator enabled: commands are not sent to browsers")
		transport = connectors.NewSimulator()
	}
	safeTransport := engine.NewReliabilityWrapper(transport, engine.BreakerSettings{
		Name:                "extension",
		MaxRequests:         cfg.Dispatch.CBMaxRequests,
		Interval:            cfg.Dispatch.CBInterval,
		Timeout:             cfg.Dispatch.CBTimeout,
		ConsecutiveFailures: cfg.Dispatch.CBConsecutiveFailures,
	}, metrics, logger)

	// 7. Core
	dispatcher := engine.NewDispatcher(engine.Deps{
		Policy:     policyEngine,
		Configs:    st,
		Targets:    registry,
		Transport:  safeTransport,
		Gate:       gate,
		Signer:     signer,
		Store:      st,
		Audit:      auditLog,
		Blocks:     ksm,
		Sandbox:    sm,
		Quarantine: qm,
		Limiter:    engine.NewUserRateLimiter(cfg.Dispatch.RatePerSecond, cfg.Dispatch.RateBurst),
		Risk:       risk.NewAnalyzer(cfg.Policy.RiskThresholds, logger),
		Metrics:    metrics,
		Logger:     logger,
	}, engine.Options{
		CommandTimeout:   cfg.Dispatch.CommandTimeout,
		ConfirmTimeout:   cfg.Dispatch.ConfirmTimeout,
		ExecutionTimeout: cfg.Dispatch.ExecutionTimeout,
	})

	// 8. HTTP API
	agents := service.NewAgentService(st, gate, ksm, sm, qm, logger)
	api := server.NewAPIServer(logger, server.Handlers{
		Pairing:  handler.NewPairingHandler(service.NewPairingService(registry, issuer, signer, hub, logger)),
		Task:     handler.NewTaskHandler(service.NewTaskService(taskPlanner, dispatcher, st, defaultAgentID, logger)),
		Approval: handler.NewApprovalHandler(agents),
		Agent:    handler.NewAgentHandler(agents, logger),
		Audit:    handler.NewAuditHandler(service.NewAuditService(st)),
		Policy:   handler.NewPolicyHandler(service.NewPolicyService(policyEngine, rules)),
	}, server.Options{
		Validator:      validator,
		Extension:      hub,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Health:         healthCheck(st, rdb),
		RequestTimeout: cfg.Server.WriteTimeout,
	})

	// WriteTimeout переживает hijack и рвал бы WebSocket, поэтому запросы API ограничивает middleware
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	// 9. Межузловой gRPC-релей
	var grpcSrv *grpc.Server
	if cfg.Relay.Addr != "" {
		lis, err := net.Listen("tcp", cfg.Relay.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen relay: %w", err)
		}
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(connectors.UnaryAuthInterceptor(cfg.Relay.Token)))
		// Релей отдает только в локальный хаб, иначе команда могла бы ходить по кругу
		connectors.NewRelay(hub, logger).Register(grpcSrv)
		go func() {
			logger.Info("relay started", zap.String("addr", cfg.Relay.Addr), zap.String("advertise", advertiseAddr(cfg.Relay)))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("relay stopped", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-appCtx.Done():
	case err := <-serveErr:
		logger.Error("http server failed", zap.Error(err))
		stop()
	}
	logger.Info("gateway stopping...")

	// 10. Graceful Shutdown: сначала вход, потом пайплайны, в конце журнал
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	hub.Close()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher shutdown", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	logger.Info("gateway exited properly")
	return nil
}
