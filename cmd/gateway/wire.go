package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/infra"
	"github.com/xela07ax/spaceai-browserops/internal/infra/auth"
	"github.com/xela07ax/spaceai-browserops/internal/planner"
	"github.com/xela07ax/spaceai-browserops/internal/policy"
	"github.com/xela07ax/spaceai-browserops/internal/repository/postgres"
	"github.com/xela07ax/spaceai-browserops/internal/repository/sqlite"
	"github.com/xela07ax/spaceai-browserops/internal/store"
	"github.com/xela07ax/spaceai-browserops/internal/store/memory"
	"go.uber.org/zap"
)

func openStore(ctx context.Context, cfg infra.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.URL, postgres.Options{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath)
	default:
		return memory.New(), nil
	}
}

type keyPair struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// loadKeys: без ключей в конфиге генерируется временная пара (токены живут до рестарта)
func loadKeys(cfg infra.AuthConfig, logger *zap.Logger) (keyPair, error) {
	if len(cfg.PrivateKey) == 0 {
		logger.Warn("auth.private_key_path is not set, using an ephemeral RSA key")
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return keyPair{}, fmt.Errorf("generate rsa key: %w", err)
		}
		return keyPair{private: key, public: &key.PublicKey}, nil
	}
	priv, err := auth.ParseRSAPrivateKey(cfg.PrivateKey)
	if err != nil {
		return keyPair{}, err
	}
	pub := &priv.PublicKey
	if len(cfg.PublicKey) > 0 {
		if pub, err = auth.ParseRSAPublicKey(cfg.PublicKey); err != nil {
			return keyPair{}, err
		}
	}
	return keyPair{private: priv, public: pub}, nil
}

// commandSecret: пустой секрет — случайный, расширениям придется пройти сопряжение заново после рестарта
func commandSecret(cfg infra.AuthConfig, logger *zap.Logger) []byte {
	if cfg.CommandSecret != "" {
		return []byte(cfg.CommandSecret)
	}
	logger.Warn("auth.command_secret is not set, signing keys will change on restart")
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	return secret
}

func buildPolicy(cfg infra.PolicyConfig) (policy.RuleSet, *policy.Engine, error) {
	rules := policy.DefaultRuleSet()
	if cfg.RulesPath != "" {
		var err error
		if rules, err = policy.LoadRuleSet(cfg.RulesPath); err != nil {
			return policy.RuleSet{}, nil, err
		}
	}
	unknown := domain.DecisionAllow
	if !cfg.DefaultAllow {
		unknown = domain.DecisionDeny
	}
	return rules, policy.NewEngine(rules, policy.Options{UnknownPlatform: unknown}), nil
}

func buildPlanner(cfg infra.PlannerConfig, logger *zap.Logger) planner.Planner {
	rules := planner.NewRulePlanner()
	if cfg.Mode == "rules" {
		return rules
	}
	llm := planner.NewLLMPlanner(planner.LLMConfig{
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		APIKey:     cfg.APIKey,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
	}, logger)
	if cfg.Mode == "llm" {
		return llm
	}
	return &planner.Fallback{Primary: llm, Secondary: rules, Logger: logger}
}

func advertiseAddr(cfg infra.RelayConfig) string {
	if cfg.AdvertiseAddr != "" {
		return cfg.AdvertiseAddr
	}
	return cfg.Addr
}

func healthCheck(st store.Store, rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		if p, ok := st.(interface{ Ping(context.Context) error }); ok {
			errs = append(errs, p.Ping(ctx))
		}
		if rdb != nil {
			errs = append(errs, rdb.Ping(ctx).Err())
		}
		return errors.Join(errs...)
	}
}
