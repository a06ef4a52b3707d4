package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/pairing"
	"go.uber.org/zap"
)

type PairingRegistry interface {
	IssueCode(ctx context.Context, userID string) (string, time.Time, error)
	Redeem(ctx context.Context, code, instanceID string) (*domain.PairingRecord, error)
	Heartbeat(ctx context.Context, instanceID string) (time.Time, error)
	Disconnect(ctx context.Context, userID, instanceID string) error
	Status(ctx context.Context, userID string) pairing.Status
	List(userID string) []domain.PairingRecord
}

// SessionIssuer выписывает сессионный токен расширению после сопряжения
type SessionIssuer interface {
	IssueExtension(userID, instanceID string) (string, error)
}

// KeyDeriver отдает расширению ключ, которым оно проверяет подписи команд
type KeyDeriver interface {
	EncodedInstanceKey(instanceID string) (string, error)
}

// SessionCloser рвет живой сокет экземпляра
type SessionCloser interface {
	Disconnect(instanceID string)
}

type CodeResult struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RedeemResult struct {
	Status       domain.PairingState `json:"status"`
	UserID       string              `json:"user_id"`
	InstanceID   string              `json:"instance_id"`
	SessionToken string              `json:"session_token"`
	SigningKey   string              `json:"signing_key"`
}

type HeartbeatResult struct {
	InstanceID string    `json:"instance_id"`
	LastSeen   time.Time `json:"last_seen"`
}

type PairingService struct {
	registry PairingRegistry
	issuer   SessionIssuer
	keys     KeyDeriver
	sessions SessionCloser
	logger   *zap.Logger
}

func NewPairingService(registry PairingRegistry, issuer SessionIssuer, keys KeyDeriver, sessions SessionCloser, logger *zap.Logger) *PairingService {
	return &PairingService{
		registry: registry,
		issuer:   issuer,
		keys:     keys,
		sessions: sessions,
		logger:   logger.Named("pairing-service"),
	}
}

func (s *PairingService) IssueCode(ctx context.Context, userID string) (*CodeResult, error) {
	code, exp, err := s.registry.IssueCode(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &CodeResult{Code: code, ExpiresAt: exp}, nil
}

// Redeem гасит код и выдает расширению все, что нужно для работы: токен сессии и ключ подписи
func (s *PairingService) Redeem(ctx context.Context, code, instanceID string) (*RedeemResult, error) {
	rec, err := s.registry.Redeem(ctx, code, instanceID)
	if err != nil {
		return nil, err
	}
	token, err := s.issuer.IssueExtension(rec.UserID, rec.ExtensionInstanceID)
	if err != nil {
		return nil, fmt.Errorf("pairing_service: issue session token: %w", err)
	}
	key, err := s.keys.EncodedInstanceKey(rec.ExtensionInstanceID)
	if err != nil {
		return nil, fmt.Errorf("pairing_service: derive signing key: %w", err)
	}
	return &RedeemResult{
		Status:       rec.State,
		UserID:       rec.UserID,
		InstanceID:   rec.ExtensionInstanceID,
		SessionToken: token,
		SigningKey:   key,
	}, nil
}

func (s *PairingService) Heartbeat(ctx context.Context, instanceID string) (*HeartbeatResult, error) {
	seen, err := s.registry.Heartbeat(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &HeartbeatResult{InstanceID: instanceID, LastSeen: seen}, nil
}

func (s *PairingService) Status(ctx context.Context, userID string) pairing.Status {
	return s.registry.Status(ctx, userID)
}

func (s *PairingService) List(userID string) []domain.PairingRecord {
	return s.registry.List(userID)
}

// Disconnect отзывает связку и закрывает сокет, если он живет на этом узле
func (s *PairingService) Disconnect(ctx context.Context, userID, instanceID string) error {
	if err := s.registry.Disconnect(ctx, userID, instanceID); err != nil {
		return err
	}
	if s.sessions != nil {
		s.sessions.Disconnect(instanceID)
	}
	return nil
}
