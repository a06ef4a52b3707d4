package engine

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"golang.org/x/crypto/hkdf"
)

const (
	minSecretLen   = 32
	commandKeyInfo = "browserops/command-signing/v1:"
)

// CommandClaims — то, что подпись связывает: requestId, глагол, аргументы и время выдачи
type CommandClaims struct {
	RequestID  string `json:"rid"`
	Capability string `json:"cap"`
	AgentID    string `json:"agt"`
	ArgsSHA256 string `json:"args_sha256"`
	jwt.RegisteredClaims
}

// Signer подписывает команды HS256-ключом, выведенным через HKDF для конкретного
// экземпляра расширения. Ключ одного браузера не подходит для другого.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner: ttl — окно свежести подписи, после которого расширение отвергает команду
func NewSigner(secret []byte, ttl time.Duration) (*Signer, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("%w: command secret must be at least %d bytes", domain.ErrInvalidConfig, minSecretLen)
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Signer{secret: append([]byte(nil), secret...), ttl: ttl, now: time.Now}, nil
}

// InstanceKey выводит ключ подписи для экземпляра расширения
func (s *Signer) InstanceKey(instanceID string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, s.secret, nil, []byte(commandKeyInfo+instanceID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive command key: %w", err)
	}
	return key, nil
}

// EncodedInstanceKey — ключ в виде, который отдается расширению при сопряжении
func (s *Signer) EncodedInstanceKey(instanceID string) (string, error) {
	key, err := s.InstanceKey(instanceID)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

func (s *Signer) Sign(instanceID string, cmd *domain.Command) (string, error) {
	key, err := s.InstanceKey(instanceID)
	if err != nil {
		return "", err
	}
	digest, err := ArgsDigest(cmd.Args)
	if err != nil {
		return "", err
	}
	now := s.now()
	claims := CommandClaims{
		RequestID:  cmd.RequestID,
		Capability: cmd.Capability,
		AgentID:    cmd.AgentID,
		ArgsSHA256: digest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cmd.UserID,
			Audience:  jwt.ClaimStrings{instanceID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign command %s: %w", cmd.RequestID, err)
	}
	return signed, nil
}

// Verify — проверка на стороне расширения: подпись, свежесть и соответствие конверту
func (s *Signer) Verify(token, instanceID string, env domain.CommandEnvelope) (*CommandClaims, error) {
	key, err := s.InstanceKey(instanceID)
	if err != nil {
		return nil, err
	}
	claims := &CommandClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(instanceID),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid command signature: %w", err)
	}

	digest, err := ArgsDigest(env.Args)
	if err != nil {
		return nil, err
	}
	if claims.RequestID != env.RequestID || claims.Capability != env.Capability || claims.ArgsSHA256 != digest {
		return nil, fmt.Errorf("invalid command signature: envelope does not match signed claims")
	}
	return claims, nil
}

// ArgsDigest — SHA-256 канонического JSON аргументов (ключи map сортируются encoding/json)
func ArgsDigest(args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode command args: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
