package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// Issuer выпускает RS256 токены: пользовательские (для API и opsctl)
// и сессионные токены расширения после погашения кода сопряжения.
type Issuer struct {
	key    *rsa.PrivateKey
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(key *rsa.PrivateKey, issuer string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{key: key, issuer: issuer, ttl: ttl, now: time.Now}
}

func (i *Issuer) IssueUser(userID string) (string, error) {
	return i.issue(userID, "", domain.ScopeUser)
}

// IssueOperator — пользователь с правом переключать kill-switch, песочницу и карантин агентов
func (i *Issuer) IssueOperator(userID string) (string, error) {
	return i.issue(userID, "", domain.ScopeUser, domain.ScopeOperator)
}

// IssueExtension — токен привязан к паре (пользователь, экземпляр расширения)
func (i *Issuer) IssueExtension(userID, instanceID string) (string, error) {
	return i.issue(userID, instanceID, domain.ScopeExtension)
}

func (i *Issuer) issue(userID, instanceID string, scopes ...string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user_id is required", domain.ErrInvalidConfig)
	}
	now := i.now()
	granted := make(map[string]bool, len(scopes))
	for _, sc := range scopes {
		granted[sc] = true
	}
	claims := domain.CustomClaims{
		UserID:     userID,
		InstanceID: instanceID,
		Scopes:     granted,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
