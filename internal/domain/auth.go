package domain

import "github.com/golang-jwt/jwt/v5"

// Области доступа в токенах
const (
	ScopeUser      = "user"
	ScopeExtension = "extension"
	ScopeOperator  = "operator"
)

// CustomClaims — токен пользователя или сессии расширения.
// Для расширения дополнительно заполнен InstanceID.
type CustomClaims struct {
	UserID     string          `json:"user_id"`
	InstanceID string          `json:"instance_id,omitempty"`
	Scopes     map[string]bool `json:"scopes"`
	jwt.RegisteredClaims
}
