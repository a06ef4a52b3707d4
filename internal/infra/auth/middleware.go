package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — проверка токена для HTTP API и сокета расширения
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey struct{}

// WithClaims кладет проверенные claims в контекст
func WithClaims(ctx context.Context, c *domain.CustomClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func ClaimsFromContext(ctx context.Context) (*domain.CustomClaims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*domain.CustomClaims)
	return c, ok && c != nil
}

// UserIDFromContext — пусто, если запрос не прошел через middleware
func UserIDFromContext(ctx context.Context) string {
	if c, ok := ClaimsFromContext(ctx); ok {
		return c.UserID
	}
	return ""
}

// NewMiddleware пропускает только токены с нужной областью (domain.ScopeUser / ScopeExtension)
func NewMiddleware(v TokenValidator, scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !claims.Scopes[scope] {
				logger.Warn("token scope mismatch", zap.String("user_id", claims.UserID), zap.String("want", scope))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// ExtensionAuthenticator проверяет сессионный токен расширения на апгрейде WebSocket.
// Браузерный WebSocket не умеет в заголовки, поэтому токен может прийти в ?token=.
func ExtensionAuthenticator(v TokenValidator) func(r *http.Request) (string, string, error) {
	return func(r *http.Request) (string, string, error) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		claims, err := v.VerifyToken(token)
		if err != nil {
			return "", "", err
		}
		if !claims.Scopes[domain.ScopeExtension] || claims.InstanceID == "" {
			return "", "", errors.New("not an extension session token")
		}
		return claims.UserID, claims.InstanceID, nil
	}
}
