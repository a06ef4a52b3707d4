package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
)

func newKeys(t *testing.T) (*Issuer, *BaseValidator) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return NewIssuer(key, "browserops", time.Hour), NewBaseValidator(&key.PublicKey, "browserops")
}

func TestIssueAndVerify(t *testing.T) {
	iss, v := newKeys(t)

	tok, err := iss.IssueUser("user-1")
	require.NoError(t, err)
	claims, err := v.VerifyToken("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.True(t, claims.Scopes[domain.ScopeUser])
	assert.Empty(t, claims.InstanceID)

	tok, err = iss.IssueExtension("user-1", "inst-1")
	require.NoError(t, err)
	claims, err = v.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", claims.InstanceID)
	assert.True(t, claims.Scopes[domain.ScopeExtension])

	tok, err = iss.IssueOperator("ops-1")
	require.NoError(t, err)
	claims, err = v.VerifyToken(tok)
	require.NoError(t, err)
	assert.True(t, claims.Scopes[domain.ScopeUser])
	assert.True(t, claims.Scopes[domain.ScopeOperator])
}

func TestVerifyRejects(t *testing.T) {
	iss, v := newKeys(t)
	other, _ := newKeys(t)

	foreign, err := other.IssueUser("user-1")
	require.NoError(t, err)
	_, err = v.VerifyToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	iss.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := iss.IssueUser("user-1")
	require.NoError(t, err)
	_, err = v.VerifyToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.VerifyToken("")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = iss.IssueUser("")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestMiddleware(t *testing.T) {
	iss, v := newKeys(t)
	var seen string
	h := NewMiddleware(v, domain.ScopeUser, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
	}))

	userTok, _ := iss.IssueUser("user-1")
	extTok, _ := iss.IssueExtension("user-1", "inst-1")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"wrong scope", "Bearer " + extTok, http.StatusForbidden},
		{"ok", "Bearer " + userTok, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "user-1", seen)
}

func TestExtensionAuthenticator(t *testing.T) {
	iss, v := newKeys(t)
	authn := ExtensionAuthenticator(v)

	extTok, _ := iss.IssueExtension("user-1", "inst-1")
	req := httptest.NewRequest(http.MethodGet, "/v1/extension/ws?token="+extTok, nil)
	userID, instanceID, err := authn(req)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, "inst-1", instanceID)

	userTok, _ := iss.IssueUser("user-1")
	req = httptest.NewRequest(http.MethodGet, "/v1/extension/ws", nil)
	req.Header.Set("Authorization", "Bearer "+userTok)
	_, _, err = authn(req)
	assert.Error(t, err)
}
