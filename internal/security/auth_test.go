package security

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestValidateAPIKey(t *testing.T) {
	config := &Config{
		APIKeys:         []string{"caller-key-1", "caller-key-2"},
		OperatorAPIKeys: []string{"ops-key-1"},
	}
	auth := NewAuthenticator(config, testLogger())
	ctx := context.Background()

	tests := []struct {
		name     string
		apiKey   string
		wantErr  bool
		wantRole string
	}{
		{name: "valid caller key", apiKey: "caller-key-1", wantRole: RoleCaller},
		{name: "second caller key", apiKey: "caller-key-2", wantRole: RoleCaller},
		{name: "operator key", apiKey: "ops-key-1", wantRole: RoleOperator},
		{name: "invalid key", apiKey: "nope", wantErr: true},
		{name: "empty key", apiKey: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := auth.ValidateAPIKey(ctx, tt.apiKey)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, info)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRole, info.Role)
			assert.Equal(t, "api_key", info.AuthType)
			assert.NotEmpty(t, info.UserID)
		})
	}
}

func TestJWTRoundTrip(t *testing.T) {
	auth := NewAuthenticator(&Config{JWTSecret: "test-secret", JWTExpiry: time.Hour}, testLogger())

	token, err := auth.GenerateJWT("ops-user", RoleOperator)
	require.NoError(t, err)

	claims, err := auth.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-user", claims.UserID)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "dispatchd", claims.Issuer)
}

func TestValidateJWTRejectsWrongSecret(t *testing.T) {
	issuer := NewAuthenticator(&Config{JWTSecret: "secret-a"}, testLogger())
	verifier := NewAuthenticator(&Config{JWTSecret: "secret-b"}, testLogger())

	token, err := issuer.GenerateJWT("user", RoleCaller)
	require.NoError(t, err)

	_, err = verifier.ValidateJWT(token)
	assert.Error(t, err)
}

func TestAuthenticatePrefersAPIKeyThenJWT(t *testing.T) {
	auth := NewAuthenticator(&Config{
		APIKeys:   []string{"caller-key"},
		JWTSecret: "test-secret",
	}, testLogger())

	info, err := auth.Authenticate(context.Background(), "caller-key")
	require.NoError(t, err)
	assert.Equal(t, "api_key", info.AuthType)

	token, err := auth.GenerateJWT("jwt-user", RoleOperator)
	require.NoError(t, err)
	info, err = auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "jwt", info.AuthType)
	assert.Equal(t, "jwt-user", info.UserID)
}

func TestMiddleware(t *testing.T) {
	auth := NewAuthenticator(&Config{
		APIKeys:     []string{"caller-key"},
		RequireAuth: true,
	}, testLogger())

	var gotInfo *AuthInfo
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotInfo, _ = GetAuthInfo(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("health bypasses auth", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing token rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/dispatch", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer token accepted", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/dispatch", nil)
		req.Header.Set("Authorization", "Bearer caller-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, gotInfo)
		assert.Equal(t, RoleCaller, gotInfo.Role)
	})

	t.Run("x-api-key header accepted", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/dispatch", nil)
		req.Header.Set("X-API-Key", "caller-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRequireOperator(t *testing.T) {
	auth := NewAuthenticator(&Config{
		APIKeys:         []string{"caller-key"},
		OperatorAPIKeys: []string{"ops-key"},
		RequireAuth:     true,
	}, testLogger())

	handler := auth.RequireOperator(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("caller forbidden", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/v1/policy", nil)
		req = req.WithContext(WithAuthInfo(req.Context(), &AuthInfo{UserID: "u", Role: RoleCaller}))
		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("operator allowed", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/v1/policy", nil)
		req = req.WithContext(WithAuthInfo(req.Context(), &AuthInfo{UserID: "u", Role: RoleOperator}))
		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("anonymous forbidden", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest("PUT", "/v1/policy", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
