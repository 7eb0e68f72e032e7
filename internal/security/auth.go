// Package security handles caller authentication for the dispatch API.
// Regular callers present an API key; operators additionally carry a JWT
// whose claims unlock the policy mutation endpoints.
package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// Role names carried in token claims.
const (
	RoleCaller   = "caller"
	RoleOperator = "operator"
)

type contextKey string

const authInfoKey contextKey = "auth_info"

// AuthInfo is the authenticated identity attached to a request context.
type AuthInfo struct {
	UserID    string     `json:"user_id"`
	Role      string     `json:"role"`
	AuthType  string     `json:"auth_type"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Claims are the JWT claims the authenticator issues and accepts.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Config holds authentication configuration.
type Config struct {
	APIKeys         []string      `yaml:"api_keys"`
	OperatorAPIKeys []string      `yaml:"operator_api_keys"`
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTExpiry       time.Duration `yaml:"jwt_expiry"`
	RequireAuth     bool          `yaml:"require_auth"`
}

// Authenticator validates API keys and JWTs and issues operator tokens.
type Authenticator struct {
	config *Config
	logger *logrus.Logger
}

// NewAuthenticator creates an authenticator. A zero JWT expiry defaults to
// 24 hours.
func NewAuthenticator(config *Config, logger *logrus.Logger) *Authenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	return &Authenticator{config: config, logger: logger}
}

// Authenticate validates a bearer token as an API key first, then a JWT.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*AuthInfo, error) {
	if info, err := a.ValidateAPIKey(ctx, token); err == nil {
		return info, nil
	}
	if claims, err := a.ValidateJWT(token); err == nil {
		return &AuthInfo{
			UserID:    claims.UserID,
			Role:      claims.Role,
			AuthType:  "jwt",
			ExpiresAt: &claims.ExpiresAt.Time,
		}, nil
	}
	return nil, errors.New("invalid authentication token")
}

// ValidateAPIKey checks a key against the caller and operator key lists using
// constant-time comparison.
func (a *Authenticator) ValidateAPIKey(ctx context.Context, apiKey string) (*AuthInfo, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	for _, valid := range a.config.OperatorAPIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(valid)) == 1 {
			return &AuthInfo{UserID: keyUserID(apiKey), Role: RoleOperator, AuthType: "api_key"}, nil
		}
	}
	for _, valid := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(valid)) == 1 {
			return &AuthInfo{UserID: keyUserID(apiKey), Role: RoleCaller, AuthType: "api_key"}, nil
		}
	}

	a.logger.WithField("api_key_prefix", maskAPIKey(apiKey)).Warn("Invalid API key attempted")
	return nil, errors.New("invalid API key")
}

// GenerateJWT issues a signed token for a user with the given role.
func (a *Authenticator) GenerateJWT(userID, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "dispatchd",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT parses and verifies a token string.
func (a *Authenticator) ValidateJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid JWT token")
}

// Middleware authenticates every request except health and docs. The
// resolved AuthInfo rides the request context for downstream handlers.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}
			if !a.config.RequireAuth {
				next.ServeHTTP(w, r)
				return
			}

			token := ExtractToken(r)
			if token == "" {
				writeAuthError(w, "Missing authentication token")
				return
			}

			info, err := a.Authenticate(r.Context(), token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"error":  err.Error(),
					"path":   r.URL.Path,
					"method": r.Method,
				}).Warn("Authentication failed")
				writeAuthError(w, "Invalid authentication token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), info)))
		})
	}
}

// RequireOperator wraps a handler that mutates operator-controlled state.
func (a *Authenticator) RequireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := GetAuthInfo(r.Context())
		if a.config.RequireAuth && (!ok || info.Role != RoleOperator) {
			a.logger.WithFields(logrus.Fields{
				"path":   r.URL.Path,
				"method": r.Method,
			}).Warn("Operator endpoint denied")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"message":"operator role required","type":"authorization_error","code":403}}`))
			return
		}
		next(w, r)
	}
}

// ExtractToken pulls the credential from the Authorization or X-API-Key
// header.
func ExtractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}
	return ""
}

// WithAuthInfo attaches auth info to a context.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey, info)
}

// GetAuthInfo extracts authentication info from a request context.
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(*AuthInfo)
	return info, ok
}

func keyUserID(apiKey string) string {
	if len(apiKey) >= 8 {
		return "key_" + apiKey[:8]
	}
	return "key_" + apiKey
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"message":"` + message + `","type":"authentication_error","code":401}}`))
}
