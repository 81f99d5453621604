// Package auth provides authentication for the gateway's admin API.
//
// Admin callers present an HS256 JWT in the Authorization header. Tokens
// are signed with the shared secret from the admin configuration and
// carry a space separated scope claim.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pvanvliet16/jentrata-VIB/internal/config"
)

// Sentinel errors for authentication failures.
// These errors are returned by [Authenticator.ValidateToken] and
// [Authenticator.ValidateRequest] to indicate specific failure modes.
var (
	// ErrNoToken indicates no Authorization header or Bearer token was provided.
	ErrNoToken = errors.New("no authorization token provided")

	// ErrInvalidToken indicates the token is malformed or has an invalid signature.
	ErrInvalidToken = errors.New("invalid authorization token")

	// ErrTokenExpired indicates the token's exp claim is in the past.
	ErrTokenExpired = errors.New("token has expired")

	// ErrInvalidAudience indicates the token's aud claim doesn't include the configured audience.
	ErrInvalidAudience = errors.New("invalid audience")

	// ErrInvalidIssuer indicates the token's iss claim doesn't match the configured issuer.
	ErrInvalidIssuer = errors.New("invalid issuer")

	// ErrInsufficientScope indicates the token lacks the scope a route requires.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// Admin scopes
const (
	ScopeRead  = "messages:read"
	ScopeWrite = "messages:write"
)

// Claims represents the JWT claims we care about
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HasScope checks if the token grants the given scope
func (c *Claims) HasScope(scope string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// Authenticator handles JWT validation
type Authenticator struct {
	config config.AdminConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthenticator creates a new JWT authenticator
func NewAuthenticator(cfg config.AdminConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		config: cfg,
		logger: logger.With(slog.String("component", "auth")),
		now:    time.Now,
	}
}

// IsEnabled returns true if the admin API is configured with a secret
func (a *Authenticator) IsEnabled() bool {
	return a.config.Enabled && a.config.JWTSecret != ""
}

// IssueToken signs a token for subject valid for ttl.
func (a *Authenticator) IssueToken(subject string, scopes []string, ttl time.Duration) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("admin jwt secret is not configured")
	}
	now := a.now()
	claims := &Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.config.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.config.Audience}
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// ValidateRequest extracts and validates the JWT from an HTTP request
func (a *Authenticator) ValidateRequest(r *http.Request) (*Claims, error) {
	token := extractBearerToken(r)
	if token == "" {
		return nil, ErrNoToken
	}
	return a.ValidateToken(r.Context(), token)
}

// ValidateToken validates a JWT and returns its claims
func (a *Authenticator) ValidateToken(_ context.Context, token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}
	if a.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.config.Audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(a.config.JWTSecret), nil
	}, opts...)
	switch {
	case err == nil:
		return &claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return nil, ErrInvalidIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, ErrInvalidAudience
	default:
		a.logger.Debug("rejected admin token", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}

// Require wraps next so that only requests carrying a valid token with
// the given scope reach it.
func (a *Authenticator) Require(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.ValidateRequest(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="jentrata"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if scope != "" && !claims.HasScope(scope) {
			http.Error(w, ErrInsufficientScope.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// Context key for storing claims
type contextKey string

const ClaimsContextKey contextKey = "auth_claims"

// ClaimsFromContext retrieves claims from context
func ClaimsFromContext(ctx context.Context) *Claims {
	if v := ctx.Value(ClaimsContextKey); v != nil {
		return v.(*Claims)
	}
	return nil
}

// ContextWithClaims adds claims to context
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsContextKey, claims)
}
