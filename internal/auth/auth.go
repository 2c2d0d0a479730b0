// Package auth verifies dashboard bearer tokens and shared webhook secrets.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultAudience is the audience claim expected on dashboard tokens.
const DefaultAudience = "authenticated"

var (
	// ErrMissingSecret is returned when no signing secret is configured.
	ErrMissingSecret = errors.New("AUTH_JWT_SECRET is required")
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the verified token claims CoachPipe uses.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject, which is the profile id.
func (c *Claims) UserID() string {
	return c.Subject
}

// Opts holds configuration for the verifier.
type Opts struct {
	Secret   string
	Audience string
	Leeway   time.Duration
}

// Option defines a function for configuring the verifier.
type Option func(*Opts)

// WithSecret sets the HS256 signing secret.
func WithSecret(secret string) Option {
	return func(o *Opts) { o.Secret = secret }
}

// WithAudience overrides the expected audience.
func WithAudience(aud string) Option {
	return func(o *Opts) { o.Audience = aud }
}

// WithLeeway sets the clock skew tolerance.
func WithLeeway(d time.Duration) Option {
	return func(o *Opts) { o.Leeway = d }
}

// Verifier validates HS256 tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier. The secret falls back to AUTH_JWT_SECRET.
func NewVerifier(opts ...Option) (*Verifier, error) {
	cfg := Opts{Audience: DefaultAudience, Leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Secret == "" {
		cfg.Secret = os.Getenv("AUTH_JWT_SECRET")
	}
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	)
	return &Verifier{secret: []byte(cfg.Secret), parser: parser}, nil
}

// Verify parses and validates a token string.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Sign issues a token for subject. It is used by tests and local tooling.
func (v *Verifier) Sign(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{DefaultAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type claimsKey struct{}

// WithClaims stores claims on a context.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// SecretsEqual compares a presented secret with the expected one in
// constant time. An empty expected secret never matches.
func SecretsEqual(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// Middleware requires a valid bearer token and stores its claims on the
// request context.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			slog.Debug("auth.Middleware: missing or malformed authorization header", "path", c.Request.URL.Path)
			unauthorized(c, "missing bearer token")
			return
		}
		claims, err := v.Verify(token)
		if err != nil {
			slog.Info("auth.Middleware: token rejected", "path", c.Request.URL.Path, "error", err)
			unauthorized(c, "invalid token")
			return
		}
		c.Request = c.Request.WithContext(WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}

// RequireSharedSecret requires "Authorization: Bearer <secret>".
func RequireSharedSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := BearerToken(c.GetHeader("Authorization"))
		if !SecretsEqual(token, secret) {
			slog.Warn("auth.RequireSharedSecret: rejected", "path", c.Request.URL.Path)
			unauthorized(c, "unauthorized")
			return
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "message": message})
}
