package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(WithSecret("test-secret"))
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	return v
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	if _, err := NewVerifier(); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("expected ErrMissingSecret, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Sign("user-1", time.Hour)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	claims, err := v.Verify(token)
	if err != nil || claims.UserID() != "user-1" {
		t.Fatalf("Verify = %+v, %v", claims, err)
	}

	expired, _ := v.Sign("user-1", -time.Hour)
	if _, err := v.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token: got %v", err)
	}

	other, _ := NewVerifier(WithSecret("other-secret"))
	forged, _ := other.Sign("user-1", time.Hour)
	if _, err := v.Verify(forged); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: got %v", err)
	}

	wrongAud := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		Audience:  jwt.ClaimStrings{"anon"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	signed, _ := wrongAud.SignedString([]byte("test-secret"))
	if _, err := v.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong audience: got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]struct {
		token string
		ok    bool
	}{
		"Bearer abc":   {"abc", true},
		"bearer  abc ": {"abc", true},
		"Token abc":    {"", false},
		"Bearer ":      {"", false},
		"":             {"", false},
	}
	for header, want := range tests {
		token, ok := BearerToken(header)
		if token != want.token || ok != want.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", header, token, ok, want.token, want.ok)
		}
	}
}

func TestSecretsEqual(t *testing.T) {
	if !SecretsEqual("s3cret", "s3cret") {
		t.Error("equal secrets should match")
	}
	if SecretsEqual("s3cret", "other") {
		t.Error("different secrets should not match")
	}
	if SecretsEqual("", "") {
		t.Error("empty expected secret must never match")
	}
}

func TestMiddleware(t *testing.T) {
	v := newTestVerifier(t)
	router := gin.New()
	router.Use(Middleware(v))
	router.GET("/me", func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c.Request.Context())
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, claims.UserID())
	})

	token, _ := v.Sign("user-42", time.Hour)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + token, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token " + token, http.StatusUnauthorized},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusOK && rr.Body.String() != "user-42" {
				t.Errorf("body = %q", rr.Body.String())
			}
		})
	}
}

func TestRequireSharedSecret(t *testing.T) {
	router := gin.New()
	router.POST("/tasks/calls", RequireSharedSecret("cron-secret"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	for header, want := range map[string]int{
		"Bearer cron-secret": http.StatusNoContent,
		"Bearer wrong":       http.StatusUnauthorized,
		"":                   http.StatusUnauthorized,
	} {
		req := httptest.NewRequest(http.MethodPost, "/tasks/calls", nil)
		req.Header.Set("Authorization", header)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Errorf("header %q: status = %d, want %d", header, rr.Code, want)
		}
	}
}
