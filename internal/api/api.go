// Package api provides the HTTP surface for CoachPipe.
//
// It exposes the provider webhooks (WhatsApp, voice gateway, Stripe), the
// scheduled-work trigger endpoints and a small JWT-protected dashboard API.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/auth"
	"github.com/BTreeMap/CoachPipe/internal/billing"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/gin-gonic/gin"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 15 * time.Second

// Store is the persistence the HTTP layer reads directly.
type Store interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	ListScheduledCalls(ctx context.Context, userID string) ([]models.ScheduledCall, error)
	InsertScheduledCall(ctx context.Context, c *models.ScheduledCall) error
	DeleteScheduledCall(ctx context.Context, userID, id string) error
	Ping(ctx context.Context) error
}

// Compile-time check that store.Store satisfies Store.
var _ Store = (*store.Store)(nil)

// Deps are the collaborators the server routes requests to. Billing and
// Verifier are optional; their routes answer 503 when unset.
type Deps struct {
	Store     Store
	Inbound   *flow.InboundHandler
	Calls     *flow.CallScheduler
	EndOfCall *flow.EndOfCallHandler
	Analyzer  *flow.Analyzer
	Billing   *billing.Processor
	Verifier  *auth.Verifier
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr              string
	VerifyToken       string // WhatsApp webhook verification token
	CallWebhookSecret string // expected x-vapi-secret header
	CronSecret        string // bearer token for /tasks endpoints
	Clock             func() time.Time
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the WhatsApp webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithCallWebhookSecret sets the shared secret for the voice gateway webhook.
func WithCallWebhookSecret(secret string) Option {
	return func(o *Opts) { o.CallWebhookSecret = secret }
}

// WithCronSecret sets the bearer token required by the task endpoints.
func WithCronSecret(secret string) Option {
	return func(o *Opts) { o.CronSecret = secret }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Server routes HTTP requests to the coaching flows.
type Server struct {
	deps   Deps
	opts   Opts
	router *gin.Engine
}

// NewServer builds a Server. Unset options fall back to API_ADDR,
// WHATSAPP_VERIFY_TOKEN, VAPI_WEBHOOK_SECRET and CRON_SECRET.
func NewServer(deps Deps, opts ...Option) (*Server, error) {
	if deps.Store == nil || deps.Inbound == nil || deps.Calls == nil || deps.EndOfCall == nil || deps.Analyzer == nil {
		return nil, errors.New("api: store and flow handlers are required")
	}
	o := Opts{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = os.Getenv("API_ADDR")
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.VerifyToken == "" {
		o.VerifyToken = os.Getenv("WHATSAPP_VERIFY_TOKEN")
	}
	if o.CallWebhookSecret == "" {
		o.CallWebhookSecret = os.Getenv("VAPI_WEBHOOK_SECRET")
	}
	if o.CronSecret == "" {
		o.CronSecret = os.Getenv("CRON_SECRET")
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}

	s := &Server{deps: deps, opts: o}
	s.router = s.routes()
	slog.Debug("Server.NewServer: configured",
		"addr", o.Addr,
		"verify_token_set", o.VerifyToken != "",
		"call_webhook_secret_set", o.CallWebhookSecret != "",
		"cron_secret_set", o.CronSecret != "",
		"billing_enabled", deps.Billing != nil,
		"dashboard_enabled", deps.Verifier != nil)
	return s, nil
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.GET("/healthz", s.healthHandler)

	hooks := r.Group("/webhooks")
	hooks.GET("/whatsapp", s.whatsappVerifyHandler)
	hooks.POST("/whatsapp", s.whatsappWebhookHandler)
	hooks.POST("/calls", s.callWebhookHandler)
	hooks.POST("/stripe", s.stripeWebhookHandler)

	tasks := r.Group("/tasks", auth.RequireSharedSecret(s.opts.CronSecret))
	tasks.POST("/calls", s.runCallsHandler)
	tasks.POST("/analyzers", s.runAnalyzersHandler)

	dash := r.Group("/api", s.requireVerifier())
	dash.GET("/calls/quota", s.quotaHandler)
	dash.POST("/calls", s.requestCallHandler)
	dash.GET("/schedules", s.listSchedulesHandler)
	dash.POST("/schedules", s.createScheduleHandler)
	dash.DELETE("/schedules/:id", s.deleteScheduleHandler)

	r.NoRoute(func(c *gin.Context) {
		writeJSONResponse(c.Writer, http.StatusNotFound, models.Error("Not found"))
	})
	return r
}

// requireVerifier authenticates dashboard requests, or rejects them all when
// no JWT secret is configured.
func (s *Server) requireVerifier() gin.HandlerFunc {
	if s.deps.Verifier == nil {
		return func(c *gin.Context) {
			writeJSONResponse(c.Writer, http.StatusServiceUnavailable, models.Error("Dashboard API is not configured"))
			c.Abort()
		}
	}
	return auth.Middleware(s.deps.Verifier)
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		loggerFrom(c.Request.Context()).Error("Server.healthHandler: store unreachable", "error", err)
		writeJSONResponse(c.Writer, http.StatusServiceUnavailable, models.Error("Database unreachable"))
		return
	}
	writeJSONResponse(c.Writer, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
