// Package voice places outbound coaching calls through the voice-call
// gateway (Vapi).
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/util"
)

const (
	// DefaultBaseURL is the Vapi API host.
	DefaultBaseURL = "https://api.vapi.ai"
	// DefaultMaxDurationSeconds caps a call when the persona sets no limit.
	DefaultMaxDurationSeconds = 900
	// DefaultHTTPTimeout bounds each call placement request.
	DefaultHTTPTimeout = 20 * time.Second
)

// ErrDispatchFailed wraps every call placement failure.
var ErrDispatchFailed = errors.New("voice: call dispatch failed")

// CallRequest describes one outbound call.
type CallRequest struct {
	AssistantID        string
	CustomerNumber     string // E.164
	Variables          map[string]string
	MaxDurationSeconds int
	FirstMessage       string
}

// CallResult is the gateway's acknowledgement of a placed call.
type CallResult struct {
	CallID string
	DryRun bool
}

// CallDispatcher places outbound calls.
type CallDispatcher interface {
	Dispatch(ctx context.Context, req CallRequest) (*CallResult, error)
}

// Opts holds configuration for the live dispatcher.
type Opts struct {
	APIKey             string
	PhoneNumberID      string
	DefaultAssistantID string
	BaseURL            string
	HTTPClient         *http.Client
}

// Option defines a configuration option for the live dispatcher.
type Option func(*Opts)

// WithAPIKey sets the Vapi API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithPhoneNumberID sets the Vapi phone number calls are placed from.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithDefaultAssistantID sets the assistant used when the persona has none.
func WithDefaultAssistantID(id string) Option {
	return func(o *Opts) { o.DefaultAssistantID = id }
}

// WithBaseURL overrides the Vapi API host.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// LiveCallDispatcher places calls through the Vapi REST API.
type LiveCallDispatcher struct {
	http             *http.Client
	baseURL          string
	apiKey           string
	phoneNumberID    string
	defaultAssistant string
}

// Compile-time checks that both dispatchers implement CallDispatcher.
var (
	_ CallDispatcher = (*LiveCallDispatcher)(nil)
	_ CallDispatcher = (*NoOpCallDispatcher)(nil)
)

// NewLiveCallDispatcher creates a live dispatcher. Unset options fall back to
// VAPI_API_KEY, VAPI_PHONE_NUMBER_ID and VAPI_ASSISTANT_ID.
func NewLiveCallDispatcher(opts ...Option) (*LiveCallDispatcher, error) {
	cfg := Opts{BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("VAPI_API_KEY")
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = os.Getenv("VAPI_PHONE_NUMBER_ID")
	}
	if cfg.DefaultAssistantID == "" {
		cfg.DefaultAssistantID = os.Getenv("VAPI_ASSISTANT_ID")
	}
	slog.Debug("LiveCallDispatcher config loaded", "api_key_set", cfg.APIKey != "", "phone_number_id_set", cfg.PhoneNumberID != "", "default_assistant_set", cfg.DefaultAssistantID != "")
	if cfg.APIKey == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("VAPI_API_KEY and VAPI_PHONE_NUMBER_ID must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &LiveCallDispatcher{
		http:             cfg.HTTPClient,
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:           cfg.APIKey,
		phoneNumberID:    cfg.PhoneNumberID,
		defaultAssistant: cfg.DefaultAssistantID,
	}, nil
}

type customer struct {
	Number string `json:"number"`
}

type assistantOverrides struct {
	VariableValues     map[string]string `json:"variableValues,omitempty"`
	MaxDurationSeconds int               `json:"maxDurationSeconds,omitempty"`
	FirstMessage       string            `json:"firstMessage,omitempty"`
}

type createCallRequest struct {
	AssistantID        string             `json:"assistantId"`
	Customer           customer           `json:"customer"`
	PhoneNumberID      string             `json:"phoneNumberId"`
	AssistantOverrides assistantOverrides `json:"assistantOverrides"`
}

type createCallResponse struct {
	ID string `json:"id"`
}

// Dispatch places the call and returns the gateway call id.
//
// TODO: switch to github.com/VapiAI/server-sdk-go Calls.Create once a version
// is pinned in go.mod; the request mapping below carries over field for field.
func (d *LiveCallDispatcher) Dispatch(ctx context.Context, req CallRequest) (*CallResult, error) {
	assistant := req.AssistantID
	if assistant == "" {
		assistant = d.defaultAssistant
	}
	if assistant == "" {
		return nil, fmt.Errorf("%w: no assistant id", ErrDispatchFailed)
	}
	number := util.E164(req.CustomerNumber)
	if number == "" {
		return nil, fmt.Errorf("%w: customer number missing", ErrDispatchFailed)
	}
	maxDur := req.MaxDurationSeconds
	if maxDur <= 0 {
		maxDur = DefaultMaxDurationSeconds
	}

	payload, err := json.Marshal(createCallRequest{
		AssistantID:   assistant,
		Customer:      customer{Number: number},
		PhoneNumberID: d.phoneNumberID,
		AssistantOverrides: assistantOverrides{
			VariableValues:     req.Variables,
			MaxDurationSeconds: maxDur,
			FirstMessage:       req.FirstMessage,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrDispatchFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/call", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrDispatchFailed, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(httpReq)
	if err != nil {
		slog.Error("LiveCallDispatcher.Dispatch: request failed", "to", number, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		slog.Error("LiveCallDispatcher.Dispatch: failed to read response", "to", number, "status", resp.StatusCode, "error", err)
		return nil, fmt.Errorf("%w: read response: %w", ErrDispatchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("LiveCallDispatcher.Dispatch: gateway rejected call", "to", number, "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("%w: status %d: %s", ErrDispatchFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createCallResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrDispatchFailed, err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: response has no call id", ErrDispatchFailed)
	}
	slog.Info("LiveCallDispatcher.Dispatch: call placed", "to", number, "call_id", out.ID)
	return &CallResult{CallID: out.ID}, nil
}

// NoOpCallDispatcher logs requests and returns synthetic call ids without
// contacting the gateway.
type NoOpCallDispatcher struct{}

// NewNoOpCallDispatcher creates a dispatcher for dry runs.
func NewNoOpCallDispatcher() *NoOpCallDispatcher {
	return &NoOpCallDispatcher{}
}

// Dispatch logs the request and returns a dry-run call id.
func (d *NoOpCallDispatcher) Dispatch(ctx context.Context, req CallRequest) (*CallResult, error) {
	id := util.GenerateDryRunCallID()
	slog.Info("NoOpCallDispatcher.Dispatch: dry run, call not placed", "to", req.CustomerNumber, "assistant", req.AssistantID, "variables", len(req.Variables), "call_id", id)
	return &CallResult{CallID: id, DryRun: true}, nil
}

// New returns a NoOpCallDispatcher when dryRun is set, otherwise a live one.
func New(dryRun bool, opts ...Option) (CallDispatcher, error) {
	if dryRun {
		slog.Warn("voice.New: CALLS_DRY_RUN enabled, calls will not be placed")
		return NewNoOpCallDispatcher(), nil
	}
	return NewLiveCallDispatcher(opts...)
}
