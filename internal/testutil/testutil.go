// Package testutil provides shared fixtures and fakes for CoachPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/voice"
	"github.com/openai/openai-go"
)

// TB is the subset of testing.TB used by the assertion helpers.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Epoch is a fixed Wednesday noon UTC used as the default test clock.
var Epoch = time.Date(2026, time.October, 21, 12, 0, 0, 0, time.UTC)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NewStore opens a SQLite store in a temp dir driven by clock.
func NewStore(t *testing.T, clock *Clock) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "coachpipe_test.db")
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(dbPath), store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// SeedProfile saves p with defaults for empty fields: an active subscription,
// a name and a UTC timezone.
func SeedProfile(t *testing.T, s *store.Store, p models.Profile) *models.Profile {
	t.Helper()
	if p.FullName == "" {
		p.FullName = "Ana Lima"
	}
	if p.SubscriptionStatus == "" {
		p.SubscriptionStatus = models.SubscriptionActive
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if err := s.SaveProfile(context.Background(), &p); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	return &p
}

// SentText is a text message recorded by FakeSender.
type SentText struct {
	To   string
	Body string
}

// SentTemplate is a template message recorded by FakeSender.
type SentTemplate struct {
	To       string
	Template messaging.Template
}

// FakeSender records outbound messages.
type FakeSender struct {
	mu        sync.Mutex
	Texts     []SentText
	Templates []SentTemplate
	Err       error
}

// Compile-time check that FakeSender implements messaging.Sender.
var _ messaging.Sender = (*FakeSender)(nil)

func (f *FakeSender) SendText(ctx context.Context, to string, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Texts = append(f.Texts, SentText{To: to, Body: body})
	return f.Err
}

func (f *FakeSender) SendTemplate(ctx context.Context, to string, tmpl messaging.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Templates = append(f.Templates, SentTemplate{To: to, Template: tmpl})
	return f.Err
}

// CompletionCall is one request recorded by FakeCompletion.
type CompletionCall struct {
	Tool     string
	Messages []openai.ChatCompletionMessageParamUnion
}

// FakeCompletion returns scripted tool arguments keyed by tool name.
type FakeCompletion struct {
	mu     sync.Mutex
	Args   map[string]string
	Errors map[string]error
	Text   string
	Calls  []CompletionCall
}

// Compile-time check that FakeCompletion implements genai.ClientInterface.
var _ genai.ClientInterface = (*FakeCompletion)(nil)

// NewFakeCompletion returns a FakeCompletion with empty scripts.
func NewFakeCompletion() *FakeCompletion {
	return &FakeCompletion{Args: map[string]string{}, Errors: map[string]error{}}
}

func (f *FakeCompletion) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, CompletionCall{Messages: messages})
	return f.Text, nil
}

func (f *FakeCompletion) GenerateWithTool(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tool openai.ChatCompletionToolParam) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := tool.Function.Name
	f.Calls = append(f.Calls, CompletionCall{Tool: name, Messages: messages})
	if err := f.Errors[name]; err != nil {
		return "", err
	}
	if args, ok := f.Args[name]; ok {
		return args, nil
	}
	return "", genai.ErrNoToolCall
}

// CallCount returns how many requests used tool ("" counts all requests).
func (f *FakeCompletion) CallCount(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tool == "" {
		return len(f.Calls)
	}
	n := 0
	for _, c := range f.Calls {
		if c.Tool == tool {
			n++
		}
	}
	return n
}

// FakeDispatcher records call requests and returns sequential call ids.
type FakeDispatcher struct {
	mu       sync.Mutex
	Requests []voice.CallRequest
	Err      error
}

// Compile-time check that FakeDispatcher implements voice.CallDispatcher.
var _ voice.CallDispatcher = (*FakeDispatcher)(nil)

func (f *FakeDispatcher) Dispatch(ctx context.Context, req voice.CallRequest) (*voice.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return nil, f.Err
	}
	return &voice.CallResult{CallID: fmt.Sprintf("call_test_%d", len(f.Requests))}, nil
}

// Count returns the number of dispatch attempts.
func (f *FakeDispatcher) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}
	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
