package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveCallDispatcher_Dispatch(t *testing.T) {
	var got createCallRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/call" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"call_123","status":"queued"}`))
	}))
	defer srv.Close()

	d, err := NewLiveCallDispatcher(WithAPIKey("key"), WithPhoneNumberID("pn_1"), WithDefaultAssistantID("asst_default"), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewLiveCallDispatcher failed: %v", err)
	}
	res, err := d.Dispatch(context.Background(), CallRequest{
		CustomerNumber: "15550102000",
		Variables:      map[string]string{"first_name": "Ana"},
		FirstMessage:   "Hi Ana",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.CallID != "call_123" || res.DryRun {
		t.Errorf("unexpected result %+v", res)
	}
	if auth != "Bearer key" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.AssistantID != "asst_default" || got.Customer.Number != "+15550102000" || got.PhoneNumberID != "pn_1" {
		t.Errorf("unexpected payload %+v", got)
	}
	if got.AssistantOverrides.VariableValues["first_name"] != "Ana" || got.AssistantOverrides.FirstMessage != "Hi Ana" {
		t.Errorf("unexpected overrides %+v", got.AssistantOverrides)
	}
	if got.AssistantOverrides.MaxDurationSeconds != DefaultMaxDurationSeconds {
		t.Errorf("max duration = %d", got.AssistantOverrides.MaxDurationSeconds)
	}
}

func TestLiveCallDispatcher_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid number"}`))
	}))
	defer srv.Close()

	d, err := NewLiveCallDispatcher(WithAPIKey("key"), WithPhoneNumberID("pn_1"), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewLiveCallDispatcher failed: %v", err)
	}
	_, err = d.Dispatch(context.Background(), CallRequest{AssistantID: "a", CustomerNumber: "+15550102000"})
	if !errors.Is(err, ErrDispatchFailed) || !strings.Contains(err.Error(), "invalid number") {
		t.Errorf("expected ErrDispatchFailed with body, got %v", err)
	}

	_, err = d.Dispatch(context.Background(), CallRequest{CustomerNumber: "+15550102000"})
	if !errors.Is(err, ErrDispatchFailed) {
		t.Errorf("expected ErrDispatchFailed without assistant, got %v", err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type brokenBody struct{ data *strings.Reader }

func (b brokenBody) Read(p []byte) (int, error) {
	if b.data.Len() == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	return b.data.Read(p)
}

func (b brokenBody) Close() error { return nil }

func TestLiveCallDispatcher_ResponseErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    io.ReadCloser
		wantErr error
		wantMsg string
	}{
		{"truncated body", brokenBody{strings.NewReader(`{"id":"ca`)}, io.ErrUnexpectedEOF, "read response"},
		{"not json", io.NopCloser(strings.NewReader(`<html>`)), nil, "decode response"},
		{"no id", io.NopCloser(strings.NewReader(`{"status":"queued"}`)), nil, "no call id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				return &http.Response{StatusCode: http.StatusCreated, Body: tt.body, Header: http.Header{}, Request: r}, nil
			})}
			d, err := NewLiveCallDispatcher(WithAPIKey("key"), WithPhoneNumberID("pn_1"), WithHTTPClient(client))
			if err != nil {
				t.Fatalf("NewLiveCallDispatcher failed: %v", err)
			}
			_, err = d.Dispatch(context.Background(), CallRequest{AssistantID: "a", CustomerNumber: "+15550102000"})
			if !errors.Is(err, ErrDispatchFailed) || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("expected ErrDispatchFailed with %q, got %v", tt.wantMsg, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected wrapped %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNew_SelectsDispatcher(t *testing.T) {
	d, err := New(true)
	if err != nil {
		t.Fatalf("New(dry) failed: %v", err)
	}
	res, err := d.Dispatch(context.Background(), CallRequest{CustomerNumber: "+15550102000"})
	if err != nil || !res.DryRun || !strings.HasPrefix(res.CallID, "dryrun_") {
		t.Errorf("dry run dispatch = %+v, %v", res, err)
	}

	t.Setenv("VAPI_API_KEY", "")
	t.Setenv("VAPI_PHONE_NUMBER_ID", "")
	if _, err := New(false); err == nil {
		t.Error("expected error for live dispatcher without credentials")
	}
}
