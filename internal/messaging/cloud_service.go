package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// DefaultCloudAPIBase is the Graph API host for the WhatsApp Cloud API.
	DefaultCloudAPIBase = "https://graph.facebook.com"
	// DefaultCloudAPIVersion is the Graph API version used for sends.
	DefaultCloudAPIVersion = "v21.0"
	// DefaultHTTPTimeout bounds each outbound request.
	DefaultHTTPTimeout = 15 * time.Second
)

// CloudOpts holds configuration for the Cloud API sender.
type CloudOpts struct {
	Token         string
	PhoneNumberID string
	BaseURL       string
	Version       string
	HTTPClient    *http.Client
}

// CloudOption defines a configuration option for the Cloud API sender.
type CloudOption func(*CloudOpts)

// WithCloudToken sets the bearer token.
func WithCloudToken(token string) CloudOption {
	return func(o *CloudOpts) { o.Token = token }
}

// WithPhoneNumberID sets the sending phone-number id.
func WithPhoneNumberID(id string) CloudOption {
	return func(o *CloudOpts) { o.PhoneNumberID = id }
}

// WithCloudBaseURL overrides the Graph API host.
func WithCloudBaseURL(url string) CloudOption {
	return func(o *CloudOpts) { o.BaseURL = url }
}

// WithCloudHTTPClient overrides the HTTP client.
func WithCloudHTTPClient(c *http.Client) CloudOption {
	return func(o *CloudOpts) { o.HTTPClient = c }
}

// CloudService sends messages through the WhatsApp Cloud API.
type CloudService struct {
	http     *http.Client
	endpoint string
	token    string
}

// Compile-time check that CloudService implements Sender.
var _ Sender = (*CloudService)(nil)

// NewCloudService creates a Cloud API sender. Token and phone-number id fall
// back to WHATSAPP_TOKEN and WHATSAPP_PHONE_NUMBER_ID.
func NewCloudService(opts ...CloudOption) (*CloudService, error) {
	cfg := CloudOpts{BaseURL: DefaultCloudAPIBase, Version: DefaultCloudAPIVersion}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("WHATSAPP_TOKEN")
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = os.Getenv("WHATSAPP_PHONE_NUMBER_ID")
	}
	slog.Debug("CloudService config loaded", "token_set", cfg.Token != "", "phone_number_id_set", cfg.PhoneNumberID != "")
	if cfg.Token == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("WhatsApp token and phone number id must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	endpoint := fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(cfg.BaseURL, "/"), cfg.Version, cfg.PhoneNumberID)
	return &CloudService{http: cfg.HTTPClient, endpoint: endpoint, token: cfg.Token}, nil
}

type cloudText struct {
	Body string `json:"body"`
}

type cloudLanguage struct {
	Code string `json:"code"`
}

type cloudParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cloudComponent struct {
	Type       string           `json:"type"`
	Parameters []cloudParameter `json:"parameters"`
}

type cloudTemplate struct {
	Name       string           `json:"name"`
	Language   cloudLanguage    `json:"language"`
	Components []cloudComponent `json:"components,omitempty"`
}

type cloudMessage struct {
	MessagingProduct string         `json:"messaging_product"`
	RecipientType    string         `json:"recipient_type"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Text             *cloudText     `json:"text,omitempty"`
	Template         *cloudTemplate `json:"template,omitempty"`
}

// SendText sends a plain text message.
func (s *CloudService) SendText(ctx context.Context, to string, body string) error {
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	return s.post(ctx, cloudMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &cloudText{Body: body},
	})
}

// SendTemplate sends an approved template with body parameters.
func (s *CloudService) SendTemplate(ctx context.Context, to string, tmpl Template) error {
	lang := tmpl.Language
	if lang == "" {
		lang = "en"
	}
	t := &cloudTemplate{Name: tmpl.Name, Language: cloudLanguage{Code: lang}}
	if len(tmpl.Parameters) > 0 {
		params := make([]cloudParameter, 0, len(tmpl.Parameters))
		for _, p := range tmpl.Parameters {
			params = append(params, cloudParameter{Type: "text", Text: p})
		}
		t.Components = []cloudComponent{{Type: "body", Parameters: params}}
	}
	return s.post(ctx, cloudMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "template",
		Template:         t,
	})
}

func (s *CloudService) post(ctx context.Context, msg cloudMessage) error {
	to, err := CanonicalizeRecipient(msg.To)
	if err != nil {
		return err
	}
	// The Cloud API expects digits without the leading '+'.
	msg.To = strings.TrimPrefix(to, "+")

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		slog.Error("CloudService.post: request failed", "to", to, "type", msg.Type, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		slog.Error("CloudService.post: gateway rejected message", "to", to, "type", msg.Type, "status", resp.StatusCode, "body", string(body))
		return fmt.Errorf("whatsapp send to %s failed: status %d", to, resp.StatusCode)
	}
	slog.Debug("CloudService.post: message sent", "to", to, "type", msg.Type)
	return nil
}
