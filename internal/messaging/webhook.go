package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/util"
)

// WebhookPayload is the Cloud API webhook body.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry is one entry of a webhook delivery.
type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange is one change notification.
type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

// WebhookValue carries messages and/or delivery statuses.
type WebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Messages         []WebhookMessage `json:"messages"`
	Statuses         []WebhookStatus  `json:"statuses"`
}

// WebhookMessage is an inbound user message.
type WebhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

// WebhookStatus is a delivery status update for an outbound message.
type WebhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

// ParseWebhook decodes a Cloud API webhook body.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	return &p, nil
}

// TextMessages returns the inbound text messages in the payload. Non-text
// messages and status-only changes are skipped.
func (p *WebhookPayload) TextMessages() []Inbound {
	var out []Inbound
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			for _, m := range c.Value.Messages {
				if m.Type != "text" || m.Text == nil {
					slog.Debug("WebhookPayload.TextMessages: skipping non-text message", "id", m.ID, "type", m.Type)
					continue
				}
				in := Inbound{From: util.E164(m.From), ID: m.ID, Text: m.Text.Body}
				if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
					in.Timestamp = time.Unix(secs, 0).UTC()
				}
				out = append(out, in)
			}
		}
	}
	return out
}

// StatusOnly reports whether the payload carries delivery statuses and no
// messages.
func (p *WebhookPayload) StatusOnly() bool {
	hasStatus := false
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			if len(c.Value.Messages) > 0 {
				return false
			}
			if len(c.Value.Statuses) > 0 {
				hasStatus = true
			}
		}
	}
	return hasStatus
}
