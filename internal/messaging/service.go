// Package messaging delivers outbound WhatsApp messages and decodes inbound
// webhook deliveries. Providers are the WhatsApp Cloud API, Twilio and a
// linked whatsmeow device.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/util"
)

// Provider names accepted by MESSAGING_PROVIDER.
const (
	ProviderCloud     = "cloud"
	ProviderTwilio    = "twilio"
	ProviderWhatsmeow = "whatsmeow"
)

// ErrTemplateUnsupported is returned by senders that cannot deliver
// provider templates.
var ErrTemplateUnsupported = errors.New("messaging: templates not supported by provider")

// Template is a pre-approved provider template message.
type Template struct {
	Name       string
	Language   string
	Parameters []string
}

// Sender defines a pluggable message delivery abstraction.
type Sender interface {
	// SendText sends a plain text message to an E.164 phone number.
	SendText(ctx context.Context, to string, body string) error

	// SendTemplate sends a provider template message.
	SendTemplate(ctx context.Context, to string, tmpl Template) error
}

// Inbound is one text message received from a user.
type Inbound struct {
	From      string // E.164
	ID        string // provider message id, used for dedup
	Text      string
	Timestamp time.Time
}

// InboundFunc consumes inbound messages from push-based providers.
type InboundFunc func(ctx context.Context, in Inbound) error

// CanonicalizeRecipient validates a phone number and returns it as E.164.
func CanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := util.E164(recipient)
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 7 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}
