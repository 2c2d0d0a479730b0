package messaging

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/BTreeMap/CoachPipe/internal/twiliowhatsapp"
)

// TwilioService implements Sender using the Twilio API. Template names are
// Twilio Content SIDs.
type TwilioService struct {
	client twiliowhatsapp.TwilioWhatsAppSender
}

// Compile-time check that TwilioService implements Sender.
var _ Sender = (*TwilioService)(nil)

// NewTwilioService wraps a Twilio client (real or mock).
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{client: client}
}

// SendText sends a plain text message.
func (s *TwilioService) SendText(ctx context.Context, to string, body string) error {
	canonical, err := CanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// SendTemplate sends a Content API template with positional variables.
func (s *TwilioService) SendTemplate(ctx context.Context, to string, tmpl Template) error {
	canonical, err := CanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	vars := make(map[string]string, len(tmpl.Parameters))
	for i, p := range tmpl.Parameters {
		vars[strconv.Itoa(i+1)] = p
	}
	slog.Debug("TwilioService.SendTemplate: sending content template", "to", canonical, "content_sid", tmpl.Name, "variables", len(vars))
	return s.client.SendContent(ctx, canonical, tmpl.Name, vars)
}
