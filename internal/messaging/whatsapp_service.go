package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/util"
	"github.com/BTreeMap/CoachPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Sender using a linked whatsmeow device. Inbound
// messages arrive as events rather than webhooks.
type WhatsAppService struct {
	client whatsapp.WhatsAppSender
}

// Compile-time check that WhatsAppService implements Sender.
var _ Sender = (*WhatsAppService)(nil)

// NewWhatsAppService wraps a whatsmeow client (real or mock).
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	return &WhatsAppService{client: client}
}

// SendText sends a plain text message.
func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) error {
	canonical, err := CanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// SendTemplate is not available on linked devices.
func (s *WhatsAppService) SendTemplate(ctx context.Context, to string, tmpl Template) error {
	slog.Warn("WhatsAppService.SendTemplate: templates unsupported on linked device", "to", to, "template", tmpl.Name)
	return ErrTemplateUnsupported
}

// Start forwards incoming text messages to fn until ctx is cancelled. It is a
// no-op when the wrapped client does not deliver events.
func (s *WhatsAppService) Start(ctx context.Context, fn InboundFunc) {
	src, ok := s.client.(whatsapp.EventSource)
	if !ok {
		slog.Debug("WhatsAppService.Start: client has no event source, skipping")
		return
	}
	src.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		in, ok := inboundFromEvent(msg)
		if !ok {
			return
		}
		if err := fn(ctx, in); err != nil {
			slog.Error("WhatsAppService: inbound handling failed", "from", in.From, "id", in.ID, "error", err)
		}
	})
	slog.Info("WhatsAppService.Start: event handler registered")
}

// inboundFromEvent extracts a text message from a whatsmeow event.
func inboundFromEvent(evt *events.Message) (Inbound, bool) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return Inbound{}, false
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	default:
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return Inbound{}, false
	}
	return Inbound{
		From:      util.E164(evt.Info.Sender.User),
		ID:        string(evt.Info.ID),
		Text:      text,
		Timestamp: evt.Info.Timestamp,
	}, true
}
