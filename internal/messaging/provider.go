package messaging

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CoachPipe/internal/whatsapp"
)

// ProviderConfig selects and configures the outbound provider.
type ProviderConfig struct {
	Provider string

	Cloud  []CloudOption
	Twilio []twiliowhatsapp.Option
	WA     []whatsapp.Option
}

// NewSender builds the Sender for cfg.Provider. For the whatsmeow provider the
// returned *WhatsAppService also delivers inbound events via Start.
func NewSender(cfg ProviderConfig) (Sender, error) {
	slog.Debug("messaging.NewSender: selecting provider", "provider", cfg.Provider)
	switch cfg.Provider {
	case "", ProviderCloud:
		return NewCloudService(cfg.Cloud...)
	case ProviderTwilio:
		c, err := twiliowhatsapp.NewClient(cfg.Twilio...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return NewTwilioService(c), nil
	case ProviderWhatsmeow:
		c, err := whatsapp.NewClient(cfg.WA...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return NewWhatsAppService(c), nil
	default:
		return nil, fmt.Errorf("unknown messaging provider %q", cfg.Provider)
	}
}
