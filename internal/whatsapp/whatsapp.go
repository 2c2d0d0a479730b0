// Package whatsapp wraps the whatsmeow client for linked-device WhatsApp
// delivery. It sends text messages and exposes incoming events.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/util"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// userServer is the JID server for regular WhatsApp accounts.
const userServer = "s.whatsapp.net"

// ErrMissingDSN is returned when no session database is configured.
var ErrMissingDSN = errors.New("whatsapp: session database DSN is required")

// WhatsAppSender is implemented by Client and MockClient.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// EventSource is implemented by clients that deliver whatsmeow events.
type EventSource interface {
	AddEventHandler(handler func(evt interface{})) uint32
}

// Opts configures the linked-device session and its login.
type Opts struct {
	DBDSN       string // session database: SQLite path or Postgres DSN
	QRPath      string // login QR destination; stdout when empty
	NumericCode bool   // print the pairing code instead of a QR
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the session database.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the pairing code instead of rendering a QR.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// sessionDSN returns the database/sql driver and DSN whatsmeow should open.
// SQLite sessions need foreign keys enabled.
func sessionDSN(dsn string) (driver, out string) {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres", dsn
	}
	if strings.Contains(dsn, "foreign_keys") {
		return "sqlite3", dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return "sqlite3", "file:" + strings.TrimPrefix(dsn, "file:") + sep + "_foreign_keys=on"
}

// recipientJID turns a phone number in any common format into a user JID.
func recipientJID(to string) (types.JID, error) {
	digits := util.NormalizePhone(to)
	if digits == "" {
		return types.JID{}, fmt.Errorf("invalid recipient %q", to)
	}
	return types.NewJID(digits, userServer), nil
}

// Client is a connected linked-device session.
type Client struct {
	wa *whatsmeow.Client
}

// NewClient opens the session database and connects, running the login flow
// first when the device is not paired yet.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		return nil, ErrMissingDSN
	}
	driver, dsn := sessionDSN(cfg.DBDSN)
	slog.Debug("whatsapp.NewClient: opening session store", "driver", driver, "qr_path_set", cfg.QRPath != "", "numeric_code", cfg.NumericCode)

	ctx := context.Background()
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load WhatsApp device: %w", err)
	}

	wa := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	if wa.Store.ID == nil {
		err = login(ctx, wa, cfg)
	} else {
		err = wa.Connect()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp: %w", err)
	}
	slog.Info("whatsapp.NewClient: connected", "paired", wa.Store.ID != nil)
	return &Client{wa: wa}, nil
}

// login connects an unpaired device and renders each pairing code until the
// QR channel closes.
func login(ctx context.Context, wa *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.login: device not paired, waiting for scan")
	qrChan, err := wa.GetQRChannel(ctx)
	if err != nil {
		return err
	}
	if err := wa.Connect(); err != nil {
		return err
	}
	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("whatsapp.login: pairing event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(out, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	return nil
}

// SendMessage sends a plain text message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid, err := recipientJID(to)
	if err != nil {
		return err
	}
	if _, err := c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		slog.Error("Client.SendMessage: send failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// AddEventHandler registers a handler for whatsmeow events.
func (c *Client) AddEventHandler(handler func(evt interface{})) uint32 {
	return c.wa.AddEventHandler(handler)
}

// MockClient records sends without a WhatsApp connection.
type MockClient struct {
	SentMessages []SentMessage
	Err          error
}

// SentMessage is a send recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}
