// Package whatsapp wraps the whatsmeow client used as FunnelPipe's primary
// message transport.
//
// The wrapper owns session storage and the pairing flow; event handling stays
// with the messaging service, which attaches handlers through GetClient.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSQLitePath is where the whatsmeow session database lives when
	// no DSN is configured.
	DefaultSQLitePath = "/var/lib/funnelpipe/whatsmeow.db"
	// JIDSuffix is the server part of a personal WhatsApp JID.
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppSender sends a text message to a canonical recipient. Client
// implements it for production, MockClient for tests.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds session-store and login configuration.
type Opts struct {
	DBDSN       string
	QRPath      string
	NumericCode bool
}

// Option configures the client.
type Option func(*Opts)

// WithDBDSN points the whatsmeow session store at a Postgres or SQLite DSN.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the pairing code to a file instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the pairing code as digits instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps a connected whatsmeow client.
type Client struct {
	wa *whatsmeow.Client
}

// NewClient opens the session store, pairs the device if it has no session
// yet, and connects. Pairing blocks until the phone scans the code or the
// login channel closes.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	wa, err := newBareClient(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	if wa.Store.ID == nil {
		if err := pair(ctx, wa, &cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("whatsapp.NewClient: session found, connecting")
		if err := wa.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp: %w", err)
		}
	}

	slog.Info("whatsapp.NewClient: connected")
	return &Client{wa: wa}, nil
}

// newBareClient initializes the session container and builds an unconnected
// whatsmeow client around its device.
func newBareClient(ctx context.Context, cfg *Opts) (*whatsmeow.Client, error) {
	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
		slog.Debug("whatsapp: no session DSN configured, using default", "path", dsn)
	}

	driver := store.DetectDSNType(dsn)
	if driver == "sqlite3" && needsForeignKeysHint(dsn) {
		slog.Warn("whatsapp: session DSN has no foreign_keys parameter; whatsmeow recommends enabling it",
			"hint", "file:"+dsn+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to open WhatsApp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load WhatsApp device: %w", err)
	}
	return whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true)), nil
}

// needsForeignKeysHint reports whether a SQLite session DSN is missing the
// foreign_keys pragma whatsmeow recommends.
func needsForeignKeysHint(dsn string) bool {
	return !strings.Contains(dsn, "foreign_keys")
}

// pair runs the one-time login flow, rendering codes until whatsmeow closes
// the login channel.
func pair(ctx context.Context, wa *whatsmeow.Client, cfg *Opts) error {
	slog.Info("whatsapp: no stored session, pairing required")
	qrChan, _ := wa.GetQRChannel(ctx)
	if err := wa.Connect(); err != nil {
		return fmt.Errorf("failed to connect for pairing: %w", err)
	}

	out, closeOut, err := pairingOutput(cfg)
	if err != nil {
		return err
	}
	defer closeOut()

	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("whatsapp: pairing event", "event", evt.Event)
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

// pairingOutput picks where login codes are rendered.
func pairingOutput(cfg *Opts) (io.Writer, func(), error) {
	if cfg.QRPath == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(cfg.QRPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create QR output file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// SendMessage sends a plain text message. The recipient must already be in
// canonical digits-only form.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c == nil || c.wa == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		slog.Error("whatsapp.SendMessage failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("whatsapp.SendMessage handed to transport", "to", to)
	return nil
}

// GetClient exposes the underlying whatsmeow client for event registration.
func (c *Client) GetClient() *whatsmeow.Client {
	if c == nil {
		return nil
	}
	return c.wa
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// MockClient is a WhatsAppSender that records sends instead of dialing
// WhatsApp. Use it in tests in place of NewClient.
type MockClient struct {
	Sent []SentMessage
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}
