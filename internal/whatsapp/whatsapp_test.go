package whatsapp

import (
	"context"
	"testing"
)

func TestOptionsFold(t *testing.T) {
	var cfg Opts
	for _, opt := range []Option{
		WithDBDSN("/var/lib/funnelpipe/sessions.db"),
		WithQRCodeOutput("/tmp/qr.txt"),
		WithNumericCode(),
	} {
		opt(&cfg)
	}

	if cfg.DBDSN != "/var/lib/funnelpipe/sessions.db" {
		t.Errorf("DBDSN = %q", cfg.DBDSN)
	}
	if cfg.QRPath != "/tmp/qr.txt" {
		t.Errorf("QRPath = %q", cfg.QRPath)
	}
	if !cfg.NumericCode {
		t.Error("NumericCode should be set")
	}
}

func TestSendMessageRequiresInitializedClient(t *testing.T) {
	var c *Client
	if err := c.SendMessage(context.Background(), "15550001111", "hi"); err == nil {
		t.Error("nil client should refuse to send")
	}

	empty := &Client{}
	if err := empty.SendMessage(context.Background(), "15550001111", "hi"); err == nil {
		t.Error("unconnected client should refuse to send")
	}
}

func TestMockClientRecordsSends(t *testing.T) {
	m := NewMockClient()

	if err := m.SendMessage(context.Background(), "15550001111", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.SendMessage(context.Background(), "15550002222", "again"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(m.Sent) != 2 {
		t.Fatalf("expected 2 recorded sends, got %d", len(m.Sent))
	}
	if m.Sent[0].To != "15550001111" || m.Sent[0].Body != "hello" {
		t.Errorf("first send recorded as %+v", m.Sent[0])
	}
	if m.Sent[1].To != "15550002222" || m.Sent[1].Body != "again" {
		t.Errorf("second send recorded as %+v", m.Sent[1])
	}
}
