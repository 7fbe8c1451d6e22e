package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio REST transport. Inbound
// messages arrive through TwilioWebhookHandler rather than a live socket.
type TwilioService struct {
	client    twiliowhatsapp.TwilioWhatsAppSender
	receipts  chan models.Receipt
	responses chan models.Response
	gate      stopGate
}

// NewTwilioService wraps a Twilio client (or mock) in the Service interface.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient reduces a phone number to canonical digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

// Start is a no-op: Twilio pushes events through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop marks the service stopped and closes the event channels after a
// grace period for in-flight webhook emits.
func (s *TwilioService) Stop() error {
	if !s.gate.Stop() {
		return nil
	}
	go func() {
		time.Sleep(closeGrace)
		close(s.receipts)
		close(s.responses)
	}()
	return nil
}

// SendMessage sends through Twilio and emits a sent or failed receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.gate.Stopped() {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
		return err
	}

	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for delivery status events.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for incoming visitor messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

func (s *TwilioService) emitReceipt(receipt models.Receipt) {
	if s.gate.Stopped() {
		return
	}
	if !emitOrDrop(s.receipts, receipt, DefaultChannelTimeout) {
		slog.Warn("TwilioService receipts channel saturated, dropping receipt", "to", receipt.To, "status", receipt.Status)
	}
}

func (s *TwilioService) emitResponse(response models.Response) {
	if s.gate.Stopped() {
		slog.Warn("TwilioService dropping inbound response (service stopped)", "from", response.From)
		return
	}
	if !emitOrDrop(s.responses, response, DefaultChannelTimeout) {
		slog.Warn("TwilioService responses channel saturated, dropping message", "from", response.From)
	}
}

// TwilioWebhookHandler turns an inbound Twilio webhook into a models.Response
// on the Responses channel. The MessageSid rides along so the router can
// deduplicate Twilio's webhook retries.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService webhook form parse failed", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	messageSid := r.FormValue("MessageSid")

	if from == "" || body == "" {
		slog.Warn("TwilioService webhook missing fields", "from", from, "has_body", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	slog.Info("TwilioService inbound message", "from", from, "message_sid", messageSid)
	s.emitResponse(models.Response{
		From:      from,
		Body:      body,
		MessageID: messageSid,
		Time:      time.Now().Unix(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
