package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service over the whatsmeow client. Inbound
// messages and delivery receipts arrive as whatsmeow events and are
// translated onto the Responses and Receipts channels.
type WhatsAppService struct {
	client    whatsapp.WhatsAppSender
	waClient  *whatsapp.Client // nil for mocks; events need the full client
	receipts  chan models.Receipt
	responses chan models.Response
	gate      stopGate
	handlerID uint32
}

// NewWhatsAppService wraps a WhatsAppSender in the Service interface. A full
// *whatsapp.Client additionally gets its events routed; a mock only sends.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a phone number to canonical digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

// Start registers the event handler with the underlying whatsmeow client.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService Start: no full client, event routing disabled")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(s.routeEvent)
	slog.Debug("WhatsAppService Start: event handler registered", "handlerID", s.handlerID)
	return nil
}

// Stop unregisters the event handler, marks the service stopped and closes
// the event channels after a grace period for in-flight emits.
func (s *WhatsAppService) Stop() error {
	if !s.gate.Stop() {
		return nil
	}
	if s.waClient != nil && s.waClient.GetClient() != nil && s.handlerID != 0 {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
	}
	go func() {
		time.Sleep(closeGrace)
		close(s.receipts)
		close(s.responses)
	}()
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends through WhatsApp and emits a sent or failed receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.gate.Stopped() {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
		return err
	}

	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for delivery status events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for incoming visitor messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// routeEvent dispatches a whatsmeow event to the matching translator.
func (s *WhatsAppService) routeEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleInboundMessage(v)
	case *events.Receipt:
		s.handleReceiptEvent(v)
	default:
		slog.Debug("WhatsAppService ignoring event", "type", fmt.Sprintf("%T", evt))
	}
}

// handleInboundMessage turns a text message event into a models.Response.
// Non-text payloads (images, audio, polls) are dropped: the funnel engine
// only matches on text.
func (s *WhatsAppService) handleInboundMessage(evt *events.Message) {
	text, ok := textContent(evt)
	if !ok {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	response := models.Response{
		From:      e164FromUser(evt.Info.Sender.User),
		Body:      text,
		MessageID: string(evt.Info.ID),
		Time:      evt.Info.Timestamp.Unix(),
	}
	s.emitResponse(response)
}

// handleReceiptEvent maps delivery and read receipts onto models.Receipt.
func (s *WhatsAppService) handleReceiptEvent(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	case events.ReceiptTypeReadSelf:
		return
	default:
		slog.Debug("WhatsAppService ignoring receipt type", "type", evt.Type)
		return
	}

	s.emitReceipt(models.Receipt{
		To:     e164FromUser(evt.MessageSource.Sender.User),
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) emitReceipt(receipt models.Receipt) {
	if s.gate.Stopped() {
		return
	}
	if !emitOrDrop(s.receipts, receipt, DefaultChannelTimeout) {
		slog.Warn("WhatsAppService receipts channel saturated, dropping receipt", "to", receipt.To, "status", receipt.Status)
	}
}

func (s *WhatsAppService) emitResponse(response models.Response) {
	if s.gate.Stopped() {
		slog.Warn("WhatsAppService dropping inbound response (service stopped)", "from", response.From)
		return
	}
	if !emitOrDrop(s.responses, response, DefaultChannelTimeout) {
		slog.Warn("WhatsAppService responses channel saturated, dropping message", "from", response.From)
	}
}

// textContent extracts the text body from a message event, covering both
// plain and extended (reply/link-preview) text messages.
func textContent(evt *events.Message) (string, bool) {
	if evt.Message == nil {
		return "", false
	}
	if evt.Message.Conversation != nil {
		return *evt.Message.Conversation, true
	}
	if ext := evt.Message.ExtendedTextMessage; ext != nil && ext.Text != nil {
		return *ext.Text, true
	}
	return "", false
}

// e164FromUser prefixes the JID user part with + so downstream
// canonicalization sees a full international number.
func e164FromUser(user string) string {
	if strings.HasPrefix(user, "+") {
		return user
	}
	return "+" + user
}
