package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/BTreeMap/StepFlow/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// eventSource is the part of whatsapp.Client that delivers Whatsmeow events.
type eventSource interface {
	AddEventHandler(handler func(evt any))
}

// WhatsAppService implements Service using the Whatsmeow-based client.
type WhatsAppService struct {
	client whatsapp.WhatsAppSender
	events eventSource
	ch     *channels
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps a WhatsAppSender. Inbound events are consumed only
// when the sender can also deliver them (the real client does).
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{client: client, ch: newChannels()}
	if src, ok := client.(eventSource); ok {
		s.events = src
	}
	return s
}

// ValidateAndCanonicalizeRecipient canonicalizes a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the Whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events == nil {
		slog.Debug("WhatsAppService Start: client delivers no events, skipping event handling")
		return nil
	}
	s.events.AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService Start: event handler registered")
	return nil
}

// Stop closes the channels.
func (s *WhatsAppService) Stop() error {
	s.ch.stop()
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	s.ch.emitReceipt("WhatsAppService", models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.ch.receipts
}

// Responses returns a channel of inbound messages.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.ch.responses
}

func (s *WhatsAppService) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		if msg, ok := whatsapp.InboundFromEvent(v); ok {
			s.ch.emitResponse("WhatsAppService", msg)
		}
	case *events.Receipt:
		if r, ok := whatsapp.ReceiptFromEvent(v); ok {
			s.ch.emitReceipt("WhatsAppService", r)
		}
	}
}
