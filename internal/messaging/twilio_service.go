package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/BTreeMap/StepFlow/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a webhook without sending an immediate reply.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioService implements Service over the Twilio WhatsApp API. Inbound
// messages arrive through WebhookHandler.
type TwilioService struct {
	client     twiliowhatsapp.Sender
	validator  *twiliowhatsapp.SignatureValidator
	webhookURL string
	ch         *channels
}

var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook requests whose X-Twilio-Signature
// does not match publicURL, the webhook address as Twilio calls it.
func WithSignatureValidation(authToken, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = twiliowhatsapp.NewSignatureValidator(authToken)
		s.webhookURL = publicURL
	}
}

// NewTwilioService creates a TwilioService around a real or mock Twilio client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, ch: newChannels()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient canonicalizes a phone number to its digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(twiliowhatsapp.StripWhatsAppAddress(recipient))
}

// Start is a no-op; inbound traffic is pushed to WebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the channels.
func (s *TwilioService) Stop() error {
	s.ch.stop()
	return nil
}

// SendMessage sends a message via Twilio and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, "+"+canonicalTo, body); err != nil {
		return err
	}
	s.ch.emitReceipt("TwilioService", models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for sent message receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.ch.receipts
}

// Responses returns the channel of inbound messages received by the webhook.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.ch.responses
}

// WebhookHandler handles inbound Twilio webhook requests.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService WebhookHandler: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msg, err := inboundFromForm(r)
	if err != nil {
		slog.Warn("TwilioService WebhookHandler: rejected message", "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	slog.Info("TwilioService WebhookHandler: inbound message", "from", msg.From, "id", msg.ID, "body_length", len(msg.Body))
	s.ch.emitResponse("TwilioService", msg)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}

func inboundFromForm(r *http.Request) (models.InboundMessage, error) {
	from := twiliowhatsapp.StripWhatsAppAddress(r.FormValue("From"))
	body := r.FormValue("Body")
	if from == "" || strings.TrimSpace(body) == "" {
		return models.InboundMessage{}, fmt.Errorf("missing From or Body")
	}
	msg := models.InboundMessage{
		ID:   r.FormValue("MessageSid"),
		From: from,
		Body: body,
		Time: time.Now().Unix(),
	}
	if name := strings.TrimSpace(r.FormValue("ProfileName")); name != "" {
		if i := strings.LastIndex(name, " "); i > 0 {
			msg.FirstName, msg.LastName = name[:i], name[i+1:]
		} else {
			msg.FirstName = name
		}
	}
	return msg, nil
}
