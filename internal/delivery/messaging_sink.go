package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// MessageSender is the outbound half of a messaging transport.
type MessageSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// MessagingSink renders responses and sends them to the conversation's
// address, one message per response.
type MessagingSink struct {
	sender  MessageSender
	catalog *Catalog
}

var _ Sink = (*MessagingSink)(nil)

// NewMessagingSink creates a sink sending through sender.
func NewMessagingSink(sender MessageSender, catalog *Catalog) *MessagingSink {
	if catalog == nil {
		catalog = MustCatalog(nil)
	}
	return &MessagingSink{sender: sender, catalog: catalog}
}

// PartialDeliveryError reports how many leading responses of a turn were
// handled before delivery stopped.
type PartialDeliveryError struct {
	Sent int
	Err  error
}

func (e *PartialDeliveryError) Error() string {
	return fmt.Sprintf("%v (after %d responses)", e.Err, e.Sent)
}

func (e *PartialDeliveryError) Unwrap() error { return e.Err }

// Deliver stops at the first failed send and returns a *PartialDeliveryError;
// earlier messages stay sent.
func (s *MessagingSink) Deliver(ctx context.Context, result models.TurnResult) error {
	for i, resp := range result.Responses {
		text, err := s.catalog.Render(resp)
		if err != nil {
			return &PartialDeliveryError{Sent: i, Err: fmt.Errorf("%w: %w", ErrDeliveryFailed, err)}
		}
		if text == "" {
			continue
		}
		if err := s.sender.SendMessage(ctx, result.ConversationID, text); err != nil {
			return &PartialDeliveryError{Sent: i, Err: fmt.Errorf("%w: send response %d of turn %s: %w", ErrDeliveryFailed, i, result.TurnID, err)}
		}
	}
	slog.Debug("MessagingSink Deliver: responses sent", "conversationID", result.ConversationID, "turnID", result.TurnID, "count", len(result.Responses))
	return nil
}
