package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// EventHandler runs one conversation turn; flow.Engine implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, event models.InboundEvent) (*models.TurnResult, error)
}

// ResponseHandler feeds inbound transport messages into an EventHandler,
// one goroutine per message. The engine serializes turns per conversation.
type ResponseHandler struct {
	msgService Service
	handler    EventHandler
	wg         sync.WaitGroup
}

// NewResponseHandler creates a ResponseHandler for the given transport and engine.
func NewResponseHandler(msgService Service, handler EventHandler) *ResponseHandler {
	return &ResponseHandler{msgService: msgService, handler: handler}
}

// ToEvent converts a transport message into an engine event keyed by the
// sender's canonical address.
func ToEvent(canonicalFrom string, msg models.InboundMessage) models.InboundEvent {
	ev := models.InboundEvent{
		MessageID:      msg.ID,
		ConversationID: canonicalFrom,
		Text:           msg.Body,
		ReceivedAt:     time.Now(),
	}
	if msg.Time > 0 {
		ev.ReceivedAt = time.Unix(msg.Time, 0)
	}
	if msg.FirstName != "" || msg.LastName != "" {
		ev.Sender = &models.SenderProfile{FirstName: msg.FirstName, LastName: msg.LastName}
	}
	return ev
}

// ProcessResponse runs the turn for one inbound message and waits for it.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, msg models.InboundMessage) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", msg.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	slog.Debug("ResponseHandler processing message", "from", canonicalFrom, "id", msg.ID, "body_length", len(msg.Body))

	res, err := rh.handler.HandleEvent(ctx, ToEvent(canonicalFrom, msg))
	if err != nil {
		return fmt.Errorf("turn for %s failed: %w", canonicalFrom, err)
	}
	slog.Debug("ResponseHandler turn finished", "from", canonicalFrom, "outcome", res.Outcome)
	return nil
}

// Start consumes the transport's Responses channel until it closes or ctx ends.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case msg, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				rh.wg.Add(1)
				go func() {
					defer rh.wg.Done()
					if err := rh.ProcessResponse(ctx, msg); err != nil {
						slog.Error("ResponseHandler failed to process message", "error", err, "from", msg.From)
					}
				}()
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}

// Wait blocks until the consumer loop and every in-flight turn have finished.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}
