// Package messaging connects chat transports to the flow engine.
//
// A Service delivers outbound text and emits inbound messages; the
// ResponseHandler turns those messages into engine events.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size of receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an emit waits on a full channel.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns its canonical form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Receipts returns a channel of delivery receipts.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound messages.
	Responses() <-chan models.InboundMessage
}

// CanonicalizePhone strips everything but digits and requires at least six of them.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("messaging CanonicalizePhone: recipient canonicalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// channels holds the receipt and response channels shared by the services.
// Emits hold the read lock, so stop can close the channels once they drain.
type channels struct {
	mu        sync.RWMutex
	receipts  chan models.Receipt
	responses chan models.InboundMessage
	done      chan struct{}
	stopped   bool
	stopOnce  sync.Once
}

func newChannels() *channels {
	return &channels{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

func (c *channels) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

func (c *channels) emitReceipt(component string, r models.Receipt) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return false
	}
	return emit(component, c.receipts, c.done, r)
}

func (c *channels) emitResponse(component string, m models.InboundMessage) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		slog.Warn(component+" dropping inbound message (service stopped)", "from", m.From)
		return false
	}
	return emit(component, c.responses, c.done, m)
}

func (c *channels) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stopped = true
		close(c.receipts)
		close(c.responses)
	})
}

// emit sends v on ch unless done closes or the channel stays full past DefaultChannelTimeout.
func emit[T any](component string, ch chan<- T, done <-chan struct{}, v T) bool {
	select {
	case ch <- v:
		return true
	case <-done:
		slog.Warn(component + " emit: service stopped, dropping event")
		return false
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(component+" emit: channel blocked, dropping event", "timeout", DefaultChannelTimeout)
		return false
	}
}
