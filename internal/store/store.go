// Package store provides conversation state storage backends for StepFlow.
//
// Every backend implements ConversationStore with atomic read-modify-write
// updates, so a merge either fully applies or fails without partial state.
// The in-memory store in this file backs tests and the local simulator.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// ErrStateStore wraps every storage failure surfaced by a backend.
var ErrStateStore = errors.New("state store error")

// UpdateFunc mutates a conversation inside an atomic update. Returning an
// error aborts the update and nothing is written.
type UpdateFunc func(conv *models.Conversation) error

// ConversationStore persists conversation state, expectations and pending replies.
type ConversationStore interface {
	// GetConversation returns the stored conversation, or an empty unsaved one
	// when the identity has never been seen.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// UpdateConversation atomically reads the conversation, applies fn and
	// writes the result. The returned conversation is the stored version.
	UpdateConversation(ctx context.Context, id string, fn UpdateFunc) (*models.Conversation, error)

	// Close releases backend resources.
	Close() error
}

// MergeState applies update to the conversation's state with merge/null-delete semantics.
func MergeState(ctx context.Context, st ConversationStore, id string, update models.StateUpdate) (models.ConversationState, error) {
	conv, err := st.UpdateConversation(ctx, id, func(c *models.Conversation) error {
		c.State = models.ApplyUpdate(c.State, update)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv.State, nil
}

// storeError wraps err with ErrStateStore unless it already carries it.
func storeError(op string, err error) error {
	if errors.Is(err, ErrStateStore) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStateStore, op, err)
}

// InMemoryStore is a ConversationStore, DedupRepo and OutboxRepo kept in process memory.
type InMemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	inbound       map[string]DedupRecord
	outbox        []OutboxMessage
	outboxSeq     int
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.Conversation),
		inbound:       make(map[string]DedupRecord),
	}
}

// GetConversation returns a copy of the stored conversation.
func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[id]; ok {
		return conv.Clone(), nil
	}
	return models.NewConversation(id), nil
}

// UpdateConversation applies fn to a copy and swaps it in only if fn succeeds.
func (s *InMemoryStore) UpdateConversation(ctx context.Context, id string, fn UpdateFunc) (*models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("update conversation", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if ok {
		conv = conv.Clone()
	} else {
		conv = models.NewConversation(id)
		conv.CreatedAt = time.Now()
	}
	if err := fn(conv); err != nil {
		return nil, err
	}
	conv.ID = id
	conv.UpdatedAt = time.Now()
	s.conversations[id] = conv
	slog.Debug("InMemoryStore UpdateConversation succeeded", "conversationID", id, "keys", len(conv.State))
	return conv.Clone(), nil
}

// DeleteConversation removes a conversation (used by the API and tests).
func (s *InMemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
