// Package flow provides concrete implementations of state management.
package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/BTreeMap/StepFlow/internal/store"
)

// StoreBasedStateManager implements StateManager using a ConversationStore backend.
type StoreBasedStateManager struct {
	store store.ConversationStore
}

var _ StateManager = (*StoreBasedStateManager)(nil)

// NewStoreBasedStateManager creates a new StateManager backed by a ConversationStore.
func NewStoreBasedStateManager(st store.ConversationStore) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st}
}

// Load retrieves the conversation record.
func (sm *StoreBasedStateManager) Load(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := sm.store.GetConversation(ctx, conversationID)
	if err != nil {
		slog.Error("StateManager Load error", "error", err, "conversationID", conversationID)
		return nil, err
	}
	slog.Debug("StateManager Load", "conversationID", conversationID, "keys", len(conv.State), "hasExpectation", conv.Expectation != nil)
	return conv, nil
}

// MergeState merges an update into the conversation state.
func (sm *StoreBasedStateManager) MergeState(ctx context.Context, conversationID string, update models.StateUpdate) (models.ConversationState, error) {
	state, err := store.MergeState(ctx, sm.store, conversationID, update)
	if err != nil {
		slog.Error("StateManager MergeState error", "error", err, "conversationID", conversationID)
		return nil, err
	}
	slog.Debug("StateManager MergeState succeeded", "conversationID", conversationID, "updated", len(update))
	return state, nil
}

// CommitTurn replaces the expectation and pending replies in one update.
func (sm *StoreBasedStateManager) CommitTurn(ctx context.Context, conversationID string, expectation *models.Expectation, replies []models.ReplyOption) (*models.Conversation, error) {
	conv, err := sm.store.UpdateConversation(ctx, conversationID, func(c *models.Conversation) error {
		c.Expectation = expectation
		c.PendingReplies = replies
		return nil
	})
	if err != nil {
		slog.Error("StateManager CommitTurn error", "error", err, "conversationID", conversationID)
		return nil, err
	}
	slog.Debug("StateManager CommitTurn succeeded", "conversationID", conversationID, "replies", len(replies))
	return conv, nil
}

// ResetConversation removes all state for a conversation.
func (sm *StoreBasedStateManager) ResetConversation(ctx context.Context, conversationID string) error {
	_, err := sm.store.UpdateConversation(ctx, conversationID, func(c *models.Conversation) error {
		c.State = models.ConversationState{}
		c.Expectation = nil
		c.PendingReplies = nil
		return nil
	})
	if err != nil {
		slog.Error("StateManager ResetConversation error", "error", err, "conversationID", conversationID)
		return err
	}
	slog.Info("StateManager ResetConversation succeeded", "conversationID", conversationID)
	return nil
}
