// Package flow defines state management interfaces for the flow engine.
package flow

import (
	"context"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// StateManager defines how the engine reads and writes conversation records.
// Every write is an atomic read-modify-write against the backing store.
type StateManager interface {
	// Load returns the conversation, or an empty one for a new identity.
	Load(ctx context.Context, conversationID string) (*models.Conversation, error)

	// MergeState applies update with merge/null-delete semantics and returns the new state.
	MergeState(ctx context.Context, conversationID string, update models.StateUpdate) (models.ConversationState, error)

	// CommitTurn stores the expectation and pending replies a completed turn ends with.
	CommitTurn(ctx context.Context, conversationID string, expectation *models.Expectation, replies []models.ReplyOption) (*models.Conversation, error)

	// ResetConversation clears state, expectation and pending replies.
	ResetConversation(ctx context.Context, conversationID string) error
}
