// Package models defines conversation state structures for StepFlow.
package models

import (
	"maps"
	"strconv"
	"time"
)

// ConversationState is the key/value state scoped to one conversation.
// Values are strings, numbers or booleans; absent keys are simply missing.
type ConversationState map[string]any

// StateUpdate is a partial update to a ConversationState.
// A nil value removes the key.
type StateUpdate map[string]any

// Clone returns a shallow copy of the state. A nil state clones to an empty map.
func (s ConversationState) Clone() ConversationState {
	out := make(ConversationState, len(s))
	maps.Copy(out, s)
	return out
}

// Has reports whether key is present with a non-empty value.
func (s ConversationState) Has(key string) bool {
	v, ok := s[key]
	if !ok || v == nil {
		return false
	}
	if str, isStr := v.(string); isStr {
		return str != ""
	}
	return true
}

// String returns the value for key formatted as a string, or "" if absent.
func (s ConversationState) String(key string) string {
	switch v := s[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Empty reports whether the update carries no keys.
func (u StateUpdate) Empty() bool {
	return len(u) == 0
}

// ApplyUpdate merges update into a copy of state and returns the copy.
// Keys whose update value is nil are removed. The input state is never mutated.
func ApplyUpdate(state ConversationState, update StateUpdate) ConversationState {
	merged := state.Clone()
	for k, v := range update {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}

// Expectation records which stream the next turn should resume into when no
// classification override applies.
type Expectation struct {
	Stream  string   `json:"stream"`
	Accepts []string `json:"accepts,omitempty"` // intent labels the next event is expected to carry
}

// Conversation is the persisted record for one conversation identity.
type Conversation struct {
	ID             string            `json:"id"`
	State          ConversationState `json:"state"`
	Expectation    *Expectation      `json:"expectation,omitempty"`
	PendingReplies []ReplyOption     `json:"pending_replies,omitempty"` // options offered by the last completed prompt
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewConversation returns an empty, unsaved conversation.
func NewConversation(id string) *Conversation {
	return &Conversation{
		ID:    id,
		State: ConversationState{},
	}
}

// Clone returns a deep-enough copy safe to hand across goroutines.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.State = c.State.Clone()
	if c.Expectation != nil {
		exp := *c.Expectation
		exp.Accepts = append([]string(nil), c.Expectation.Accepts...)
		out.Expectation = &exp
	}
	if c.PendingReplies != nil {
		out.PendingReplies = make([]ReplyOption, len(c.PendingReplies))
		for i, r := range c.PendingReplies {
			out.PendingReplies[i] = r.Clone()
		}
	}
	return &out
}
