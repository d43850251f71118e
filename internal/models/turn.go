package models

import "time"

// TurnOutcome describes how a turn ended.
type TurnOutcome string

const (
	// TurnOutcomePrompted means a step prompted and signaled completion.
	TurnOutcomePrompted TurnOutcome = "prompted"
	// TurnOutcomeExhausted means every step in the stream was satisfied.
	TurnOutcomeExhausted TurnOutcome = "exhausted"
	// TurnOutcomeFailed means the turn aborted; Responses hold the fallback, if any.
	TurnOutcomeFailed TurnOutcome = "failed"
	// TurnOutcomeDuplicate means the inbound message was already processed.
	TurnOutcomeDuplicate TurnOutcome = "duplicate"
)

// TurnResult is what a completed turn hands to the delivery sink.
type TurnResult struct {
	TurnID         string             `json:"turn_id"`
	ConversationID string             `json:"conversation_id"`
	Stream         string             `json:"stream,omitempty"`
	Step           string             `json:"step,omitempty"`
	Outcome        TurnOutcome        `json:"outcome"`
	Responses      []OutboundResponse `json:"responses,omitempty"`
	Expectation    *Expectation       `json:"expectation,omitempty"`
	State          ConversationState  `json:"state,omitempty"`
	Error          string             `json:"error,omitempty"`
	Invocation     *Invocation        `json:"-"`
	CompletedAt    time.Time          `json:"completed_at"`
}

// Deliverable reports whether the result should be handed to a sink.
func (r *TurnResult) Deliverable() bool {
	switch r.Outcome {
	case TurnOutcomePrompted, TurnOutcomeExhausted:
		return true
	case TurnOutcomeFailed:
		return len(r.Responses) > 0
	default:
		return false
	}
}
