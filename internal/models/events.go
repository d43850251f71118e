// Package models defines inbound and outbound event structures for StepFlow.
package models

import (
	"errors"
	"maps"
	"strings"
	"time"
)

// Validation errors for inbound events.
var (
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrEmptyResponseKey    = errors.New("response key cannot be empty")
	ErrEmptyReplyLabel     = errors.New("reply option label cannot be empty")
)

// Entity is a value recognized in free text, tagged with its role (e.g. "email/email").
type Entity struct {
	Role  string `json:"role"`
	Value string `json:"value"`
}

// Postback is the structured payload attached to a selected ReplyOption.
type Postback struct {
	Stream string         `json:"stream,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// SenderProfile is what the transport knows about the sender.
type SenderProfile struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Invocation carries the hosting platform's coordinates for posting a turn
// result back. It is nil for transports that deliver responses directly.
type Invocation struct {
	AppID        string `json:"app_id"`
	AppUserID    string `json:"app_user_id"`
	InvocationID string `json:"invocation_id"`
	BaseURL      string `json:"base_url"`
	AuthToken    string `json:"-"`
}

// InboundEvent is one message from a user, as seen by the flow engine.
type InboundEvent struct {
	MessageID        string         `json:"message_id,omitempty"`
	ConversationID   string         `json:"conversation_id"`
	RecognizedIntent string         `json:"recognized_intent,omitempty"`
	Text             string         `json:"text,omitempty"`
	Entities         []Entity       `json:"entities,omitempty"`
	Postback         *Postback      `json:"postback,omitempty"`
	Sender           *SenderProfile `json:"sender,omitempty"`
	Invocation       *Invocation    `json:"-"`
	ReceivedAt       time.Time      `json:"received_at"`
}

// Validate checks the fields the engine relies on.
func (e *InboundEvent) Validate() error {
	if strings.TrimSpace(e.ConversationID) == "" {
		return ErrEmptyConversationID
	}
	return nil
}

// FirstEntityWithRole returns the first entity value with the given role.
func (e *InboundEvent) FirstEntityWithRole(role string) (string, bool) {
	for _, ent := range e.Entities {
		if ent.Role == role && ent.Value != "" {
			return ent.Value, true
		}
	}
	return "", false
}

// PostbackData returns the postback payload, or nil when the event is free text.
func (e *InboundEvent) PostbackData() map[string]any {
	if e.Postback == nil {
		return nil
	}
	return e.Postback.Data
}

// ReplyOption is a structured suggestion attached to an outbound prompt.
// Selecting it produces a future inbound event whose Postback carries Data.
type ReplyOption struct {
	Label  string         `json:"label"`
	Stream string         `json:"stream,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Clone copies the option's data map.
func (r ReplyOption) Clone() ReplyOption {
	if r.Data != nil {
		r.Data = maps.Clone(r.Data)
	}
	return r
}

// Postback converts the option into the payload of the event selecting it.
func (r ReplyOption) Postback() *Postback {
	return &Postback{Stream: r.Stream, Data: maps.Clone(r.Data)}
}

// OutboundResponse is one message emitted by a step's prompt.
type OutboundResponse struct {
	ResponseKey  string         `json:"response_key"`
	Entities     map[string]any `json:"entities,omitempty"`
	ReplyOptions []ReplyOption  `json:"reply_options,omitempty"`
}

// Validate checks an outbound response before it is queued.
func (r *OutboundResponse) Validate() error {
	if r.ResponseKey == "" {
		return ErrEmptyResponseKey
	}
	for _, opt := range r.ReplyOptions {
		if opt.Label == "" {
			return ErrEmptyReplyLabel
		}
	}
	return nil
}
