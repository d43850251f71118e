// Package store provides the OutboxRepo interface and model for restart-safe delivery of turn results.
package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage represents a durable outgoing turn result.
type OutboxMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Kind           string       `json:"kind"`
	PayloadJSON    string       `json:"payload_json"`
	Status         OutboxStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at"`
	DedupeKey      string       `json:"dedupe_key"`
	LockedAt       *time.Time   `json:"locked_at"`
	LastError      string       `json:"last_error"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// OutboxRepo defines the interface for durable outbox message persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new outbox message. If dedupeKey is non-empty
	// and a non-terminal message with that key exists, returns the existing ID.
	EnqueueOutboxMessage(ctx context.Context, conversationID, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as successfully sent.
	MarkOutboxMessageSent(ctx context.Context, id string) error

	// UpdateOutboxPayload replaces a message's payload, recording delivery
	// progress before a retry.
	UpdateOutboxPayload(ctx context.Context, id, payloadJSON string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	// Messages that reached maxAttempts move to failed instead.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
}

// MaxOutboxAttempts bounds delivery retries before a message is marked failed.
const MaxOutboxAttempts = 8

func newOutboxID() string {
	return "outbox_" + uuid.NewString()
}

// Compile-time check that InMemoryStore implements OutboxRepo.
var _ OutboxRepo = (*InMemoryStore)(nil)

func (s *InMemoryStore) EnqueueOutboxMessage(ctx context.Context, conversationID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	s.outboxSeq++
	msg := OutboxMessage{
		ID:             newOutboxID(),
		ConversationID: conversationID,
		Kind:           kind,
		PayloadJSON:    payloadJSON,
		Status:         OutboxStatusQueued,
		DedupeKey:      dedupeKey,
		// Nanosecond offsets keep FIFO order stable for messages enqueued in the same tick.
		CreatedAt: now.Add(time.Duration(s.outboxSeq)),
		UpdatedAt: now,
	}
	s.outbox = append(s.outbox, msg)
	return msg.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := make([]int, 0, len(s.outbox))
	for i, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		return s.outbox[idx[a]].CreatedAt.Before(s.outbox[idx[b]].CreatedAt)
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}
	claimed := make([]OutboxMessage, 0, len(idx))
	for _, i := range idx {
		locked := now
		s.outbox[i].Status = OutboxStatusSending
		s.outbox[i].LockedAt = &locked
		s.outbox[i].UpdatedAt = now
		claimed = append(claimed, s.outbox[i])
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
		if m.Attempts >= MaxOutboxAttempts {
			m.Status = OutboxStatusFailed
			return
		}
		next := nextAttemptAt
		m.NextAttemptAt = &next
		m.Status = OutboxStatusQueued
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) UpdateOutboxPayload(ctx context.Context, id, payloadJSON string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.PayloadJSON = payloadJSON
	})
}

// OutboxMessages returns a snapshot of all outbox messages (for tests and inspection).
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutboxMessage(nil), s.outbox...)
}

func (s *InMemoryStore) updateOutbox(id string, fn func(m *OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			s.outbox[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("outbox message %s not found", id)
}
