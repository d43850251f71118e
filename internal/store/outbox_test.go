package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func outboxBackends(t *testing.T) map[string]OutboxRepo {
	t.Helper()
	return map[string]OutboxRepo{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
}

func TestOutboxEnqueueDedupe(t *testing.T) {
	ctx := context.Background()
	for name, repo := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			id1, err := repo.EnqueueOutboxMessage(ctx, "conv-1", "turn_result", `{"a":1}`, "turn-1")
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			id2, err := repo.EnqueueOutboxMessage(ctx, "conv-1", "turn_result", `{"a":1}`, "turn-1")
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if id1 != id2 {
				t.Errorf("dedupe key should return the existing id: %s != %s", id1, id2)
			}
			id3, err := repo.EnqueueOutboxMessage(ctx, "conv-1", "turn_result", `{"a":2}`, "")
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if id3 == id1 {
				t.Error("messages without dedupe key must get fresh ids")
			}
		})
	}
}

func TestOutboxClaimSendAndRetry(t *testing.T) {
	ctx := context.Background()
	for name, repo := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := repo.EnqueueOutboxMessage(ctx, "conv-1", "turn_result", `{}`, "")
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			now := time.Now()
			msgs, err := repo.ClaimDueOutboxMessages(ctx, now, 10)
			if err != nil {
				t.Fatalf("Claim: %v", err)
			}
			if len(msgs) != 1 || msgs[0].ID != id || msgs[0].Status != OutboxStatusSending {
				t.Fatalf("unexpected claim: %+v", msgs)
			}
			again, _ := repo.ClaimDueOutboxMessages(ctx, now, 10)
			if len(again) != 0 {
				t.Errorf("claimed message must not be claimed twice, got %d", len(again))
			}

			if err := repo.FailOutboxMessage(ctx, id, "down", now.Add(time.Minute)); err != nil {
				t.Fatalf("Fail: %v", err)
			}
			early, _ := repo.ClaimDueOutboxMessages(ctx, now, 10)
			if len(early) != 0 {
				t.Errorf("message should wait for its next attempt, got %d", len(early))
			}
			later, _ := repo.ClaimDueOutboxMessages(ctx, now.Add(2*time.Minute), 10)
			if len(later) != 1 || later[0].Attempts != 1 || later[0].LastError != "down" {
				t.Fatalf("unexpected retry claim: %+v", later)
			}
			if err := repo.MarkOutboxMessageSent(ctx, id); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}
			done, _ := repo.ClaimDueOutboxMessages(ctx, now.Add(time.Hour), 10)
			if len(done) != 0 {
				t.Errorf("sent message reclaimed: %+v", done)
			}
		})
	}
}

func TestOutboxRequeueStale(t *testing.T) {
	ctx := context.Background()
	for name, repo := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := repo.EnqueueOutboxMessage(ctx, "conv-1", "turn_result", `{}`, ""); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			past := time.Now().Add(-time.Hour)
			if _, err := repo.ClaimDueOutboxMessages(ctx, past, 10); err != nil {
				t.Fatalf("Claim: %v", err)
			}
			n, err := repo.RequeueStaleSendingMessages(ctx, time.Now().Add(-time.Minute))
			if err != nil {
				t.Fatalf("Requeue: %v", err)
			}
			if n != 1 {
				t.Errorf("expected 1 requeued message, got %d", n)
			}
		})
	}
}

func TestOutboxMovesToFailedAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	id, _ := s.EnqueueOutboxMessage(ctx, "conv-1", "turn_result", `{}`, "")
	for i := 0; i < MaxOutboxAttempts; i++ {
		if err := s.FailOutboxMessage(ctx, id, "down", time.Now()); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}
	msgs := s.OutboxMessages()
	if msgs[0].Status != OutboxStatusFailed {
		t.Errorf("expected failed status, got %s", msgs[0].Status)
	}
}

func TestOutboxSenderPoll(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	okID, _ := s.EnqueueOutboxMessage(ctx, "conv-1", "turn_result", `{"ok":true}`, "")
	badID, _ := s.EnqueueOutboxMessage(ctx, "conv-2", "turn_result", `{"ok":false}`, "")

	var delivered []string
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if msg.ID == badID {
			return errors.New("sink unavailable")
		}
		delivered = append(delivered, msg.ID)
		return nil
	}, time.Second)

	if n := sender.Poll(ctx); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(delivered) != 1 || delivered[0] != okID {
		t.Errorf("unexpected deliveries: %v", delivered)
	}
	for _, m := range s.OutboxMessages() {
		switch m.ID {
		case okID:
			if m.Status != OutboxStatusSent {
				t.Errorf("ok message status = %s", m.Status)
			}
		case badID:
			if m.Status != OutboxStatusQueued || m.Attempts != 1 || m.NextAttemptAt == nil {
				t.Errorf("failed message not rescheduled: %+v", m)
			}
		}
	}
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		t.Errorf("RecoverStaleMessages: %v", err)
	}
}
