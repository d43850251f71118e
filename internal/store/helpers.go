package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// sqlDialect holds the backend-specific statements used by runConversationUpdate.
type sqlDialect struct {
	name   string
	ensure string // optional: creates the row so the locking select always has a target
	get    string
	load   string // may lock the row; only run inside a transaction
	upsert string
}

type conversationRow struct {
	stateJSON   string
	expectation sql.NullString
	replies     sql.NullString
	createdAt   time.Time
	updatedAt   time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversationRow(row rowScanner) (conversationRow, error) {
	var r conversationRow
	err := row.Scan(&r.stateJSON, &r.expectation, &r.replies, &r.createdAt, &r.updatedAt)
	return r, err
}

// decodeConversation converts a stored row into a Conversation.
func decodeConversation(id string, r conversationRow) (*models.Conversation, error) {
	conv := models.NewConversation(id)
	conv.CreatedAt = r.createdAt
	conv.UpdatedAt = r.updatedAt
	if r.stateJSON != "" {
		if err := json.Unmarshal([]byte(r.stateJSON), &conv.State); err != nil {
			return nil, fmt.Errorf("failed to decode state for %s: %w", id, err)
		}
		if conv.State == nil {
			conv.State = models.ConversationState{}
		}
	}
	if r.expectation.Valid && r.expectation.String != "" && r.expectation.String != "null" {
		var exp models.Expectation
		if err := json.Unmarshal([]byte(r.expectation.String), &exp); err != nil {
			return nil, fmt.Errorf("failed to decode expectation for %s: %w", id, err)
		}
		conv.Expectation = &exp
	}
	if r.replies.Valid && r.replies.String != "" && r.replies.String != "null" {
		if err := json.Unmarshal([]byte(r.replies.String), &conv.PendingReplies); err != nil {
			return nil, fmt.Errorf("failed to decode pending replies for %s: %w", id, err)
		}
	}
	return conv, nil
}

// encodeConversation returns the JSON columns for a conversation.
func encodeConversation(conv *models.Conversation) (state string, expectation, replies interface{}, err error) {
	stateBytes, err := json.Marshal(conv.State)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to encode state: %w", err)
	}
	if conv.Expectation != nil {
		b, err := json.Marshal(conv.Expectation)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to encode expectation: %w", err)
		}
		expectation = string(b)
	}
	if len(conv.PendingReplies) > 0 {
		b, err := json.Marshal(conv.PendingReplies)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to encode pending replies: %w", err)
		}
		replies = string(b)
	}
	return string(stateBytes), expectation, replies, nil
}

// getConversation loads a conversation outside of a transaction.
func getConversation(ctx context.Context, db *sql.DB, d sqlDialect, id string) (*models.Conversation, error) {
	r, err := scanConversationRow(db.QueryRowContext(ctx, d.get, id))
	if err == sql.ErrNoRows {
		return models.NewConversation(id), nil
	}
	if err != nil {
		return nil, storeError("load conversation", err)
	}
	conv, err := decodeConversation(id, r)
	if err != nil {
		return nil, storeError("decode conversation", err)
	}
	return conv, nil
}

// runConversationUpdate performs the transactional read-modify-write shared by
// the SQL backends. Errors from fn abort the transaction unchanged.
func runConversationUpdate(ctx context.Context, db *sql.DB, d sqlDialect, id string, fn UpdateFunc) (*models.Conversation, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now()
	if d.ensure != "" {
		if _, err := tx.ExecContext(ctx, d.ensure, id, now); err != nil {
			return nil, storeError("ensure conversation", err)
		}
	}

	var conv *models.Conversation
	r, err := scanConversationRow(tx.QueryRowContext(ctx, d.load, id))
	switch {
	case err == sql.ErrNoRows:
		conv = models.NewConversation(id)
		conv.CreatedAt = now
	case err != nil:
		return nil, storeError("load conversation", err)
	default:
		conv, err = decodeConversation(id, r)
		if err != nil {
			return nil, storeError("decode conversation", err)
		}
	}

	if err := fn(conv); err != nil {
		return nil, err
	}
	conv.ID = id
	conv.UpdatedAt = now

	stateJSON, expJSON, repliesJSON, err := encodeConversation(conv)
	if err != nil {
		return nil, storeError("encode conversation", err)
	}
	if _, err := tx.ExecContext(ctx, d.upsert, id, stateJSON, expJSON, repliesJSON, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return nil, storeError("save conversation", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError("commit conversation", err)
	}
	return conv, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.ConversationID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
