// Package store provides storage backends for StepFlow.
//
// This file implements a Redis-backed conversation store. Keys:
//
//	<prefix>conv:<id>     => JSON-encoded models.Conversation
//	<prefix>dedup:<msgID> => conversation ID, expires after DefaultDedupTTL
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	// redisMaxTxRetries bounds optimistic-lock retries for one update.
	redisMaxTxRetries = 16
	// DefaultDedupTTL is how long inbound message IDs are remembered.
	DefaultDedupTTL = 7 * 24 * time.Hour
)

// RedisStore persists conversations in Redis using WATCH/MULTI transactions.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	dedupTTL time.Duration
}

var (
	_ ConversationStore = (*RedisStore)(nil)
	_ DedupRepo         = (*RedisStore)(nil)
)

// NewRedisStore connects to the Redis URL given in the options.
func NewRedisStore(ctx context.Context, opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("redis URL not set")
	}
	redisOpts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		slog.Error("Redis ping failed", "error", err)
		return nil, storeError("ping redis", err)
	}
	slog.Debug("RedisStore.NewRedisStore: connected", "addr", redisOpts.Addr, "db", redisOpts.DB)
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client. prefix defaults to DefaultKeyPrefix.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, dedupTTL: DefaultDedupTTL}
}

func (s *RedisStore) keyConversation(id string) string {
	return s.prefix + "conv:" + id
}

func (s *RedisStore) keyDedup(messageID string) string {
	return s.prefix + "dedup:" + messageID
}

func decodeRedisConversation(id string, data []byte) (*models.Conversation, error) {
	conv := models.NewConversation(id)
	if err := json.Unmarshal(data, conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	if conv.State == nil {
		conv.State = models.ConversationState{}
	}
	conv.ID = id
	return conv, nil
}

func (s *RedisStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	data, err := s.client.Get(ctx, s.keyConversation(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.NewConversation(id), nil
	}
	if err != nil {
		return nil, storeError("load conversation", err)
	}
	conv, err := decodeRedisConversation(id, data)
	if err != nil {
		return nil, storeError("decode conversation", err)
	}
	return conv, nil
}

// UpdateConversation retries when another writer touches the key between
// WATCH and EXEC.
func (s *RedisStore) UpdateConversation(ctx context.Context, id string, fn UpdateFunc) (*models.Conversation, error) {
	key := s.keyConversation(id)
	var result *models.Conversation
	var fnErr error

	txf := func(tx *redis.Tx) error {
		now := time.Now()
		var conv *models.Conversation
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			conv = models.NewConversation(id)
			conv.CreatedAt = now
		case err != nil:
			return err
		default:
			conv, err = decodeRedisConversation(id, data)
			if err != nil {
				return err
			}
		}

		if err := fn(conv); err != nil {
			fnErr = err
			return err
		}
		conv.ID = id
		conv.UpdatedAt = now
		encoded, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to encode conversation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = conv
		return nil
	}

	for attempt := 0; attempt < redisMaxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			slog.Debug("RedisStore UpdateConversation succeeded", "conversationID", id, "attempt", attempt)
			return result, nil
		}
		if fnErr != nil {
			return nil, fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, storeError("update conversation", err)
	}
	return nil, storeError("update conversation", fmt.Errorf("too much contention on %s", key))
}

func (s *RedisStore) DeleteConversation(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.keyConversation(id)).Err(); err != nil {
		return storeError("delete conversation", err)
	}
	return nil
}

func (s *RedisStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyDedup(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyDedup(messageID), conversationID, s.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

// MarkProcessed refreshes the dedup entry's TTL once the turn finished.
func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	if err := s.client.Expire(ctx, s.keyDedup(messageID), s.dedupTTL).Err(); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *RedisStore) ForgetInbound(ctx context.Context, messageID string) error {
	if err := s.client.Del(ctx, s.keyDedup(messageID)).Err(); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
