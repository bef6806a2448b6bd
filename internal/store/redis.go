package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/ava-chat/internal/domain"
	"github.com/redis/go-redis/v9"
)

const redisMaxTxRetries = 5

// RedisStore keeps each conversation as a JSON string under
// "conversation:<id>" with a TTL that is reset on every append.
type RedisStore struct {
	client redis.UniversalClient
	opts   Options
	logger *slog.Logger
}

// NewRedis creates a store on an existing client. The client is shared with
// other components and stays owned by the caller.
func NewRedis(client redis.UniversalClient, opts Options, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Get reads a conversation. Redis expiry makes absent and expired identical.
func (s *RedisStore) Get(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	raw, err := s.client.Get(ctx, Key(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return domain.DecodeHistory(raw)
}

// Append extends the conversation inside a WATCH/MULTI transaction so the
// limit check and the write see the same value.
func (s *RedisStore) Append(ctx context.Context, conversationID string, turn domain.Turn) error {
	key := Key(conversationID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read conversation: %w", err)
		}
		turns, err := domain.DecodeHistory(raw)
		if err != nil {
			return err
		}
		if len(turns) >= s.opts.MaxTurns {
			return ErrLimitReached
		}
		data, err := domain.EncodeHistory(append(turns, turn))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.opts.TTL)
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("Conversation append raced, retrying", "conversation_id", conversationID, "attempt", i+1)
			continue
		}
		return err
	}
	return fmt.Errorf("append conversation %s: too much contention", conversationID)
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the client is closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}
