// Package store persists conversation histories.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/ava-chat/internal/domain"
)

// ErrLimitReached is returned by Append when the conversation already holds
// the maximum number of turns. The stored value is left unchanged.
var ErrLimitReached = errors.New("conversation limit reached")

// ConversationStore is keyed, TTL-bounded storage of turn histories shared by
// all connections.
type ConversationStore interface {
	// Get returns the turns of a conversation in order. A missing or
	// expired conversation yields no turns and no error.
	Get(ctx context.Context, conversationID string) ([]domain.Turn, error)

	// Append adds a turn and refreshes the conversation's TTL.
	Append(ctx context.Context, conversationID string, turn domain.Turn) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Expirer is implemented by backends that must purge expired records
// themselves.
type Expirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Options configures history limits shared by all backends.
type Options struct {
	MaxTurns int
	TTL      time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxTurns <= 0 {
		o.MaxTurns = domain.DefaultMaxTurns
	}
	if o.TTL <= 0 {
		o.TTL = domain.DefaultConversationTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

const keyPrefix = "conversation"

// Key returns the record key for a conversation.
func Key(conversationID string) string {
	return keyPrefix + ":" + conversationID
}
