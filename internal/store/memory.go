package store

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/ava-chat/internal/domain"
)

type memoryEntry struct {
	turns     []domain.Turn
	expiresAt time.Time
}

// MemoryStore keeps conversations in process memory. It suits a single
// instance and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	opts    Options
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts Options) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		opts:    opts.withDefaults(),
	}
}

// Get returns a copy of the stored turns.
func (s *MemoryStore) Get(_ context.Context, conversationID string) ([]domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(conversationID)
	if !ok {
		return nil, nil
	}
	return append([]domain.Turn(nil), e.turns...), nil
}

// Append adds a turn unless the conversation is full.
func (s *MemoryStore) Append(_ context.Context, conversationID string, turn domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := s.live(conversationID)
	if len(e.turns) >= s.opts.MaxTurns {
		return ErrLimitReached
	}
	turns := make([]domain.Turn, len(e.turns), len(e.turns)+1)
	copy(turns, e.turns)
	s.entries[conversationID] = memoryEntry{
		turns:     append(turns, turn),
		expiresAt: s.opts.Now().Add(s.opts.TTL),
	}
	return nil
}

func (s *MemoryStore) live(conversationID string) (memoryEntry, bool) {
	e, ok := s.entries[conversationID]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.opts.Now().Before(e.expiresAt) {
		delete(s.entries, conversationID)
		return memoryEntry{}, false
	}
	return e, true
}

// DeleteExpired drops expired conversations.
func (s *MemoryStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	var n int64
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
