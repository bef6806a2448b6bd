package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DefaultMaxTurns caps the number of turns kept per conversation.
	DefaultMaxTurns = 10
	// DefaultConversationTTL is how long a conversation survives without writes.
	DefaultConversationTTL = 12 * time.Hour
)

// Turn is one (user input, bot answer) pair. It is persisted as a two-element
// JSON array so stored histories stay compatible with existing records.
type Turn struct {
	User string
	Bot  string
}

// MarshalJSON encodes the turn as [user, bot].
func (t Turn) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{t.User, t.Bot})
}

// UnmarshalJSON decodes a [user, bot] pair.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode turn: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("decode turn: expected 2 elements, got %d", len(pair))
	}
	t.User, t.Bot = pair[0], pair[1]
	return nil
}

// EncodeHistory serializes turns in the persisted layout.
func EncodeHistory(turns []Turn) ([]byte, error) {
	if turns == nil {
		turns = []Turn{}
	}
	return json.Marshal(turns)
}

// DecodeHistory parses the persisted layout. Empty input yields no turns.
func DecodeHistory(data []byte) ([]Turn, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return turns, nil
}
