// Package agent defines the contract with the external conversational agent
// and the clients that reach it.
package agent

import (
	"errors"
	"time"

	"github.com/ashureev/ava-chat/internal/domain"
)

// ErrAgent marks a failure reported by, or while reaching, the external agent.
var ErrAgent = errors.New("agent invocation failed")

// FragmentKind categorizes an item of the agent's output stream.
type FragmentKind string

const (
	// FragmentToken is a chunk of generated text. Chunk boundaries are arbitrary.
	FragmentToken FragmentKind = "token"
	// FragmentToolStart signals that the agent started a tool.
	FragmentToolStart FragmentKind = "tool_start"
)

// Fragment is one item of the agent's output stream.
type Fragment struct {
	Kind  FragmentKind
	Text  string
	Tool  string
	Input string
}

// Token builds a text fragment.
func Token(text string) Fragment {
	return Fragment{Kind: FragmentToken, Text: text}
}

// ToolStart builds a tool-invocation signal.
func ToolStart(tool, input string) Fragment {
	return Fragment{Kind: FragmentToolStart, Tool: tool, Input: input}
}

// Request is a single agent invocation.
type Request struct {
	Input          string
	ConversationID string
	UserID         string
	Language       string
	History        []domain.Turn
}

// Config holds agent client configuration.
type Config struct {
	Address        string
	ConnectTimeout time.Duration
	Timeout        time.Duration
	Language       string
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		Timeout:        120 * time.Second,
		Language:       "en",
	}
}
