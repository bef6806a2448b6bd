package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/ava-chat/internal/domain"
	"github.com/ashureev/ava-chat/internal/identity"
)

// ErrSessionClosed is returned when a request arrives for a closing session.
var ErrSessionClosed = errors.New("session closed")

// Channel names the transport that owns a session.
const (
	ChannelSocket = "chat_ws"
	ChannelStream = "chat_sse"
)

// Session is the state of one connection. Transports feed it from one
// goroutine, but the state change into Processing is checked under the
// mutex, so at most one invocation runs even if requests race.
type Session struct {
	ID           string
	ConnectionID string
	Channel      string
	EchoUser     bool
	CreatedAt    time.Time

	mu             sync.Mutex
	state          domain.SessionState
	userID         string
	conversationID string
}

// State returns the current state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the authenticated user, if any.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// ConversationID returns the conversation bound to the session, if any.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Session) setUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

func (s *Session) setConversationID(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

// withIdentity puts the session's connection and user on ctx for the
// checks and calls made on its behalf.
func (s *Session) withIdentity(ctx context.Context) context.Context {
	ctx = identity.WithConnectionID(ctx, s.ConnectionID)
	if id := s.UserID(); id != "" {
		ctx = identity.WithUserID(ctx, id)
	}
	return ctx
}

func (s *Session) transition(next domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransition(next) {
		return fmt.Errorf("invalid session transition %s -> %s", s.state, next)
	}
	s.state = next
	return nil
}

// closing moves the session to Closing from any live state.
func (s *Session) closing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateClosing && s.state != domain.StateClosed {
		s.state = domain.StateClosing
	}
}

func (s *Session) closed() bool {
	st := s.State()
	return st == domain.StateClosing || st == domain.StateClosed
}
