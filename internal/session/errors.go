package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/ava-chat/internal/agent"
	"github.com/ashureev/ava-chat/internal/domain"
	"github.com/ashureev/ava-chat/internal/gate"
	"github.com/ashureev/ava-chat/internal/store"
)

// Kind classifies a failure at the session boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindRateLimit
	KindConversationLimit
	KindAgent
	KindModeration
	KindTransport
	KindBadRequest
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindConversationLimit:
		return "conversation_limit"
	case KindAgent:
		return "agent"
	case KindModeration:
		return "moderation"
	case KindTransport:
		return "transport"
	case KindBadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// MessageGeneric is shown for agent and unknown failures.
const MessageGeneric = "Sorry, something went wrong."

// MessageBadRequest is shown for inbound messages that cannot be processed.
const MessageBadRequest = "Message text is required."

// Error is a failure converted at the session boundary.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Terminal reports whether the session must end after this error.
func (e *Error) Terminal() bool {
	return e.Kind == KindConversationLimit || e.Kind == KindTransport
}

// KindOf returns the Kind of err, classifying errors that were not yet
// converted.
func KindOf(err error) Kind {
	var se *Error
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, context.Canceled):
		return KindTransport
	case errors.Is(err, agent.ErrAgent):
		return KindAgent
	case errors.Is(err, store.ErrLimitReached):
		return KindConversationLimit
	default:
		return KindUnknown
	}
}

// kindForReason maps a gate denial to an error kind.
func kindForReason(r gate.Reason) Kind {
	switch r {
	case gate.ReasonUnauthenticated:
		return KindAuth
	case gate.ReasonRateLimited:
		return KindRateLimit
	case gate.ReasonConversationLimit:
		return KindConversationLimit
	case gate.ReasonContentViolation:
		return KindModeration
	default:
		return KindUnknown
	}
}

// eventFor returns the client event type and sender used to report kind.
// Rate and conversation limits are informational; everything else is an
// error.
func eventFor(k Kind) (domain.EventType, domain.Sender) {
	switch k {
	case KindRateLimit, KindConversationLimit:
		return domain.EventInfo, domain.SenderSystem
	case KindModeration:
		return domain.EventError, domain.SenderBot
	default:
		return domain.EventError, domain.SenderSystem
	}
}
