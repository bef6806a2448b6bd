// Package gate holds the ordered allow/deny checks applied around an agent
// invocation. Checks never fail a request by returning an error; they return
// a Verdict the session controller acts on.
package gate

// Reason codes carried by a denying Verdict.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonUnauthenticated   Reason = "unauthenticated"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonConversationLimit Reason = "conversation_limit"
	ReasonContentViolation  Reason = "content_violation"
)

// Client-facing texts for denials.
const (
	MessageUnauthenticated   = "Authentication required."
	MessageRateLimited       = "Rate limit exceeded. Please try again later."
	MessageConversationLimit = "Reached conversation limit"
	MessageContentViolation  = "Chat violates content policy."
)

// Verdict is the outcome of one check.
type Verdict struct {
	Allowed bool
	Reason  Reason
	// UserID is set by a passing authentication check.
	UserID string
	// Message is the client-facing text for a denial.
	Message string
	// Err is the underlying cause, for logging only.
	Err error
}

// Allow returns a passing verdict.
func Allow() Verdict {
	return Verdict{Allowed: true}
}

// Deny returns a denying verdict with the message registered for reason.
func Deny(reason Reason, err error) Verdict {
	return Verdict{Reason: reason, Message: messageFor(reason), Err: err}
}

func messageFor(reason Reason) string {
	switch reason {
	case ReasonUnauthenticated:
		return MessageUnauthenticated
	case ReasonRateLimited:
		return MessageRateLimited
	case ReasonConversationLimit:
		return MessageConversationLimit
	case ReasonContentViolation:
		return MessageContentViolation
	default:
		return ""
	}
}
