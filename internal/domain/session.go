package domain

// SessionState is a state of the per-connection session machine.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateReady
	StateProcessing
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists the states reachable from each state.
var transitions = map[SessionState][]SessionState{
	StateConnecting:     {StateAuthenticating, StateReady, StateClosing},
	StateAuthenticating: {StateAuthenticating, StateReady, StateClosing},
	StateReady:          {StateAuthenticating, StateProcessing, StateClosing},
	StateProcessing:     {StateReady, StateClosing},
	StateClosing:        {StateClosed},
}

// CanTransition reports whether moving from s to next is allowed.
func (s SessionState) CanTransition(next SessionState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
