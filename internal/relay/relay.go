// Package relay separates an agent's reasoning trace from its user-facing
// answer as fragments arrive.
package relay

import (
	"log/slog"
	"strings"

	"github.com/ashureev/ava-chat/internal/agent"
	"github.com/ashureev/ava-chat/internal/domain"
)

// DefaultMarker separates the agent's trace from its answer.
const DefaultMarker = "AI:"

// DefaultSearchTools are the tool names reported to clients as searches.
var DefaultSearchTools = []string{"Search", "Intermediate Answer"}

// Output is one item to forward to the client.
type Output struct {
	Type domain.EventType
	Text string
}

// Relay demultiplexes one invocation's fragments. Everything up to and
// including the first boundary marker is trace and is dropped; everything
// after it is forwarded verbatim and in order. A Relay is not safe for
// concurrent use; each invocation owns its own.
type Relay struct {
	marker      string
	searchTools map[string]struct{}
	logger      *slog.Logger

	window      *tailWindow
	answerPhase bool
	answer      strings.Builder
	traceBytes  int
}

// New creates a relay for marker. An empty marker forwards every token.
func New(marker string, searchTools []string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	tools := make(map[string]struct{}, len(searchTools))
	for _, name := range searchTools {
		tools[name] = struct{}{}
	}
	r := &Relay{
		marker:      marker,
		searchTools: tools,
		logger:      logger,
		// The window keeps len(marker)-1 bytes: the longest prefix of the
		// marker that can end a fragment without the marker being complete.
		window: newTailWindow(len(marker) - 1),
	}
	r.Reset()
	return r
}

// Reset discards all per-invocation state.
func (r *Relay) Reset() {
	r.window.Reset()
	r.answer.Reset()
	r.traceBytes = 0
	r.answerPhase = r.marker == ""
}

// Feed handles one fragment and returns what to forward, if anything.
func (r *Relay) Feed(f agent.Fragment) []Output {
	switch f.Kind {
	case agent.FragmentToolStart:
		if _, ok := r.searchTools[f.Tool]; ok {
			return []Output{{Type: domain.EventSearch, Text: f.Input}}
		}
		r.logger.Debug("Ignoring tool start", "tool", f.Tool)
		return nil
	case agent.FragmentToken:
		return r.feedToken(f.Text)
	default:
		r.logger.Debug("Ignoring unknown fragment", "kind", f.Kind)
		return nil
	}
}

func (r *Relay) feedToken(text string) []Output {
	if text == "" {
		return nil
	}
	if r.answerPhase {
		return r.forward(text)
	}

	candidate := r.window.String() + text
	idx := strings.Index(candidate, r.marker)
	if idx < 0 {
		r.window.WriteString(text)
		r.traceBytes += len(text)
		return nil
	}

	// The window never holds a whole marker, so the text after the marker
	// lies entirely inside this fragment.
	r.answerPhase = true
	r.traceBytes += idx + len(r.marker) - r.window.Len()
	r.window.Reset()
	return r.forward(candidate[idx+len(r.marker):])
}

func (r *Relay) forward(text string) []Output {
	if text == "" {
		return nil
	}
	r.answer.WriteString(text)
	return []Output{{Type: domain.EventStream, Text: text}}
}

// InAnswer reports whether the boundary marker has been seen.
func (r *Relay) InAnswer() bool {
	return r.answerPhase
}

// Answer returns the forwarded answer text so far.
func (r *Relay) Answer() string {
	return r.answer.String()
}

// TraceBytes returns how many bytes of trace were dropped.
func (r *Relay) TraceBytes() int {
	return r.traceBytes
}
