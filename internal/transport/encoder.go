// Package transport adapts client connections to the session controller:
// a WebSocket endpoint, a request/stream SSE endpoint, and the encoders that
// shape events for each.
package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ashureev/ava-chat/internal/domain"
	"github.com/ashureev/ava-chat/internal/session"
)

// WSEncoder serializes one event per WebSocket text message.
type WSEncoder struct{}

// Encode returns the JSON message for ev.
func (WSEncoder) Encode(ev domain.Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// SSEEventName is the event field of every envelope. Browsers deliver it to
// EventSource.onmessage; the event kind is inside the payload.
const SSEEventName = "message"

// DefaultSSERetry is the reconnect hint sent to clients.
const DefaultSSERetry = 15 * time.Second

// SSEEnvelope is one server-sent event.
type SSEEnvelope struct {
	Event string `json:"event"`
	ID    string `json:"id"`
	Retry int64  `json:"retry"`
	Data  string `json:"data"`
}

// WriteTo writes the envelope in text/event-stream framing.
func (e SSEEnvelope) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "event: %s\nid: %s\nretry: %d\ndata: %s\n\n", e.Event, e.ID, e.Retry, e.Data)
	return int64(n), err
}

// SSEEncoder wraps events in envelopes with fresh ids.
type SSEEncoder struct {
	Retry time.Duration
	// NewID overrides id generation; nil uses session.NewEventID.
	NewID func() string
}

// Encode builds the envelope for ev.
func (e SSEEncoder) Encode(ev domain.Event) (SSEEnvelope, error) {
	if err := ev.Validate(); err != nil {
		return SSEEnvelope{}, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return SSEEnvelope{}, fmt.Errorf("encode event: %w", err)
	}
	retry := e.Retry
	if retry <= 0 {
		retry = DefaultSSERetry
	}
	newID := e.NewID
	if newID == nil {
		newID = session.NewEventID
	}
	return SSEEnvelope{
		Event: SSEEventName,
		ID:    newID(),
		Retry: retry.Milliseconds(),
		Data:  string(data),
	}, nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
