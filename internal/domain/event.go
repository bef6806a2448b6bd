// Package domain contains core domain types for the chat gateway.
package domain

import "fmt"

// EventObject is the object tag carried by every outbound Event.
const EventObject = "chat.event"

// EventType categorizes an outbound event.
type EventType string

const (
	// EventStart opens a bot response.
	EventStart EventType = "start"
	// EventStream carries one fragment of text.
	EventStream EventType = "stream"
	// EventEnd closes a bot response.
	EventEnd EventType = "end"
	// EventError reports a failure or policy violation.
	EventError EventType = "error"
	// EventInfo reports a non-fatal denial.
	EventInfo EventType = "info"
	// EventSearch reports that the agent started a web search.
	EventSearch EventType = "search"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventStart, EventStream, EventEnd, EventError, EventInfo, EventSearch:
		return true
	}
	return false
}

// Sender identifies who produced an event.
type Sender string

const (
	SenderBot    Sender = "bot"
	SenderUser   Sender = "user"
	SenderSystem Sender = "system"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	return s == SenderBot || s == SenderUser || s == SenderSystem
}

// Event is the unit of output delivered to a client. It is constructed per
// emission and never persisted.
type Event struct {
	ID             string    `json:"id"`
	Object         string    `json:"object"`
	Type           EventType `json:"type"`
	Sender         Sender    `json:"sender"`
	Text           string    `json:"text"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// NewEvent builds an Event with the object tag set.
func NewEvent(id string, typ EventType, sender Sender, text, conversationID string) Event {
	return Event{
		ID:             id,
		Object:         EventObject,
		Type:           typ,
		Sender:         sender,
		Text:           text,
		ConversationID: conversationID,
	}
}

// Validate checks the type and sender fields.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	if !e.Sender.Valid() {
		return fmt.Errorf("invalid event sender %q", e.Sender)
	}
	return nil
}
