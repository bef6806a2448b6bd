// Package session implements the per-connection chat state machine shared by
// every transport.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/ava-chat/internal/agent"
	"github.com/ashureev/ava-chat/internal/domain"
	"github.com/ashureev/ava-chat/internal/gate"
	"github.com/ashureev/ava-chat/internal/relay"
	"github.com/ashureev/ava-chat/internal/store"
)

// RequestType distinguishes inbound frames.
type RequestType string

const (
	RequestAuthenticate RequestType = "authenticate"
	RequestMessage      RequestType = "message"
)

// Request is an inbound client frame. An empty Type means message.
type Request struct {
	Type           RequestType `json:"type,omitempty"`
	Text           string      `json:"text"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Token          string      `json:"token,omitempty"`
}

// Emitter delivers events to the client. An error means the client is gone.
type Emitter interface {
	Emit(ctx context.Context, ev domain.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev domain.Event) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, ev domain.Event) error {
	return f(ctx, ev)
}

// Config holds controller settings.
type Config struct {
	Marker      string
	SearchTools []string
	Language    string
}

// DefaultConfig returns the standard marker, search tools and language.
func DefaultConfig() Config {
	return Config{
		Marker:      relay.DefaultMarker,
		SearchTools: relay.DefaultSearchTools,
		Language:    "en",
	}
}

// SessionOptions describes a new connection.
type SessionOptions struct {
	ConnectionID string
	Channel      string
	// Handshake makes the session wait for an authenticate frame before
	// accepting messages when authentication is enabled.
	Handshake bool
	// EchoUser emits each accepted user message back before the answer.
	EchoUser bool
}

// Controller drives sessions through gating, agent invocation, relay and
// persistence. It holds no per-session state and is safe for concurrent use.
type Controller struct {
	store      store.ConversationStore
	gates      *gate.Pipeline
	agent      agent.Invoker
	transcript ConversationLogger
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewController wires a controller. transcript and logger may be nil.
func NewController(st store.ConversationStore, gates *gate.Pipeline, inv agent.Invoker, transcript ConversationLogger, cfg Config, logger *slog.Logger) (*Controller, error) {
	if st == nil {
		return nil, errors.New("conversation store is required")
	}
	if inv == nil {
		return nil, errors.New("agent invoker is required")
	}
	if gates == nil {
		gates = gate.NewPipeline()
	}
	if transcript == nil {
		transcript = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &Controller{
		store:      st,
		gates:      gates,
		agent:      inv,
		transcript: transcript,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// NewSession registers a connection. Handshake sessions with authentication
// enabled start in Authenticating; all others start Ready.
func (c *Controller) NewSession(opts SessionOptions) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		ConnectionID: opts.ConnectionID,
		Channel:      opts.Channel,
		EchoUser:     opts.EchoUser,
		CreatedAt:    c.now(),
		state:        domain.StateConnecting,
	}
	if s.ConnectionID == "" {
		s.ConnectionID = s.ID
	}
	next := domain.StateReady
	if opts.Handshake && c.gates.AuthRequired() {
		next = domain.StateAuthenticating
	}
	_ = s.transition(next)
	c.logger.Debug("Session opened", "session_id", s.ID, "channel", s.Channel, "state", next)
	return s
}

// Close releases the session.
func (c *Controller) Close(s *Session) {
	s.closing()
	_ = s.transition(domain.StateClosed)
	c.logger.Debug("Session closed", "session_id", s.ID, "conversation_id", s.ConversationID())
}

// Handle processes one inbound request to completion. Recoverable failures
// are reported to the client and return nil. A non-nil *Error means the
// session must end: the client is gone or the conversation is over.
func (c *Controller) Handle(ctx context.Context, s *Session, req Request, out Emitter) error {
	if s.closed() {
		return ErrSessionClosed
	}
	switch req.Type {
	case RequestAuthenticate:
		return c.authenticate(ctx, s, req, out)
	case RequestMessage, "":
		return c.message(ctx, s, req, out)
	default:
		return c.report(ctx, s, "", s.ConversationID(), &Error{Kind: KindBadRequest, Err: fmt.Errorf("unknown request type %q", req.Type)}, MessageBadRequest, out)
	}
}

func (c *Controller) authenticate(ctx context.Context, s *Session, req Request, out Emitter) error {
	if err := s.transition(domain.StateAuthenticating); err != nil {
		return c.report(ctx, s, "", s.ConversationID(), &Error{Kind: KindBadRequest, Err: err}, MessageBadRequest, out)
	}

	v := c.gates.Authenticate(ctx, req.Token)
	if !v.Allowed {
		// A failed attempt leaves the session open for another credential.
		_ = s.transition(domain.StateReady)
		return c.deny(ctx, s, "", s.ConversationID(), v, out)
	}
	s.setUserID(v.UserID)
	_ = s.transition(domain.StateReady)
	c.logger.Info("Session authenticated", "session_id", s.ID, "user_id", v.UserID)
	return nil
}

func (c *Controller) message(ctx context.Context, s *Session, req Request, out Emitter) error {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return c.report(ctx, s, "", s.ConversationID(), &Error{Kind: KindBadRequest, Err: errors.New("empty message")}, MessageBadRequest, out)
	}

	if c.gates.AuthRequired() {
		if req.Token != "" {
			v := c.gates.Authenticate(ctx, req.Token)
			if !v.Allowed {
				return c.deny(ctx, s, "", s.ConversationID(), v, out)
			}
			s.setUserID(v.UserID)
		}
		if s.UserID() == "" {
			return c.deny(ctx, s, "", s.ConversationID(), gate.Deny(gate.ReasonUnauthenticated, errors.New("no credential presented")), out)
		}
		if s.State() == domain.StateAuthenticating {
			_ = s.transition(domain.StateReady)
		}
	}

	convID := req.ConversationID
	if convID == "" {
		convID = s.ConversationID()
	}
	if convID == "" {
		convID = uuid.NewString()
	}
	s.setConversationID(convID)
	respID := newID("resp")

	ctx = s.withIdentity(ctx)
	if v := c.gates.Admit(ctx, gate.RateKey(ctx)); !v.Allowed {
		return c.deny(ctx, s, respID, convID, v, out)
	}

	if err := s.transition(domain.StateProcessing); err != nil {
		return c.report(ctx, s, respID, convID, &Error{Kind: KindUnknown, Err: fmt.Errorf("session busy: %w", err)}, MessageGeneric, out)
	}
	err := c.process(ctx, s, respID, convID, text, out)
	if err != nil {
		var se *Error
		if errors.As(err, &se) && se.Terminal() {
			s.closing()
			return err
		}
	}
	_ = s.transition(domain.StateReady)
	return err
}

// process runs one invocation. The session is in Processing on entry.
func (c *Controller) process(ctx context.Context, s *Session, respID, convID, text string, out Emitter) error {
	log := c.logger.With("session_id", s.ID, "conversation_id", convID, "user_id", s.UserID())

	history, err := c.store.Get(ctx, convID)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: KindTransport, Err: ctx.Err()}
		}
		return c.report(ctx, s, respID, convID, &Error{Kind: KindUnknown, Err: fmt.Errorf("load history: %w", err)}, MessageGeneric, out)
	}
	if v := c.gates.CheckTurns(len(history)); !v.Allowed {
		if err := c.deny(ctx, s, respID, convID, v, out); err != nil {
			return err
		}
		return &Error{Kind: KindConversationLimit, Err: v.Err}
	}

	c.transcript.Log(c.logEvent(s, convID, "inbound", "chat_user_message", text))

	if s.EchoUser {
		if err := c.emit(ctx, out, domain.NewEvent(respID, domain.EventStream, domain.SenderUser, text, convID)); err != nil {
			return err
		}
	}
	if err := c.emit(ctx, out, domain.NewEvent(respID, domain.EventStart, domain.SenderBot, "", convID)); err != nil {
		return err
	}

	r := relay.New(c.cfg.Marker, c.cfg.SearchTools, log)
	answer, err := c.stream(ctx, r, agent.Request{
		Input:          text,
		ConversationID: convID,
		UserID:         s.UserID(),
		Language:       c.cfg.Language,
		History:        history,
	}, respID, convID, out)
	if err != nil {
		var se *Error
		if errors.As(err, &se) && se.Kind == KindTransport {
			log.Info("Client went away during invocation", "error", se.Err)
			return err
		}
		return c.report(ctx, s, respID, convID, &Error{Kind: KindAgent, Err: err}, MessageGeneric, out)
	}

	if err := c.emit(ctx, out, domain.NewEvent(respID, domain.EventEnd, domain.SenderBot, "", convID)); err != nil {
		return err
	}
	c.transcript.Log(c.logEvent(s, convID, "outbound", "chat_bot_answer", answer))

	switch err := c.store.Append(ctx, convID, domain.Turn{User: text, Bot: answer}); {
	case err == nil:
	case errors.Is(err, store.ErrLimitReached):
		log.Warn("Conversation filled concurrently, turn not saved")
	default:
		log.Error("Failed to save conversation turn", "error", err)
	}

	if v := c.gates.Moderate(ctx, answer); !v.Allowed {
		log.Warn("Answer flagged by moderation", "error", v.Err)
		if err := c.emit(ctx, out, domain.NewEvent(respID, domain.EventError, domain.SenderBot, v.Message, convID)); err != nil {
			return err
		}
	}
	return nil
}

// stream runs the invocation through r and returns the answer text. A
// returned *Error of KindTransport means the client is gone.
func (c *Controller) stream(ctx context.Context, r *relay.Relay, req agent.Request, respID, convID string, out Emitter) (string, error) {
	for frag, err := range c.agent.Invoke(ctx, req) {
		if err != nil {
			if ctx.Err() != nil {
				return "", &Error{Kind: KindTransport, Err: ctx.Err()}
			}
			return "", err
		}
		for _, o := range r.Feed(frag) {
			if err := c.emit(ctx, out, domain.NewEvent(respID, o.Type, domain.SenderBot, o.Text, convID)); err != nil {
				return "", err
			}
		}
	}
	if ctx.Err() != nil {
		return "", &Error{Kind: KindTransport, Err: ctx.Err()}
	}
	if !r.InAnswer() {
		c.logger.Warn("Agent output ended before the boundary marker", "conversation_id", convID, "trace_bytes", r.TraceBytes())
	} else {
		c.logger.Debug("Agent invocation finished", "conversation_id", convID, "trace_bytes", r.TraceBytes(), "answer_bytes", len(r.Answer()))
	}
	return r.Answer(), nil
}

func (c *Controller) emit(ctx context.Context, out Emitter, ev domain.Event) error {
	if ctx.Err() != nil {
		return &Error{Kind: KindTransport, Err: ctx.Err()}
	}
	if err := out.Emit(ctx, ev); err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}
	return nil
}

// deny reports a gate verdict to the client.
func (c *Controller) deny(ctx context.Context, s *Session, respID, convID string, v gate.Verdict, out Emitter) error {
	return c.report(ctx, s, respID, convID, &Error{Kind: kindForReason(v.Reason), Err: v.Err}, v.Message, out)
}

// report logs e and sends the matching event. It returns nil unless the
// client is gone.
func (c *Controller) report(ctx context.Context, s *Session, respID, convID string, e *Error, text string, out Emitter) error {
	level := slog.LevelInfo
	if e.Kind == KindAgent || e.Kind == KindUnknown {
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "Request denied", "session_id", s.ID, "conversation_id", convID, "kind", e.Kind.String(), "error", e.Err)

	if respID == "" {
		respID = newID("resp")
	}
	typ, sender := eventFor(e.Kind)
	return c.emit(ctx, out, domain.NewEvent(respID, typ, sender, text, convID))
}

func (c *Controller) logEvent(s *Session, convID, direction, eventType, content string) ConversationLogEvent {
	return ConversationLogEvent{
		Timestamp:      c.now().UTC(),
		UserID:         s.UserID(),
		SessionID:      s.ID,
		ConversationID: convID,
		Channel:        s.Channel,
		Direction:      direction,
		EventType:      eventType,
		ContentRaw:     content,
	}
}

// newID returns prefix_ followed by 24 random hex characters.
func newID(prefix string) string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return prefix + "_" + hex.EncodeToString(buf)
}

// NewEventID returns a fresh identifier for a transport envelope.
func NewEventID() string {
	return newID("evt")
}
