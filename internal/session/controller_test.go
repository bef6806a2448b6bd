package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/ava-chat/internal/agent"
	"github.com/ashureev/ava-chat/internal/domain"
	"github.com/ashureev/ava-chat/internal/gate"
	"github.com/ashureev/ava-chat/internal/identity"
	"github.com/ashureev/ava-chat/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func types(events []domain.Event) []domain.EventType {
	out := make([]domain.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func streamedText(events []domain.Event, sender domain.Sender) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == domain.EventStream && ev.Sender == sender {
			out = append(out, ev.Text)
		}
	}
	return out
}

// scripted returns an invoker that emits frags then returns err.
func scripted(err error, frags ...agent.Fragment) agent.Invoker {
	return agent.NewCallbackInvoker(func(_ context.Context, _ agent.Request, emit func(agent.Fragment) error) error {
		for _, f := range frags {
			if e := emit(f); e != nil {
				return e
			}
		}
		return err
	}, 4)
}

func tokens(parts ...string) []agent.Fragment {
	out := make([]agent.Fragment, len(parts))
	for i, p := range parts {
		out[i] = agent.Token(p)
	}
	return out
}

func newTestController(t *testing.T, st store.ConversationStore, gates *gate.Pipeline, inv agent.Invoker) *Controller {
	t.Helper()
	c, err := NewController(st, gates, inv, nil, DefaultConfig(), nil)
	require.NoError(t, err)
	return c
}

func TestHandleStripsTraceAndPersistsTurn(t *testing.T) {
	st := store.NewMemory(store.Options{})
	inv := scripted(nil, tokens("Thought: ", "I should search. ", "A", "I:", " Hello", " world")...)
	c := newTestController(t, st, nil, inv)

	s := c.NewSession(SessionOptions{Channel: ChannelStream})
	out := &recorder{}
	err := c.Handle(context.Background(), s, Request{Text: "  hi there ", ConversationID: "conv-1"}, out)
	require.NoError(t, err)

	events := out.Events()
	assert.Equal(t, []domain.EventType{domain.EventStart, domain.EventStream, domain.EventStream, domain.EventEnd}, types(events))
	assert.Equal(t, []string{" Hello", " world"}, streamedText(events, domain.SenderBot))
	for _, ev := range events {
		assert.Equal(t, "conv-1", ev.ConversationID)
		assert.Equal(t, events[0].ID, ev.ID, "events of one invocation share the response id")
		assert.Equal(t, domain.EventObject, ev.Object)
	}
	assert.Regexp(t, `^resp_[0-9a-f]{24}$`, events[0].ID)

	turns, err := st.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	// The parsed text is stored, not the raw frame.
	assert.Equal(t, []domain.Turn{{User: "hi there", Bot: " Hello world"}}, turns)
	assert.Equal(t, domain.StateReady, s.State())
}

func TestHandleGeneratesConversationID(t *testing.T) {
	st := store.NewMemory(store.Options{})
	c := newTestController(t, st, nil, scripted(nil, tokens("AI: ok")...))

	s := c.NewSession(SessionOptions{Channel: ChannelStream})
	out := &recorder{}
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "hello"}, out))

	events := out.Events()
	require.NotEmpty(t, events)
	id := events[0].ConversationID
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	for _, ev := range events {
		assert.Equal(t, id, ev.ConversationID)
	}
	assert.Equal(t, id, s.ConversationID())

	// A follow-up on the same session stays in that conversation.
	out2 := &recorder{}
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "again"}, out2))
	assert.Equal(t, id, out2.Events()[0].ConversationID)

	turns, _ := st.Get(context.Background(), id)
	assert.Len(t, turns, 2)
}

func TestHandleEchoesUserMessageFirst(t *testing.T) {
	c := newTestController(t, store.NewMemory(store.Options{}), nil, scripted(nil, tokens("AI:", " yo")...))

	s := c.NewSession(SessionOptions{Channel: ChannelSocket, EchoUser: true})
	out := &recorder{}
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "ping"}, out))

	events := out.Events()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, domain.EventStream, events[0].Type)
	assert.Equal(t, domain.SenderUser, events[0].Sender)
	assert.Equal(t, "ping", events[0].Text)
	assert.Equal(t, domain.EventStart, events[1].Type)
}

func TestHandleConversationLimit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.Options{MaxTurns: 10})
	for i := 0; i < 9; i++ {
		require.NoError(t, st.Append(ctx, "full", domain.Turn{User: fmt.Sprint(i), Bot: "b"}))
	}
	c := newTestController(t, st, gate.NewPipeline(gate.WithMaxTurns(10)), scripted(nil, tokens("AI: fine")...))

	s := c.NewSession(SessionOptions{Channel: ChannelSocket})
	require.NoError(t, c.Handle(ctx, s, Request{Text: "tenth", ConversationID: "full"}, &recorder{}))
	turns, _ := st.Get(ctx, "full")
	require.Len(t, turns, 10)

	out := &recorder{}
	err := c.Handle(ctx, s, Request{Text: "eleventh", ConversationID: "full"}, out)
	require.Error(t, err)
	assert.Equal(t, KindConversationLimit, KindOf(err))

	events := out.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventInfo, events[0].Type)
	assert.Equal(t, gate.MessageConversationLimit, events[0].Text)
	assert.Equal(t, "full", events[0].ConversationID)
	assert.Equal(t, domain.StateClosing, s.State())

	turns, _ = st.Get(ctx, "full")
	assert.Len(t, turns, 10)

	assert.ErrorIs(t, c.Handle(ctx, s, Request{Text: "more"}, &recorder{}), ErrSessionClosed)
	c.Close(s)
	assert.Equal(t, domain.StateClosed, s.State())
}

func TestHandleAgentFailureIsRecoverable(t *testing.T) {
	st := store.NewMemory(store.Options{})
	c := newTestController(t, st, nil, scripted(errors.New("upstream exploded"), tokens("Thought")...))

	s := c.NewSession(SessionOptions{Channel: ChannelSocket})
	out := &recorder{}
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "hi", ConversationID: "c"}, out))

	events := out.Events()
	assert.Equal(t, []domain.EventType{domain.EventStart, domain.EventError}, types(events))
	assert.Equal(t, MessageGeneric, events[1].Text)
	assert.Equal(t, domain.StateReady, s.State())

	turns, _ := st.Get(context.Background(), "c")
	assert.Empty(t, turns, "failed invocations are not persisted")
}

func TestHandleModerationViolationFollowsEnd(t *testing.T) {
	st := store.NewMemory(store.Options{})
	mod := gate.ModeratorFunc(func(context.Context, string) (gate.ModerationResult, error) {
		return gate.ModerationResult{Flagged: true, Categories: []string{"violence"}}, nil
	})
	c := newTestController(t, st, gate.NewPipeline(gate.WithModerator(mod)), scripted(nil, tokens("AI:", " nasty")...))

	s := c.NewSession(SessionOptions{Channel: ChannelStream})
	out := &recorder{}
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "hi", ConversationID: "m"}, out))

	events := out.Events()
	assert.Equal(t, []domain.EventType{domain.EventStart, domain.EventStream, domain.EventEnd, domain.EventError}, types(events))
	last := events[len(events)-1]
	assert.Equal(t, gate.MessageContentViolation, last.Text)
	assert.Equal(t, domain.SenderBot, last.Sender)

	// The delivered answer is kept.
	turns, _ := st.Get(context.Background(), "m")
	assert.Equal(t, []domain.Turn{{User: "hi", Bot: " nasty"}}, turns)
}

func TestHandleSearchEvents(t *testing.T) {
	frags := []agent.Fragment{
		agent.Token("Thought: look it up"),
		agent.ToolStart("Search", "weather in Paris"),
		agent.Token("AI: Sunny"),
	}
	c := newTestController(t, store.NewMemory(store.Options{}), nil, scripted(nil, frags...))

	s := c.NewSession(SessionOptions{Channel: ChannelStream})
	out := &recorder{}
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "weather?"}, out))

	events := out.Events()
	assert.Equal(t, []domain.EventType{domain.EventStart, domain.EventSearch, domain.EventStream, domain.EventEnd}, types(events))
	assert.Equal(t, "weather in Paris", events[1].Text)
}

func TestHandleAuthenticationHandshake(t *testing.T) {
	v, err := identity.NewJWTVerifier(identity.VerifierConfig{Secret: []byte("s3cret"), RequiredScope: identity.DefaultRequiredScope})
	require.NoError(t, err)
	good, err := v.Generate("user-7", []string{identity.DefaultRequiredScope}, time.Hour)
	require.NoError(t, err)

	c := newTestController(t, store.NewMemory(store.Options{}), gate.NewPipeline(gate.WithVerifier(v)), scripted(nil, tokens("AI: hi")...))
	ctx := context.Background()

	s := c.NewSession(SessionOptions{Channel: ChannelSocket, Handshake: true})
	assert.Equal(t, domain.StateAuthenticating, s.State())

	out := &recorder{}
	require.NoError(t, c.Handle(ctx, s, Request{Text: "too early"}, out))
	require.Len(t, out.Events(), 1)
	assert.Equal(t, domain.EventError, out.Events()[0].Type)
	assert.Equal(t, gate.MessageUnauthenticated, out.Events()[0].Text)

	out = &recorder{}
	require.NoError(t, c.Handle(ctx, s, Request{Type: RequestAuthenticate, Token: "bogus"}, out))
	require.Len(t, out.Events(), 1)
	assert.Equal(t, domain.EventError, out.Events()[0].Type)
	assert.Empty(t, s.UserID())
	assert.NotEqual(t, domain.StateClosed, s.State())
	assert.NotEqual(t, domain.StateClosing, s.State())

	out = &recorder{}
	require.NoError(t, c.Handle(ctx, s, Request{Type: RequestAuthenticate, Token: good}, out))
	assert.Empty(t, out.Events())
	assert.Equal(t, "user-7", s.UserID())
	assert.Equal(t, domain.StateReady, s.State())

	out = &recorder{}
	require.NoError(t, c.Handle(ctx, s, Request{Text: "now"}, out))
	assert.Equal(t, []domain.EventType{domain.EventStart, domain.EventStream, domain.EventEnd}, types(out.Events()))
}

func TestHandleInlineCredential(t *testing.T) {
	v, err := identity.NewJWTVerifier(identity.VerifierConfig{Secret: []byte("s3cret")})
	require.NoError(t, err)
	good, err := v.Generate("user-8", nil, time.Hour)
	require.NoError(t, err)

	c := newTestController(t, store.NewMemory(store.Options{}), gate.NewPipeline(gate.WithVerifier(v)), scripted(nil, tokens("AI: hi")...))

	s := c.NewSession(SessionOptions{Channel: ChannelStream})
	out := &recorder{}
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "hello", Token: good}, out))
	assert.Equal(t, "user-8", s.UserID())
	assert.Equal(t, domain.EventStart, out.Events()[0].Type)
}

func TestHandleRateLimited(t *testing.T) {
	limiter := gate.NewRateLimiter(1, time.Hour)
	defer limiter.Stop()
	c := newTestController(t, store.NewMemory(store.Options{}), gate.NewPipeline(gate.WithLimiter(limiter)), scripted(nil, tokens("AI: hi")...))

	s := c.NewSession(SessionOptions{Channel: ChannelSocket, ConnectionID: "10.0.0.1"})
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "one"}, &recorder{}))

	out := &recorder{}
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "two"}, out))
	events := out.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventInfo, events[0].Type)
	assert.Equal(t, gate.MessageRateLimited, events[0].Text)
	assert.Equal(t, domain.StateReady, s.State())
}

type keyLimiter struct {
	mu   sync.Mutex
	keys []string
}

func (l *keyLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return true, nil
}

func TestHandleRateKeyFollowsIdentity(t *testing.T) {
	v, err := identity.NewJWTVerifier(identity.VerifierConfig{Secret: []byte("s3cret")})
	require.NoError(t, err)
	good, err := v.Generate("user-9", nil, time.Hour)
	require.NoError(t, err)

	anon := &keyLimiter{}
	c := newTestController(t, store.NewMemory(store.Options{}), gate.NewPipeline(gate.WithLimiter(anon)), scripted(nil, tokens("AI: hi")...))
	s := c.NewSession(SessionOptions{Channel: ChannelStream, ConnectionID: "10.0.0.2"})
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "hi"}, &recorder{}))
	assert.Equal(t, []string{"conn:10.0.0.2"}, anon.keys)

	authed := &keyLimiter{}
	c = newTestController(t, store.NewMemory(store.Options{}), gate.NewPipeline(gate.WithLimiter(authed), gate.WithVerifier(v)), scripted(nil, tokens("AI: hi")...))
	s = c.NewSession(SessionOptions{Channel: ChannelStream, ConnectionID: "10.0.0.2"})
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "hi", Token: good}, &recorder{}))
	assert.Equal(t, []string{"user:user-9"}, authed.keys)
}

func TestHandleAdmitsOneInvocationPerSession(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	inv := agent.NewCallbackInvoker(func(ctx context.Context, _ agent.Request, emit func(agent.Fragment) error) error {
		if calls.Add(1) == 1 {
			close(entered)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return emit(agent.Token("AI: done"))
	}, 1)
	st := store.NewMemory(store.Options{})
	c := newTestController(t, st, nil, inv)
	s := c.NewSession(SessionOptions{Channel: ChannelSocket})

	first := &recorder{}
	done := make(chan error, 1)
	go func() {
		done <- c.Handle(context.Background(), s, Request{Text: "one", ConversationID: "c1"}, first)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first invocation did not start")
	}
	assert.Equal(t, domain.StateProcessing, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	second := &recorder{}
	require.NoError(t, c.Handle(ctx, s, Request{Text: "two", ConversationID: "c1"}, second))
	events := second.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventError, events[0].Type)
	assert.Equal(t, MessageGeneric, events[0].Text)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first invocation did not finish")
	}

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, domain.StateReady, s.State())
	assert.Equal(t, []string{" done"}, streamedText(first.Events(), domain.SenderBot))
	turns, err := st.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "one", turns[0].User)
}

func TestHandleLogsMissingBoundaryMarker(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c, err := NewController(store.NewMemory(store.Options{}), nil, scripted(nil, tokens("Thought: ", "still thinking")...), nil, DefaultConfig(), logger)
	require.NoError(t, err)

	s := c.NewSession(SessionOptions{Channel: ChannelSocket})
	out := &recorder{}
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "hi"}, out))

	assert.Equal(t, []domain.EventType{domain.EventStart, domain.EventEnd}, types(out.Events()))
	assert.Contains(t, buf.String(), "Agent output ended before the boundary marker")
	assert.Contains(t, buf.String(), `"trace_bytes":23`)
}

func TestHandleRejectsEmptyText(t *testing.T) {
	c := newTestController(t, store.NewMemory(store.Options{}), nil, scripted(nil))

	s := c.NewSession(SessionOptions{Channel: ChannelSocket})
	out := &recorder{}
	require.NoError(t, c.Handle(context.Background(), s, Request{Text: "   "}, out))
	require.Len(t, out.Events(), 1)
	assert.Equal(t, domain.EventError, out.Events()[0].Type)
	assert.Equal(t, domain.StateReady, s.State())
}

func TestHandleDisconnectStopsEmission(t *testing.T) {
	st := store.NewMemory(store.Options{})
	stopped := make(chan struct{})
	inv := agent.NewCallbackInvoker(func(ctx context.Context, _ agent.Request, emit func(agent.Fragment) error) error {
		defer close(stopped)
		if err := emit(agent.Token("AI: first")); err != nil {
			return err
		}
		for {
			if err := emit(agent.Token(" more")); err != nil {
				return err
			}
		}
	}, 1)
	c := newTestController(t, st, nil, inv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []domain.Event
	out := EmitterFunc(func(_ context.Context, ev domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		if ev.Type == domain.EventStream {
			cancel()
		}
		return nil
	})

	s := c.NewSession(SessionOptions{Channel: ChannelSocket})
	err := c.Handle(ctx, s, Request{Text: "go", ConversationID: "gone"}, out)
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("agent invocation was not aborted")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.EventType{domain.EventStart, domain.EventStream}, types(events))
	turns, _ := st.Get(context.Background(), "gone")
	assert.Empty(t, turns)
}

func TestHandleEmitterFailureEndsSession(t *testing.T) {
	c := newTestController(t, store.NewMemory(store.Options{}), nil, scripted(nil, tokens("AI: x")...))
	s := c.NewSession(SessionOptions{Channel: ChannelSocket})

	broken := EmitterFunc(func(context.Context, domain.Event) error { return errors.New("broken pipe") })
	err := c.Handle(context.Background(), s, Request{Text: "hi"}, broken)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Equal(t, domain.StateClosing, s.State())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindAgent, KindOf(fmt.Errorf("x: %w", agent.ErrAgent)))
	assert.Equal(t, KindConversationLimit, KindOf(store.ErrLimitReached))
	assert.Equal(t, KindTransport, KindOf(context.Canceled))
	assert.Equal(t, KindAuth, KindOf(&Error{Kind: KindAuth}))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
}

func TestNewIDFormat(t *testing.T) {
	assert.Regexp(t, `^evt_[0-9a-f]{24}$`, NewEventID())
	assert.NotEqual(t, NewEventID(), NewEventID())
}
