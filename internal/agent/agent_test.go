package agent

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/ava-chat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func collect(t *testing.T, inv Invoker, req Request) ([]Fragment, error) {
	t.Helper()
	var frags []Fragment
	for f, err := range inv.Invoke(context.Background(), req) {
		if err != nil {
			return frags, err
		}
		frags = append(frags, f)
	}
	return frags, nil
}

func TestCallbackInvokerPreservesOrder(t *testing.T) {
	t.Parallel()

	inv := NewCallbackInvoker(func(_ context.Context, _ Request, emit func(Fragment) error) error {
		for _, s := range []string{"a", "b", "c"} {
			if err := emit(Token(s)); err != nil {
				return err
			}
		}
		return emit(ToolStart("Search", "q"))
	}, 1)

	frags, err := collect(t, inv, Request{})
	require.NoError(t, err)
	require.Len(t, frags, 4)
	assert.Equal(t, "a", frags[0].Text)
	assert.Equal(t, "c", frags[2].Text)
	assert.Equal(t, FragmentToolStart, frags[3].Kind)
}

func TestCallbackInvokerReportsProducerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	inv := NewCallbackInvoker(func(_ context.Context, _ Request, emit func(Fragment) error) error {
		_ = emit(Token("partial"))
		return boom
	}, 4)

	frags, err := collect(t, inv, Request{})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, frags, 1)
}

func TestCallbackInvokerStopsProducerOnEarlyExit(t *testing.T) {
	t.Parallel()

	stopped := make(chan error, 1)
	inv := NewCallbackInvoker(func(ctx context.Context, _ Request, emit func(Fragment) error) error {
		for {
			if err := emit(Token("x")); err != nil {
				stopped <- err
				return err
			}
		}
	}, 1)

	for range inv.Invoke(context.Background(), Request{}) {
		break
	}

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop")
	}
}

func TestServiceTimeoutIsAgentError(t *testing.T) {
	t.Parallel()

	slow := NewCallbackInvoker(func(ctx context.Context, _ Request, emit func(Fragment) error) error {
		<-ctx.Done()
		return ctx.Err()
	}, 1)
	svc, err := NewService(slow, 20*time.Millisecond, nil)
	require.NoError(t, err)

	_, err = collect(t, svc, Request{})
	assert.ErrorIs(t, err, ErrAgent)
}

func TestServicePassesThroughCallerCancel(t *testing.T) {
	t.Parallel()

	slow := NewCallbackInvoker(func(ctx context.Context, _ Request, emit func(Fragment) error) error {
		<-ctx.Done()
		return ctx.Err()
	}, 1)
	svc, err := NewService(slow, time.Minute, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	var got error
	for _, err := range svc.Invoke(ctx, Request{}) {
		if err != nil {
			got = err
		}
	}
	assert.ErrorIs(t, got, context.Canceled)
	assert.NotErrorIs(t, got, ErrAgent)
}

func TestServiceWrapsInvokerErrors(t *testing.T) {
	t.Parallel()

	failing := NewCallbackInvoker(func(context.Context, Request, func(Fragment) error) error {
		return errors.New("upstream 500")
	}, 1)
	svc, err := NewService(failing, 0, nil)
	require.NoError(t, err)

	_, err = collect(t, svc, Request{})
	assert.ErrorIs(t, err, ErrAgent)
	assert.Contains(t, err.Error(), "upstream 500")
}

func startAgentServer(t *testing.T, produce Producer) *GrpcClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterProducer(srv, produce)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGrpcClient(Config{Address: "passthrough:///bufnet", ConnectTimeout: 2 * time.Second}, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGrpcClientStreamsFragments(t *testing.T) {
	t.Parallel()

	seen := make(chan Request, 1)
	client := startAgentServer(t, func(ctx context.Context, req Request, emit func(Fragment) error) error {
		seen <- req
		if err := emit(ToolStart("Search", "weather in Oslo")); err != nil {
			return err
		}
		return EchoProducer("AI:")(ctx, req, emit)
	})

	req := Request{
		Input:          "hello there",
		ConversationID: "c1",
		UserID:         "u1",
		Language:       "en",
		History:        []domain.Turn{{User: "q", Bot: "a"}},
	}
	frags, err := collect(t, client, req)
	require.NoError(t, err)

	assert.Equal(t, req, <-seen)
	require.NotEmpty(t, frags)
	assert.Equal(t, ToolStart("Search", "weather in Oslo"), frags[0])

	var text strings.Builder
	for _, f := range frags[1:] {
		text.WriteString(f.Text)
	}
	assert.True(t, strings.HasSuffix(text.String(), "AI: hello there"), text.String())
}

func TestGrpcClientSurfacesAgentError(t *testing.T) {
	t.Parallel()

	client := startAgentServer(t, func(_ context.Context, _ Request, emit func(Fragment) error) error {
		_ = emit(Token("Thought:"))
		return errors.New("model overloaded")
	})

	frags, err := collect(t, client, Request{Input: "x"})
	assert.ErrorIs(t, err, ErrAgent)
	assert.Contains(t, err.Error(), "model overloaded")
	assert.Len(t, frags, 1)
}

func TestGrpcClientHealth(t *testing.T) {
	t.Parallel()

	client := startAgentServer(t, EchoProducer("AI:"))
	assert.NoError(t, client.Health(context.Background()))
}
