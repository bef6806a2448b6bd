package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/ava-chat/internal/domain"
	"github.com/ashureev/ava-chat/internal/identity"
	"github.com/ashureev/ava-chat/internal/session"
)

const defaultMaxRequestBodySize = 1 << 20

// SSEConfig configures the request/stream endpoint.
type SSEConfig struct {
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
}

// SSEHandler answers one chat request with a stream of envelopes. Each
// request is its own session and presents its credential with the request.
type SSEHandler struct {
	ctrl    *session.Controller
	cfg     SSEConfig
	encoder SSEEncoder
	logger  *slog.Logger
}

// NewSSEHandler creates a new SSE handler.
func NewSSEHandler(ctrl *session.Controller, cfg SSEConfig, logger *slog.Logger) *SSEHandler {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 10 * time.Second
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{
		ctrl:    ctrl,
		cfg:     cfg,
		encoder: SSEEncoder{Retry: cfg.RetryDelay},
		logger:  logger,
	}
}

// sseWriter serializes envelope and keepalive writes on one response.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	encoder SSEEncoder
}

func (s *sseWriter) Emit(_ context.Context, ev domain.Event) error {
	env, err := s.encoder.Encode(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := env.WriteTo(s.w); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeSSE(s.w, "ping", `{"status":"alive"}`); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ServeHTTP handles POST /api/chat.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, `{"error": "text is required"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := h.ctrl.NewSession(session.SessionOptions{
		ConnectionID: identity.ConnectionID(r),
		Channel:      session.ChannelStream,
	})
	defer h.ctrl.Close(s)

	out := &sseWriter{w: w, flusher: flusher, encoder: h.encoder}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.keepalive(ctx, cancel, out, done)
	}()

	err := h.ctrl.Handle(ctx, s, session.Request{
		Type:           session.RequestMessage,
		Text:           req.Text,
		ConversationID: req.ConversationID,
		Token:          identity.BearerFromRequest(r),
	}, out)
	close(done)
	wg.Wait()

	if err != nil && session.KindOf(err) != session.KindConversationLimit {
		h.logger.Info("Chat stream ended early", "session_id", s.ID, "error", err)
	}
}

// keepalive pings the client while the agent is silent so intermediaries do
// not drop an idle stream. A failed write means the client is gone.
func (h *SSEHandler) keepalive(ctx context.Context, cancel context.CancelFunc, out *sseWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := out.ping(); err != nil {
				h.logger.Debug("SSE keepalive failed", "error", err)
				cancel()
				return
			}
		}
	}
}
