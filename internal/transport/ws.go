package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/ava-chat/internal/domain"
	"github.com/ashureev/ava-chat/internal/identity"
	"github.com/ashureev/ava-chat/internal/session"
)

// WSConfig configures the WebSocket endpoint.
type WSConfig struct {
	AllowedOrigin string
	IsDev         bool
	WriteTimeout  time.Duration
	// ReadLimit caps inbound message size in bytes.
	ReadLimit int64
}

// WebSocketHandler serves the message-oriented chat endpoint. Each
// connection is one session; frames are processed strictly in order.
type WebSocketHandler struct {
	ctrl     *session.Controller
	registry *Registry
	cfg      WSConfig
	encoder  WSEncoder
	logger   *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(ctrl *session.Controller, registry *Registry, cfg WSConfig, logger *slog.Logger) *WebSocketHandler {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{ctrl: ctrl, registry: registry, cfg: cfg, logger: logger}
}

// wsEmitter writes events as JSON text messages.
type wsEmitter struct {
	conn    *websocket.Conn
	encoder WSEncoder
	timeout time.Duration
}

func (e *wsEmitter) Emit(ctx context.Context, ev domain.Event) error {
	data, err := e.encoder.Encode(ev)
	if err != nil {
		return err
	}
	return e.write(ctx, data)
}

func (e *wsEmitter) write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := identity.ConnectionID(r)
	h.logger.Info("WebSocket connection request", "ip", connID)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", connID)
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	s := h.ctrl.NewSession(session.SessionOptions{
		ConnectionID: connID,
		Channel:      session.ChannelSocket,
		Handshake:    true,
		EchoUser:     true,
	})
	log := h.logger.With("session_id", s.ID)

	h.registry.Register(s.ID, ws)
	defer h.registry.Unregister(s.ID, ws)
	defer h.ctrl.Close(s)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := &wsEmitter{conn: ws, encoder: h.encoder, timeout: h.cfg.WriteTimeout}

	status, reason := websocket.StatusNormalClosure, "session ended"
	defer func() {
		if closeErr := ws.Close(status, reason); closeErr != nil {
			log.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	// A credential on the upgrade request counts as the handshake.
	if token := identity.BearerFromRequest(r); token != "" {
		if err := h.ctrl.Handle(ctx, s, session.Request{Type: session.RequestAuthenticate, Token: token}, out); err != nil {
			log.Info("WebSocket session ended during handshake", "error", err)
			return
		}
	}

	frames := make(chan session.Request, 1)
	go h.readLoop(ctx, cancel, ws, frames, log)

	for req := range frames {
		if req.Type == "ping" {
			if err := out.write(ctx, []byte(`{"type":"pong"}`)); err != nil {
				log.Debug("Failed to send pong", "error", err)
				return
			}
			continue
		}
		err := h.ctrl.Handle(ctx, s, req, out)
		if err == nil {
			continue
		}
		switch session.KindOf(err) {
		case session.KindConversationLimit:
			reason = "conversation limit reached"
			log.Info("Closing WebSocket at conversation limit", "conversation_id", s.ConversationID())
		default:
			if ctx.Err() == nil {
				log.Warn("WebSocket session ended", "error", err)
			}
		}
		return
	}
	log.Info("WebSocket session ended")
}

// readLoop decodes frames until the client goes away. It stays ahead of the
// controller so a disconnect during processing cancels ctx promptly. A
// {"type":"ping"} frame is answered by the transport.
func (h *WebSocketHandler) readLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, frames chan<- session.Request, log *slog.Logger) {
	defer close(frames)
	defer cancel()
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				log.Debug("WebSocket closed by client")
			} else {
				log.Warn("WebSocket read error", "error", err)
			}
			return
		}

		select {
		case frames <- decodeFrame(message):
		case <-ctx.Done():
			return
		}
	}
}

// decodeFrame parses a JSON frame. Anything that is not a JSON object is
// treated as the text of a message.
func decodeFrame(message []byte) session.Request {
	trimmed := strings.TrimSpace(string(message))
	if strings.HasPrefix(trimmed, "{") {
		var req session.Request
		if err := json.Unmarshal(message, &req); err == nil {
			return req
		}
	}
	return session.Request{Type: session.RequestMessage, Text: string(message)}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}
