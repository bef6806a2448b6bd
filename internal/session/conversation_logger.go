package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ConversationLogConfig controls NDJSON transcript logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one transcript line.
type ConversationLogEvent struct {
	Timestamp      time.Time `json:"ts"`
	UserID         string    `json:"user_id,omitempty"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Channel        string    `json:"channel"`
	Direction      string    `json:"direction"`
	EventType      string    `json:"event_type"`
	ContentRaw     string    `json:"content_raw"`
	Content        string    `json:"content"`
}

// ConversationLogger records transcript events.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

// FileConversationLogger writes one NDJSON file per conversation from a
// background goroutine. Events are dropped when the queue is full.
type FileConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	queue  chan ConversationLogEvent
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	dropped   int64
}

// NewConversationLogger returns a file logger, or a no-op logger when
// disabled.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log directory: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log directory: %w", err)
		}
	}

	l := &FileConversationLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan ConversationLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log enqueues event without blocking.
func (l *FileConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.dropped++
		if l.dropped%100 == 1 {
			l.logger.Warn("Conversation log queue full, dropping events", "dropped", l.dropped)
		}
	}
}

// Close drains pending events and stops the writer.
func (l *FileConversationLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.done
	})
	return nil
}

func (l *FileConversationLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Error("Failed to encode conversation log event", "error", err)
			continue
		}
		line = append(line, '\n')

		if err := appendLine(l.pathFor(event), line); err != nil {
			l.logger.Error("Failed to write conversation log", "error", err, "conversation_id", event.ConversationID)
		}
		if l.cfg.GlobalEnabled {
			if err := appendLine(l.cfg.GlobalPath, line); err != nil {
				l.logger.Error("Failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *FileConversationLogger) pathFor(event ConversationLogEvent) string {
	user := sanitizePathSegment(event.UserID)
	if user == "" {
		user = "anonymous"
	}
	conv := sanitizePathSegment(event.ConversationID)
	if conv == "" {
		conv = "unassigned"
	}
	return filepath.Join(l.cfg.Dir, user, conv+".ndjson")
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

func sanitizePathSegment(s string) string {
	s = unsafePathChars.ReplaceAllString(strings.TrimSpace(s), "_")
	return strings.Trim(s, ".")
}

// cleanForReadability strips terminal escapes and control characters.
func cleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
