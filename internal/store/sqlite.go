package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/ava-chat/internal/domain"
	"github.com/ashureev/ava-chat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps conversations in a SQLite table. Expired rows are
// invisible to reads and removed by DeleteExpired.
type SQLiteStore struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
	// writeMu serializes appends to avoid SQLITE_BUSY between read and write.
	writeMu sync.Mutex
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string, opts Options, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, opts: opts.withDefaults(), logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		turns_json TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_expires ON conversations(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the live turns of a conversation.
func (s *SQLiteStore) Get(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	raw, err := s.load(ctx, s.db, conversationID)
	if err != nil {
		return nil, err
	}
	return domain.DecodeHistory(raw)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) load(ctx context.Context, q queryer, conversationID string) ([]byte, error) {
	query := `SELECT turns_json FROM conversations WHERE conversation_id = ? AND expires_at > ?`

	var raw string
	err := q.QueryRowContext(ctx, query, conversationID, s.opts.Now().UnixMilli()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return []byte(raw), nil
}

// Append adds a turn and pushes the expiry forward. An expired row is
// replaced as if it were absent.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, turn domain.Turn) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return shared.RetryOnConflict(ctx, "append conversation", 3, 50*time.Millisecond, func() error {
		return s.appendOnce(ctx, conversationID, turn)
	})
}

func (s *SQLiteStore) appendOnce(ctx context.Context, conversationID string, turn domain.Turn) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("failed to roll back append", "error", rbErr, "conversation_id", conversationID)
			}
		}
	}()

	raw, err := s.load(ctx, tx, conversationID)
	if err != nil {
		return err
	}
	turns, err := domain.DecodeHistory(raw)
	if err != nil {
		return err
	}
	if len(turns) >= s.opts.MaxTurns {
		return ErrLimitReached
	}
	data, err := domain.EncodeHistory(append(turns, turn))
	if err != nil {
		return err
	}

	now := s.opts.Now()
	query := `
	INSERT INTO conversations (conversation_id, turns_json, expires_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		turns_json = excluded.turns_json,
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at`
	if _, err = tx.ExecContext(ctx, query,
		conversationID, string(data), now.Add(s.opts.TTL).UnixMilli(),
		now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// DeleteExpired removes conversations whose TTL has passed.
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE expires_at <= ?`, s.opts.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired conversations: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
