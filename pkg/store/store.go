// Package store persists per-session conversation history. Histories are
// replayed verbatim to the completion provider, so insertion order is
// preserved exactly and appends to the same session are serialized.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionInfo summarizes one stored session.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	ChatID       string    `json:"chat_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StorageError marks persistence failures. The relay fails the current
// request on one of these but never crashes the process.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// SQLiteStore is the durable session store.
type SQLiteStore struct {
	db    *sql.DB
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

// NewSQLiteStore creates/opens the session database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, locks: make(map[string]*sync.Mutex)}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_session_seq_idx ON messages(session_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(stmt string) string {
	line := strings.TrimSpace(stmt)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

// sessionLock serializes writers for one session id. Different sessions
// never contend on the same lock.
func (s *SQLiteStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Load returns the session history in insertion order. An unknown session
// id yields an empty history, never an error.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT role, content
FROM messages
WHERE session_id = ?
ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, storageErr("load", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, storageErr("scan message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate messages", err)
	}
	return out, nil
}

// Append adds one message to the end of the session history.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg Message) error {
	return s.appendMessages(ctx, sessionID, []Message{msg})
}

// AppendTurn persists the user message and the assistant reply, in that
// order, in a single transaction. A failed turn never leaves a lone user
// message behind.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, user, assistant Message) error {
	return s.appendMessages(ctx, sessionID, []Message{user, assistant})
}

func (s *SQLiteStore) appendMessages(ctx context.Context, sessionID string, msgs []Message) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storageErr("append", fmt.Errorf("empty session id"))
	}
	for _, m := range msgs {
		if strings.TrimSpace(m.Role) == "" {
			return storageErr("append", fmt.Errorf("empty role"))
		}
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("append begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(session_id, chat_id, user_id, created_at_ms, updated_at_ms, message_count)
VALUES(?, '', '', ?, ?, 0)
ON CONFLICT(session_id) DO UPDATE SET updated_at_ms = excluded.updated_at_ms`, sessionID, now, now); err != nil {
		return storageErr("append ensure session", err)
	}

	var seq int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID)
	if err := row.Scan(&seq); err != nil {
		return storageErr("append next seq", err)
	}

	for _, m := range msgs {
		seq++
		if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, session_id, seq, role, content, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`, uuid.NewString(), sessionID, seq, m.Role, m.Content, now); err != nil {
			return storageErr("append insert", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET updated_at_ms = ?, message_count = message_count + ?
WHERE session_id = ?`, now, len(msgs), sessionID); err != nil {
		return storageErr("append update session", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("append commit", err)
	}
	return nil
}

// Clear truncates the session history to empty. Clearing an unknown
// session is a no-op.
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storageErr("clear", fmt.Errorf("empty session id"))
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("clear begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return storageErr("clear delete messages", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET message_count = 0, updated_at_ms = ?
WHERE session_id = ?`, nowMS(), sessionID); err != nil {
		return storageErr("clear update session", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("clear commit", err)
	}
	return nil
}

// Tag associates chat/user identifiers with a session for listings.
func (s *SQLiteStore) Tag(ctx context.Context, sessionID, chatID, userID string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, chat_id, user_id, created_at_ms, updated_at_ms, message_count)
VALUES(?, ?, ?, ?, ?, 0)
ON CONFLICT(session_id) DO UPDATE SET
	chat_id = CASE WHEN excluded.chat_id <> '' THEN excluded.chat_id ELSE sessions.chat_id END,
	user_id = CASE WHEN sessions.user_id = '' THEN excluded.user_id ELSE sessions.user_id END,
	updated_at_ms = excluded.updated_at_ms`,
		sessionID, chatID, userID, now, now)
	if err != nil {
		return storageErr("tag session", err)
	}
	return nil
}

// Sessions lists stored sessions, most recently updated first.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, chat_id, user_id, message_count, updated_at_ms
FROM sessions
ORDER BY updated_at_ms DESC`)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	out := []SessionInfo{}
	for rows.Next() {
		var info SessionInfo
		var updatedMS int64
		if err := rows.Scan(&info.SessionID, &info.ChatID, &info.UserID, &info.MessageCount, &updatedMS); err != nil {
			return nil, storageErr("scan session", err)
		}
		info.UpdatedAt = time.UnixMilli(updatedMS)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate sessions", err)
	}
	return out, nil
}
