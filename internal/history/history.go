// Package history provides SQLite-based persistence for chat sessions and
// their messages. An empty path opens a private in-memory database, which is
// also the fallback when the configured file cannot be opened.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/rfpdesk/internal/domain"
	"github.com/comigor/rfpdesk/internal/logger"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("history: session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT,
    rfp_id INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    citations TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id, id);
`

// Store is the durable backing store for conversation sessions.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

// Open opens (and creates if needed) the SQLite database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return OpenMemory(ctx)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return newStore(ctx, db)
}

// OpenMemory opens a database that lives as long as the Store.
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open in-memory sqlite: %w", err)
	}
	// every pooled connection would otherwise get its own empty database
	db.SetMaxOpenConns(1)
	return newStore(ctx, db)
}

// OpenWithFallback opens path and falls back to memory when that fails.
func OpenWithFallback(ctx context.Context, path string) (*Store, error) {
	s, err := Open(ctx, path)
	if err == nil {
		return s, nil
	}
	logger.L.Warn("sqlite open failed; using in-memory history", "path", path, "error", err)
	return OpenMemory(ctx)
}

func newStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	s := &Store{db: db, log: logger.With("component", "history"), now: time.Now}
	s.log.Info("sqlite history DB initialized")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() int64 {
	return s.now().UnixMilli()
}

// ListSessions returns all sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, rfp_id, created_at, updated_at FROM sessions ORDER BY updated_at DESC, id DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (domain.Session, error) {
	var (
		sess      domain.Session
		title     sql.NullString
		rfpID     sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&sess.ID, &title, &rfpID, &createdAt, &updatedAt); err != nil {
		return domain.Session{}, err
	}
	if title.Valid {
		sess.Title = &title.String
	}
	if rfpID.Valid {
		sess.RFPID = &rfpID.Int64
	}
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return sess, nil
}

// CreateSession allocates a new untitled session.
func (s *Store) CreateSession(ctx context.Context, rfpID *int64) (domain.Session, error) {
	now := s.stamp()
	var rfp sql.NullInt64
	if rfpID != nil {
		rfp = sql.NullInt64{Int64: *rfpID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (title, rfp_id, created_at, updated_at) VALUES (NULL, ?, ?, ?);`, rfp, now, now)
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return s.Session(ctx, id)
}

// Session fetches one session by id.
func (s *Store) Session(ctx context.Context, id int64) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, rfp_id, created_at, updated_at FROM sessions WHERE id = ?;`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session %d: %w", id, err)
	}
	return sess, nil
}

// SetTitle sets the session title.
func (s *Store) SetTitle(ctx context.Context, id int64, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?;`, title, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("set title of session %d: %w", id, err)
	}
	return requireAffected(res)
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session %d: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?;`, id); err != nil {
		return fmt.Errorf("delete messages of session %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete session %d: %w", id, err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage persists msg at the end of its session and marks the
// session as recently active.
func (s *Store) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	var citations sql.NullString
	if len(msg.Citations) > 0 {
		b, err := json.Marshal(msg.Citations)
		if err != nil {
			return domain.Message{}, fmt.Errorf("marshal citations: %w", err)
		}
		citations = sql.NullString{String: string(b), Valid: true}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	now := msg.CreatedAt.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, citations, created_at) VALUES (?,?,?,?,?);`,
		msg.SessionID, msg.Role, msg.Content, citations, now)
	if err != nil {
		return domain.Message{}, fmt.Errorf("append message to session %d: %w", msg.SessionID, err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	upd, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?;`, now, msg.SessionID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("touch session %d: %w", msg.SessionID, err)
	}
	if err := requireAffected(upd); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	msg.IsStreaming = false
	msg.CreatedAt = time.UnixMilli(now).UTC()
	return msg, nil
}

// Messages returns all messages of a session in chronological order,
// including roles a chat view does not display.
func (s *Store) Messages(ctx context.Context, sessionID int64) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, citations, created_at FROM messages WHERE session_id = ? ORDER BY id ASC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages of session %d: %w", sessionID, err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var (
			m         domain.Message
			citations sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &citations, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if citations.Valid && citations.String != "" {
			if err := json.Unmarshal([]byte(citations.String), &m.Citations); err != nil {
				s.log.Warn("dropping unreadable citations", "message_id", m.ID, "error", err)
			}
		}
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
