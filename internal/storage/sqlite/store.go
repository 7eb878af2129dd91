// Package sqlite 是会话存储与语义索引的单机实现，向量检索在 Go 中完成。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/easeaico/persona-chat/internal/types"
)

// Schema creates every table used by the store and the index.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	character_id TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);

CREATE TABLE IF NOT EXISTS summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id);

CREATE TABLE IF NOT EXISTS semantic_documents (
	id TEXT PRIMARY KEY,
	class TEXT NOT NULL,
	content TEXT NOT NULL,
	character_id TEXT NOT NULL DEFAULT '',
	session_id INTEGER NOT NULL DEFAULT 0,
	message_id INTEGER NOT NULL DEFAULT 0,
	memory_type TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	embedding BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_class ON semantic_documents(class, character_id, session_id);
`

// Store implements the session store on a single SQLite connection.
type Store struct {
	db *sql.DB
}

// connPragmas are applied by the driver to every new connection.
const connPragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

// pragmaDSN turns a path (or ":memory:") into a file: DSN carrying connPragmas.
func pragmaDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + filepath.ToSlash(dsn)
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + connPragmas
}

// Open opens (or creates) the database at dsn. ":memory:" is accepted for tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", pragmaDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 单连接：SQLite 只允许一个写者，同时让同一会话的追加天然串行。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(ctx context.Context, characterID string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (character_id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		characterID, types.SessionName(characterID, now.Local()), now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) AppendMessage(ctx context.Context, sessionID int64, role types.Role, content string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("session %d: %w", sessionID, types.ErrSessionNotFound)
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(role), content, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit message: %w", err)
	}
	return id, nil
}

func (s *Store) GetMessages(ctx context.Context, sessionID int64) ([]types.StoredMessage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var results []types.StoredMessage
	for rows.Next() {
		var (
			msg  types.StoredMessage
			role string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = types.Role(role)
		results = append(results, msg)
	}
	return results, rows.Err()
}

func (s *Store) GetSession(ctx context.Context, sessionID int64) (*types.SessionInfo, error) {
	var info types.SessionInfo
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.character_id, s.name, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s WHERE s.id = ?`, sessionID).
		Scan(&info.ID, &info.CharacterID, &info.Name, &info.CreatedAt, &info.UpdatedAt, &info.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", sessionID, types.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &info, nil
}

func (s *Store) ListRecentSessions(ctx context.Context, limit int) ([]types.SessionInfo, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.character_id, s.name, s.created_at, s.updated_at, COUNT(m.id)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var results []types.SessionInfo
	for rows.Next() {
		var info types.SessionInfo
		if err := rows.Scan(&info.ID, &info.CharacterID, &info.Name, &info.CreatedAt, &info.UpdatedAt, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		results = append(results, info)
	}
	return results, rows.Err()
}

// DeleteSession removes a session; messages and summaries follow via ON DELETE CASCADE.
func (s *Store) DeleteSession(ctx context.Context, sessionID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to delete session %d: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) AddSummary(ctx context.Context, sessionID int64, text string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (session_id, content, created_at) VALUES (?, ?, ?)`,
		sessionID, text, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert summary: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetLatestSummary(ctx context.Context, sessionID int64) (string, bool, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM summaries WHERE session_id = ? ORDER BY id DESC LIMIT 1`, sessionID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query latest summary: %w", err)
	}
	return text, true, nil
}
