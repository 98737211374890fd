package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
	"github.com/ashureev/chat2graph-gateway/internal/metrics"
	"github.com/ashureev/chat2graph-gateway/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while the tracker writes finished messages.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		latest_job_id TEXT,
		knowledgebase_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

	CREATE TABLE IF NOT EXISTS messages (
		job_id TEXT NOT NULL,
		role TEXT NOT NULL,
		message_id TEXT,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		thinking_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (job_id, role)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_updated ON messages(updated_at);
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	defer metrics.ObserveStore(time.Now())
	var res sql.Result
	err := shared.RetryOnConflict(ctx, op, writeAttempts, writeBaseDelay, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

const upsertSessionQuery = `
	INSERT INTO sessions (session_id, name, latest_job_id, knowledgebase_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		name = excluded.name,
		latest_job_id = COALESCE(excluded.latest_job_id, sessions.latest_job_id),
		knowledgebase_id = COALESCE(excluded.knowledgebase_id, sessions.knowledgebase_id),
		updated_at = excluded.updated_at`

func sessionArgs(session *domain.Session) []any {
	created := session.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return []any{
		session.ID, session.Name,
		nullString(session.LatestJobID), nullString(session.KnowledgebaseID),
		created.Unix(), time.Now().Unix(),
	}
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("upsert session: session id is required")
	}
	_, err := s.exec(ctx, "upsert session", upsertSessionQuery, sessionArgs(session)...)
	return err
}

// SyncSessions replaces the cached session list in one transaction.
func (s *SQLiteStore) SyncSessions(ctx context.Context, sessions []domain.Session) error {
	defer metrics.ObserveStore(time.Now())
	return shared.RetryOnConflict(ctx, "sync sessions", writeAttempts, writeBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sync sessions: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS keep_sessions (session_id TEXT PRIMARY KEY)`); err != nil {
			return fmt.Errorf("create keep table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM keep_sessions`); err != nil {
			return fmt.Errorf("reset keep table: %w", err)
		}
		for i := range sessions {
			if sessions[i].ID == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, upsertSessionQuery, sessionArgs(&sessions[i])...); err != nil {
				return fmt.Errorf("upsert session %s: %w", sessions[i].ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO keep_sessions (session_id) VALUES (?)`, sessions[i].ID); err != nil {
				return fmt.Errorf("mark session %s: %w", sessions[i].ID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id NOT IN (SELECT session_id FROM keep_sessions)`); err != nil {
			return fmt.Errorf("delete stale messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id NOT IN (SELECT session_id FROM keep_sessions)`); err != nil {
			return fmt.Errorf("delete stale sessions: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sync sessions: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	defer metrics.ObserveStore(time.Now())
	query := `
		SELECT session_id, name, latest_job_id, knowledgebase_id, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns cached sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	defer metrics.ObserveStore(time.Now())
	query := `
		SELECT session_id, name, latest_job_id, knowledgebase_id, created_at, updated_at
		FROM sessions ORDER BY created_at DESC, session_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	sessions := []domain.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	defer metrics.ObserveStore(time.Now())
	return shared.RetryOnConflict(ctx, "delete session", writeAttempts, writeBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete session: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return tx.Commit()
	})
}

// SaveMessage stores a message keyed by job id and role.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *domain.Message) error {
	if msg == nil || msg.JobID == "" {
		return errors.New("save message: job id is required")
	}
	if msg.SessionID == "" {
		return errors.New("save message: session id is required")
	}

	thinking := msg.Thinking
	if thinking == nil {
		thinking = []domain.ThinkingStep{}
	}
	thinkingJSON, err := json.Marshal(thinking)
	if err != nil {
		return fmt.Errorf("encode thinking: %w", err)
	}

	created := msg.Timestamp
	if created.IsZero() {
		created = time.Now()
	}

	query := `
	INSERT INTO messages (job_id, role, message_id, session_id, status, payload, thinking_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(job_id, role) DO UPDATE SET
		message_id = COALESCE(excluded.message_id, messages.message_id),
		status = excluded.status,
		payload = excluded.payload,
		thinking_json = excluded.thinking_json,
		updated_at = excluded.updated_at`

	_, err = s.exec(ctx, "save message", query,
		msg.JobID, string(msg.Role), nullString(msg.ID), msg.SessionID,
		string(msg.Status), msg.Payload, string(thinkingJSON),
		created.UnixMilli(), time.Now().Unix(),
	)
	return err
}

// ListMessages returns the messages of a session, oldest first. For the same
// job the user question sorts before the answer.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	defer metrics.ObserveStore(time.Now())
	query := `
		SELECT job_id, role, message_id, session_id, status, payload, thinking_json, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at, CASE role WHEN 'user' THEN 0 ELSE 1 END`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	msgs := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var role, status, thinkingJSON string
		var messageID sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&msg.JobID, &role, &messageID, &msg.SessionID,
			&status, &msg.Payload, &thinkingJSON, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.ID = messageID.String
		msg.Role = domain.Role(role)
		msg.Status = domain.JobStatus(status)
		msg.Timestamp = time.UnixMilli(createdAt)
		if err := json.Unmarshal([]byte(thinkingJSON), &msg.Thinking); err != nil {
			return nil, fmt.Errorf("decode thinking for job %s: %w", msg.JobID, err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// PruneMessages removes messages not updated within retention.
func (s *SQLiteStore) PruneMessages(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	res, err := s.exec(ctx, "prune messages", `DELETE FROM messages WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var latestJobID, kbID sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(
		&session.ID, &session.Name, &latestJobID, &kbID,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	session.LatestJobID = latestJobID.String
	session.KnowledgebaseID = kbID.String
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
