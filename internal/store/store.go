// Package store caches sessions and completed messages locally.
package store

import (
	"context"
	"time"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
)

// Repository persists sessions and finished conversation messages so that a
// conversation can be shown when the backend is unreachable.
type Repository interface {
	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// SyncSessions makes the cached session list equal to sessions,
	// removing sessions (and their messages) that are no longer listed.
	SyncSessions(ctx context.Context, sessions []domain.Session) error

	// GetSession retrieves a session by ID. It returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns cached sessions, newest first.
	ListSessions(ctx context.Context) ([]domain.Session, error)

	// DeleteSession removes a session and all its messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// SaveMessage stores a message keyed by job id and role.
	SaveMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns the messages of a session, oldest first.
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// PruneMessages removes messages not updated within retention.
	PruneMessages(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
