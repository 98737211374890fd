// Package api provides HTTP handlers for the gateway API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
	"github.com/ashureev/chat2graph-gateway/internal/store"
	"github.com/ashureev/chat2graph-gateway/internal/upstream"
)

const maxJSONBody = 1 << 20

// Backend is the assistant backend as seen by the handlers.
type Backend interface {
	GetJobResult(ctx context.Context, jobID string) (*upstream.JobResult, error)

	ListSessions(ctx context.Context) ([]domain.Session, error)
	CreateSession(ctx context.Context, name string) (*domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	RenameSession(ctx context.Context, sessionID, name string) (*domain.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ListConversation(ctx context.Context, sessionID string) ([]upstream.JobResult, error)
	Chat(ctx context.Context, sessionID string, req upstream.ChatRequest) (*upstream.ChatResponse, error)

	ListKnowledgebases(ctx context.Context) ([]domain.Knowledgebase, error)
	CreateKnowledgebase(ctx context.Context, name string, kind domain.KnowledgeType, sessionID string) (*domain.Knowledgebase, error)
	GetKnowledgebase(ctx context.Context, id string) (*domain.Knowledgebase, error)
	EditKnowledgebase(ctx context.Context, id, name, description string) error
	DeleteKnowledgebase(ctx context.Context, id string) error
	UploadFile(ctx context.Context, knowledgebaseID, filename string, content io.Reader, cfg upstream.UploadConfig) (*domain.File, error)
	DeleteFile(ctx context.Context, fileID string) error
}

// Handler provides common handler utilities.
type Handler struct {
	backend Backend
	repo    store.Repository
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(backend Backend, repo store.Repository) *Handler {
	return &Handler{
		backend: backend,
		repo:    repo,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// UpstreamError writes err from the backend. Transient failures and
// unreadable answers are 502; requests the backend rejected keep its 4xx.
func UpstreamError(w http.ResponseWriter, op string, err error) {
	status := upstreamStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Upstream call failed", "op", op, "error", err)
	} else {
		slog.Warn("Upstream rejected request", "op", op, "error", err)
	}
	Error(w, status, err.Error())
}

func upstreamStatus(err error) int {
	if upstream.IsRetryable(err) {
		return http.StatusBadGateway
	}
	code := upstream.StatusCode(err)
	switch {
	case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
		return code
	case code == http.StatusOK:
		var ue *upstream.Error
		if errors.As(err, &ue) && ue.Err == nil {
			// success=false envelope
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
