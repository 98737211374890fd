package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
	"github.com/ashureev/chat2graph-gateway/internal/identity"
	"github.com/ashureev/chat2graph-gateway/internal/thinking"
	"github.com/ashureev/chat2graph-gateway/internal/upstream"
)

// SourceHeader tells the client whether data came from the backend or the local cache.
const SourceHeader = "X-C2G-Source"

// Watcher starts following a job for a browser tab.
type Watcher interface {
	Watch(clientID, sessionID, jobID string) error
}

// SessionHandler handles session, conversation and chat endpoints.
type SessionHandler struct {
	*Handler
	watcher   Watcher
	chatLimit func(http.Handler) http.Handler
}

// NewSessionHandler creates a session handler. Chat submissions are limited
// to limit per window for each browser.
func NewSessionHandler(base *Handler, watcher Watcher, limit int, window time.Duration) *SessionHandler {
	return &SessionHandler{
		Handler: base,
		watcher: watcher,
		chatLimit: httprate.Limit(
			limit,
			window,
			httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
				if id := identity.ClientIDFromContext(r.Context()); id != "" {
					return id, nil
				}
				return httprate.KeyByIP(r)
			}),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				Error(w, http.StatusTooManyRequests, "chat rate limit exceeded, try again later")
			}),
		),
	}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Post("/", h.CreateSession)
		r.Get("/{id}", h.GetSession)
		r.Put("/{id}", h.RenameSession)
		r.Delete("/{id}", h.DeleteSession)
		r.Get("/{id}/messages", h.ListMessages)
		r.With(h.chatLimit).Post("/{id}/chat", h.Chat)
	})
}

type sessionRequest struct {
	Name string `json:"name"`
}

// ListSessions returns all sessions, from the cache when the backend is down.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := h.backend.ListSessions(ctx)
	if err != nil {
		if upstream.IsRetryable(err) {
			if cached, cacheErr := h.repo.ListSessions(ctx); cacheErr == nil {
				slog.Warn("Serving sessions from cache", "error", err)
				w.Header().Set(SourceHeader, "cache")
				JSON(w, http.StatusOK, cached)
				return
			}
		}
		UpstreamError(w, "list sessions", err)
		return
	}

	if err := h.repo.SyncSessions(ctx, sessions); err != nil {
		slog.Warn("Failed to cache sessions", "error", err)
	}
	w.Header().Set(SourceHeader, "upstream")
	JSON(w, http.StatusOK, sessions)
}

// CreateSession creates a session.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	session, err := h.backend.CreateSession(r.Context(), name)
	if err != nil {
		UpstreamError(w, "create session", err)
		return
	}
	h.cacheSession(r.Context(), session)
	JSON(w, http.StatusCreated, session)
}

// GetSession returns one session, from the cache when the backend is down.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	session, err := h.backend.GetSession(ctx, id)
	if err != nil {
		if upstream.IsRetryable(err) {
			if cached, cacheErr := h.repo.GetSession(ctx, id); cacheErr == nil && cached != nil {
				w.Header().Set(SourceHeader, "cache")
				JSON(w, http.StatusOK, cached)
				return
			}
		}
		UpstreamError(w, "get session", err)
		return
	}
	h.cacheSession(ctx, session)
	w.Header().Set(SourceHeader, "upstream")
	JSON(w, http.StatusOK, session)
}

// RenameSession changes a session's name.
func (h *SessionHandler) RenameSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	session, err := h.backend.RenameSession(r.Context(), chi.URLParam(r, "id"), name)
	if err != nil {
		UpstreamError(w, "rename session", err)
		return
	}
	h.cacheSession(r.Context(), session)
	JSON(w, http.StatusOK, session)
}

// DeleteSession removes a session upstream and from the cache.
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.backend.DeleteSession(r.Context(), id); err != nil {
		UpstreamError(w, "delete session", err)
		return
	}
	if err := h.repo.DeleteSession(r.Context(), id); err != nil {
		slog.Warn("Failed to remove cached session", "error", err, "session_id", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages returns the conversation of a session, oldest first. When the
// backend is unreachable the cached finished messages are served instead.
func (h *SessionHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	results, err := h.backend.ListConversation(ctx, id)
	if err != nil {
		if upstream.IsRetryable(err) {
			if cached, cacheErr := h.repo.ListMessages(ctx, id); cacheErr == nil {
				slog.Warn("Serving conversation from cache", "session_id", id, "error", err)
				w.Header().Set(SourceHeader, "cache")
				JSON(w, http.StatusOK, cached)
				return
			}
		}
		UpstreamError(w, "list messages", err)
		return
	}

	msgs, convErr := thinking.Conversation(results)
	if convErr != nil {
		slog.Warn("Skipped malformed conversation entries", "session_id", id, "error", convErr)
	}
	for i := range msgs {
		if msgs[i].SessionID == "" {
			msgs[i].SessionID = id
		}
		if msgs[i].JobID == "" || !msgs[i].Status.IsTerminal() {
			continue
		}
		if err := h.repo.SaveMessage(ctx, &msgs[i]); err != nil {
			slog.Warn("Failed to cache message", "error", err, "session_id", id, "job_id", msgs[i].JobID)
			continue
		}
	}
	w.Header().Set(SourceHeader, "upstream")
	JSON(w, http.StatusOK, msgs)
}

type chatRequest struct {
	Message          string                 `json:"message"`
	AttachedMessages []upstream.ChatMessage `json:"attached_messages,omitempty"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id"`
}

// Chat submits a user message, starts tracking the job answering it for the
// caller's tab and returns the job id. Progress is pushed over the stream.
func (h *SessionHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	resp, err := h.backend.Chat(ctx, sessionID, upstream.ChatRequest{
		InstructionMessage: upstream.ChatMessage{Payload: req.Message},
		AttachedMessages:   req.AttachedMessages,
	})
	if err != nil {
		UpstreamError(w, "chat", err)
		return
	}
	jobID := resp.Job()

	if err := h.repo.SaveMessage(ctx, &domain.Message{
		JobID:     jobID,
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Payload:   req.Message,
		Status:    domain.JobFinished,
		Timestamp: time.Now(),
	}); err != nil {
		slog.Warn("Failed to cache question", "error", err, "session_id", sessionID, "job_id", jobID)
	}

	watcherKey := identity.WatcherKey(ctx)
	if err := h.watcher.Watch(watcherKey, sessionID, jobID); err != nil {
		slog.Error("Failed to watch job", "error", err, "watcher", watcherKey, "job_id", jobID)
		Error(w, http.StatusServiceUnavailable, "job submitted but cannot be tracked")
		return
	}

	slog.Info("Chat submitted", "session_id", sessionID, "job_id", jobID, "watcher", watcherKey)
	JSON(w, http.StatusAccepted, chatResponse{SessionID: sessionID, JobID: jobID})
}

func (h *SessionHandler) cacheSession(ctx context.Context, session *domain.Session) {
	if session == nil || session.ID == "" {
		return
	}
	if err := h.repo.UpsertSession(ctx, session); err != nil {
		slog.Warn("Failed to cache session", "error", err, "session_id", session.ID)
	}
}
