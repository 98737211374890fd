package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
	"github.com/ashureev/chat2graph-gateway/internal/thinking"
)

// JobHandler exposes single job lookups.
type JobHandler struct {
	*Handler
}

// NewJobHandler creates a job handler.
func NewJobHandler(base *Handler) *JobHandler {
	return &JobHandler{Handler: base}
}

// RegisterRoutes registers job routes.
func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/jobs/{id}/message", h.GetMessage)
}

type jobMessageResponse struct {
	Message  domain.Message `json:"message"`
	Progress int            `json:"progress"`
}

// GetMessage fetches a job once and returns its transformed message.
func (h *JobHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	res, err := h.backend.GetJobResult(r.Context(), jobID)
	if err != nil {
		UpstreamError(w, "get job", err)
		return
	}

	msg, err := thinking.Transform(res)
	if err != nil {
		Error(w, http.StatusBadGateway, err.Error())
		return
	}
	if msg.JobID == "" {
		msg.JobID = jobID
	}

	JSON(w, http.StatusOK, jobMessageResponse{
		Message:  msg,
		Progress: thinking.Progress(msg.Status, msg.Thinking),
	})
}
