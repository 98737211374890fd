package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
	"github.com/ashureev/chat2graph-gateway/internal/upstream"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

// KnowledgebaseHandler handles knowledgebase and file endpoints.
type KnowledgebaseHandler struct {
	*Handler
	maxUploadSize int64
}

// NewKnowledgebaseHandler creates a knowledgebase handler. Uploads larger
// than maxUploadSize bytes are rejected.
func NewKnowledgebaseHandler(base *Handler, maxUploadSize int64) *KnowledgebaseHandler {
	return &KnowledgebaseHandler{Handler: base, maxUploadSize: maxUploadSize}
}

// RegisterRoutes registers knowledgebase and file routes.
func (h *KnowledgebaseHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/knowledgebases", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{id}", h.Get)
		r.Put("/{id}", h.Edit)
		r.Delete("/{id}", h.Delete)
	})
	r.Route("/api/files", func(r chi.Router) {
		r.Post("/upload", h.Upload)
		r.Delete("/{id}", h.DeleteFile)
	})
}

// List returns all knowledgebases.
func (h *KnowledgebaseHandler) List(w http.ResponseWriter, r *http.Request) {
	kbs, err := h.backend.ListKnowledgebases(r.Context())
	if err != nil {
		UpstreamError(w, "list knowledgebases", err)
		return
	}
	if kbs == nil {
		kbs = []domain.Knowledgebase{}
	}
	JSON(w, http.StatusOK, kbs)
}

type createKnowledgebaseRequest struct {
	Name          string               `json:"name"`
	KnowledgeType domain.KnowledgeType `json:"knowledge_type"`
	SessionID     string               `json:"session_id"`
}

// Create creates a knowledgebase.
func (h *KnowledgebaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKnowledgebaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.KnowledgeType == "" {
		req.KnowledgeType = domain.KnowledgeGraph
	}
	if !req.KnowledgeType.Valid() {
		Error(w, http.StatusBadRequest, "knowledge_type must be graph or vector")
		return
	}

	kb, err := h.backend.CreateKnowledgebase(r.Context(), req.Name, req.KnowledgeType, req.SessionID)
	if err != nil {
		UpstreamError(w, "create knowledgebase", err)
		return
	}
	JSON(w, http.StatusCreated, kb)
}

// Get returns a knowledgebase with its files.
func (h *KnowledgebaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	kb, err := h.backend.GetKnowledgebase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		UpstreamError(w, "get knowledgebase", err)
		return
	}
	JSON(w, http.StatusOK, kb)
}

type editKnowledgebaseRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Edit updates a knowledgebase's name and description.
func (h *KnowledgebaseHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req editKnowledgebaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.backend.EditKnowledgebase(r.Context(), id, strings.TrimSpace(req.Name), req.Description); err != nil {
		UpstreamError(w, "edit knowledgebase", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete removes a knowledgebase.
func (h *KnowledgebaseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.DeleteKnowledgebase(r.Context(), chi.URLParam(r, "id")); err != nil {
		UpstreamError(w, "delete knowledgebase", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Upload forwards a multipart file upload into a knowledgebase. The form
// carries knowledgebase_id, an optional JSON config and the file part.
func (h *KnowledgebaseHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Debug("Failed to remove multipart temp files", "error", err)
		}
	}()

	kbID := strings.TrimSpace(r.FormValue("knowledgebase_id"))
	if kbID == "" {
		Error(w, http.StatusBadRequest, "knowledgebase_id is required")
		return
	}

	cfg := upstream.UploadConfig{}
	if raw := strings.TrimSpace(r.FormValue("config")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			Error(w, http.StatusBadRequest, "config must be a JSON object")
			return
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	uploaded, err := h.backend.UploadFile(r.Context(), kbID, header.Filename, file, cfg)
	if err != nil {
		UpstreamError(w, "upload file", err)
		return
	}
	slog.Info("File uploaded", "knowledgebase_id", kbID, "file", header.Filename, "size", header.Size)
	JSON(w, http.StatusCreated, uploaded)
}

// DeleteFile removes an uploaded file.
func (h *KnowledgebaseHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.DeleteFile(r.Context(), chi.URLParam(r, "id")); err != nil {
		UpstreamError(w, "delete file", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
