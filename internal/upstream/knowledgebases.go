package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
)

// ListKnowledgebases returns all knowledgebases.
func (c *Client) ListKnowledgebases(ctx context.Context) ([]domain.Knowledgebase, error) {
	var kbs []domain.Knowledgebase
	if err := c.doJSON(ctx, "list knowledgebases", http.MethodGet, c.endpoint("knowledgebases")+"/", nil, &kbs); err != nil {
		return nil, err
	}
	return kbs, nil
}

// CreateKnowledgebase creates a knowledgebase bound to a session.
func (c *Client) CreateKnowledgebase(ctx context.Context, name string, kind domain.KnowledgeType, sessionID string) (*domain.Knowledgebase, error) {
	body := map[string]string{
		"name":           name,
		"knowledge_type": string(kind),
		"session_id":     sessionID,
	}
	var kb domain.Knowledgebase
	if err := c.doJSON(ctx, "create knowledgebase", http.MethodPost, c.endpoint("knowledgebases")+"/", body, &kb); err != nil {
		return nil, err
	}
	return &kb, nil
}

// GetKnowledgebase fetches one knowledgebase with its files.
func (c *Client) GetKnowledgebase(ctx context.Context, id string) (*domain.Knowledgebase, error) {
	var kb domain.Knowledgebase
	if err := c.doJSON(ctx, "get knowledgebase", http.MethodGet, c.endpoint("knowledgebases", id), nil, &kb); err != nil {
		return nil, err
	}
	return &kb, nil
}

// EditKnowledgebase updates name and description.
func (c *Client) EditKnowledgebase(ctx context.Context, id, name, description string) error {
	body := map[string]string{"name": name, "description": description}
	return c.doJSON(ctx, "edit knowledgebase", http.MethodPut, c.endpoint("knowledgebases", id), body, nil)
}

// DeleteKnowledgebase removes a knowledgebase.
func (c *Client) DeleteKnowledgebase(ctx context.Context, id string) error {
	return c.doJSON(ctx, "delete knowledgebase", http.MethodDelete, c.endpoint("knowledgebases", id), nil, nil)
}

// UploadFile streams a file into a knowledgebase together with its JSON configuration.
func (c *Client) UploadFile(ctx context.Context, knowledgebaseID, filename string, content io.Reader, cfg UploadConfig) (*domain.File, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("knowledgebase_id", knowledgebaseID); err != nil {
		return nil, fmt.Errorf("write knowledgebase_id field: %w", err)
	}
	if cfg == nil {
		cfg = UploadConfig{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode upload config: %w", err)
	}
	if err := mw.WriteField("config", string(cfgJSON)); err != nil {
		return nil, fmt.Errorf("write config field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("copy file content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	var file domain.File
	if err := c.do(ctx, "upload file", http.MethodPost, c.endpoint("files", "upload"), &buf, mw.FormDataContentType(), &file); err != nil {
		return nil, err
	}
	if file.Name == "" {
		file.Name = filename
	}
	return &file, nil
}

// DeleteFile removes an uploaded file.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	return c.doJSON(ctx, "delete file", http.MethodDelete, c.endpoint("files", "delete", fileID), nil, nil)
}
