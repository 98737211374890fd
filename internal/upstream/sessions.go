package upstream

import (
	"context"
	"net/http"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
)

// ListSessions returns all sessions known to the backend.
func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var vos []SessionVO
	if err := c.doJSON(ctx, "list sessions", http.MethodGet, c.endpoint("sessions")+"/", nil, &vos); err != nil {
		return nil, err
	}
	sessions := make([]domain.Session, 0, len(vos))
	for _, vo := range vos {
		sessions = append(sessions, vo.Domain())
	}
	return sessions, nil
}

// CreateSession creates a session with the given display name.
func (c *Client) CreateSession(ctx context.Context, name string) (*domain.Session, error) {
	var vo SessionVO
	body := map[string]string{"name": name}
	if err := c.doJSON(ctx, "create session", http.MethodPost, c.endpoint("sessions")+"/", body, &vo); err != nil {
		return nil, err
	}
	s := vo.Domain()
	return &s, nil
}

// GetSession fetches one session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var vo SessionVO
	if err := c.doJSON(ctx, "get session", http.MethodGet, c.endpoint("sessions", sessionID), nil, &vo); err != nil {
		return nil, err
	}
	s := vo.Domain()
	return &s, nil
}

// RenameSession updates a session's display name.
func (c *Client) RenameSession(ctx context.Context, sessionID, name string) (*domain.Session, error) {
	var vo SessionVO
	body := map[string]string{"name": name}
	if err := c.doJSON(ctx, "rename session", http.MethodPut, c.endpoint("sessions", sessionID), body, &vo); err != nil {
		return nil, err
	}
	if vo.ID == "" {
		vo.ID = sessionID
		vo.Name = name
	}
	s := vo.Domain()
	return &s, nil
}

// DeleteSession removes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, "delete session", http.MethodDelete, c.endpoint("sessions", sessionID), nil, nil)
}

// ListConversation returns the job results of a session, oldest first.
func (c *Client) ListConversation(ctx context.Context, sessionID string) ([]JobResult, error) {
	var results []JobResult
	if err := c.doJSON(ctx, "list messages", http.MethodGet, c.endpoint("sessions", sessionID, "messages"), nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Chat submits a user message to a session and returns the job answering it.
func (c *Client) Chat(ctx context.Context, sessionID string, req ChatRequest) (*ChatResponse, error) {
	if req.InstructionMessage.MessageType == "" {
		req.InstructionMessage.MessageType = "TEXT"
	}
	req.InstructionMessage.SessionID = sessionID
	if req.AttachedMessages == nil {
		req.AttachedMessages = []ChatMessage{}
	}
	for i := range req.AttachedMessages {
		req.AttachedMessages[i].SessionID = sessionID
	}

	var resp ChatResponse
	if err := c.doJSON(ctx, "chat", http.MethodPost, c.endpoint("sessions", sessionID, "chat"), req, &resp); err != nil {
		return nil, err
	}
	if resp.Job() == "" {
		return nil, &Error{Op: "chat", Message: "response carried no job id"}
	}
	return &resp, nil
}
