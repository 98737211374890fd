package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
)

// envelope is the {success, message, data} wrapper used by every backend route.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Timestamp accepts unix seconds, unix milliseconds, numeric strings and RFC 3339 strings.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
			return nil
		}
		if parsed, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
			t.Time = parsed
			return nil
		}
		b = []byte(s)
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", string(b), err)
	}
	// Values beyond year 33658 in seconds are milliseconds.
	if f > 1e12 {
		t.Time = time.UnixMilli(int64(f))
		return nil
	}
	sec := int64(f)
	t.Time = time.Unix(sec, int64((f-float64(sec))*1e9))
	return nil
}

// MarshalJSON implements json.Marshaler as unix seconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

// WireMessage is a message as serialized by the backend. Text messages carry
// their text in "message" (older builds used "payload"); agent messages carry
// the sub-job goal and result instead.
type WireMessage struct {
	ID                 string    `json:"id,omitempty"`
	SessionID          string    `json:"session_id,omitempty"`
	JobID              string    `json:"job_id,omitempty"`
	Role               string    `json:"role,omitempty"`
	Payload            string    `json:"payload,omitempty"`
	Message            string    `json:"message,omitempty"`
	MessageType        string    `json:"message_type,omitempty"`
	JobGoal            string    `json:"job_goal,omitempty"`
	AgentResult        string    `json:"agent_result,omitempty"`
	AssignedExpertName string    `json:"assigned_expert_name,omitempty"`
	Timestamp          Timestamp `json:"timestamp"`
}

// Text returns the message body regardless of which field the backend used.
func (m *WireMessage) Text() string {
	if m == nil {
		return ""
	}
	switch {
	case m.Payload != "":
		return m.Payload
	case m.Message != "":
		return m.Message
	default:
		return m.AgentResult
	}
}

// Metrics is the job-result summary attached to answers and thinking entries.
type Metrics struct {
	Status   string  `json:"status"`
	Duration float64 `json:"duration,omitempty"`
	Tokens   int     `json:"tokens,omitempty"`
}

// ThinkingEntry is one raw thinking-chain element of an answer.
type ThinkingEntry struct {
	Message *WireMessage `json:"message"`
	Metrics *Metrics     `json:"metrics"`
	// Status is set by builds that flatten metrics into the entry.
	Status string `json:"status,omitempty"`
}

// StatusText returns the entry status from whichever field carries it.
func (e ThinkingEntry) StatusText() string {
	if e.Metrics != nil && e.Metrics.Status != "" {
		return e.Metrics.Status
	}
	return e.Status
}

// Answer is the assistant side of a job result.
type Answer struct {
	Message  *WireMessage    `json:"message"`
	Metrics  *Metrics        `json:"metrics,omitempty"`
	Thinking []ThinkingEntry `json:"thinking"`
}

// Question is the user side of a job result.
type Question struct {
	Message *WireMessage `json:"message"`
}

// JobResult is the response of a single job status query.
type JobResult struct {
	Status   string    `json:"status,omitempty"`
	Question *Question `json:"question,omitempty"`
	Answer   *Answer   `json:"answer,omitempty"`
}

// StatusText returns the overall job status: the top-level field when present,
// otherwise the answer metrics.
func (r *JobResult) StatusText() string {
	if r.Status != "" {
		return r.Status
	}
	if r.Answer != nil && r.Answer.Metrics != nil {
		return r.Answer.Metrics.Status
	}
	return ""
}

// SessionVO is a session as returned by the backend.
type SessionVO struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CreatedAt       Timestamp `json:"created_at"`
	LegacyTimestamp Timestamp `json:"timestamp"`
	LatestJobID     string    `json:"latest_job_id,omitempty"`
	KnowledgebaseID string    `json:"knowledgebase_id,omitempty"`
}

// Domain converts the backend session into a domain.Session.
func (s SessionVO) Domain() domain.Session {
	created := s.CreatedAt.Time
	if created.IsZero() {
		created = s.LegacyTimestamp.Time
	}
	return domain.Session{
		ID:              s.ID,
		Name:            s.Name,
		LatestJobID:     s.LatestJobID,
		KnowledgebaseID: s.KnowledgebaseID,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

// ChatRequest is the body of POST /api/sessions/{id}/chat.
type ChatRequest struct {
	InstructionMessage ChatMessage   `json:"instruction_message"`
	AttachedMessages   []ChatMessage `json:"attached_messages"`
}

// ChatMessage is one message of a chat request.
type ChatMessage struct {
	Payload     string `json:"payload"`
	MessageType string `json:"message_type"`
	SessionID   string `json:"session_id,omitempty"`
	FileID      string `json:"file_id,omitempty"`
}

// ChatResponse carries the identifiers of the job created for a chat turn.
type ChatResponse struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
}

// Job returns the job id to poll. Older builds only return the message id.
func (c ChatResponse) Job() string {
	if c.JobID != "" {
		return c.JobID
	}
	return c.ID
}

// UploadConfig is the JSON configuration part of a file upload.
type UploadConfig map[string]any
