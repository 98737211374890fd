package domain

import "time"

// Role identifies who authored a message.
type Role string

const (
	// RoleUser marks a message typed by the user.
	RoleUser Role = "user"
	// RoleSystem marks a message produced by the assistant or one of its agents.
	RoleSystem Role = "system"
)

// ParseRole maps backend role names onto Role. Anything that is not the user is the system.
func ParseRole(s string) Role {
	switch s {
	case "user", "USER":
		return RoleUser
	default:
		return RoleSystem
	}
}

// Message is a unit of conversation. System messages carry the thinking steps
// produced while answering, in arrival order.
type Message struct {
	ID        string         `json:"id,omitempty"`
	JobID     string         `json:"job_id"`
	SessionID string         `json:"session_id,omitempty"`
	Role      Role           `json:"role"`
	Payload   string         `json:"payload"`
	Status    JobStatus      `json:"status"`
	Thinking  []ThinkingStep `json:"thinking,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
