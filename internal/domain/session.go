package domain

import (
	"time"
)

// Session is a conversation thread. Messages are ordered oldest first.
type Session struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	LatestJobID     string    `json:"latest_job_id,omitempty"`
	KnowledgebaseID string    `json:"knowledgebase_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasPendingJob returns true if the session references a job that may still be running.
func (s *Session) HasPendingJob() bool {
	return s.LatestJobID != ""
}
