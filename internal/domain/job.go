// Package domain contains core domain types for the chat gateway.
package domain

import (
	"fmt"
	"strings"
)

// JobStatus is the lifecycle state of a backend job or of one of its thinking steps.
type JobStatus string

const (
	// JobPending means the job was accepted but has not started.
	JobPending JobStatus = "PENDING"
	// JobRunning means an agent is working on the job.
	JobRunning JobStatus = "RUNNING"
	// JobFinished means the job produced its answer.
	JobFinished JobStatus = "FINISHED"
	// JobFailed means the job ended with an error.
	JobFailed JobStatus = "FAILED"
	// JobStopped means the job was stopped before completion.
	JobStopped JobStatus = "STOPPED"
)

// ParseJobStatus converts a wire status into a JobStatus.
// Matching is case-insensitive and CREATED is accepted as an alias of PENDING.
func ParseJobStatus(s string) (JobStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "CREATED":
		return JobPending, nil
	case "RUNNING":
		return JobRunning, nil
	case "FINISHED":
		return JobFinished, nil
	case "FAILED":
		return JobFailed, nil
	case "STOPPED":
		return JobStopped, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// IsTerminal reports whether no further state change can follow s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobFinished, JobFailed, JobStopped:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (s JobStatus) String() string {
	return string(s)
}
