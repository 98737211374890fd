// Package thinking turns raw job results into display messages and reconciles
// successive thinking-step lists.
package thinking

import (
	"errors"
	"fmt"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
	"github.com/ashureev/chat2graph-gateway/internal/upstream"
)

// ErrMalformedResult is returned when a job result cannot be mapped.
var ErrMalformedResult = errors.New("malformed job result")

// Transform maps a raw job result to the assistant message it describes.
// Step payloads are only kept for FINISHED steps.
func Transform(res *upstream.JobResult) (domain.Message, error) {
	if res == nil {
		return domain.Message{}, fmt.Errorf("%w: nil result", ErrMalformedResult)
	}

	status, err := domain.ParseJobStatus(res.StatusText())
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}

	msg := domain.Message{
		Role:   domain.RoleSystem,
		Status: status,
	}
	if res.Answer == nil {
		return msg, nil
	}

	if wm := res.Answer.Message; wm != nil {
		msg.ID = wm.ID
		msg.JobID = wm.JobID
		msg.SessionID = wm.SessionID
		if wm.Role != "" {
			msg.Role = domain.ParseRole(wm.Role)
		}
		msg.Payload = wm.Text()
		msg.Timestamp = wm.Timestamp.Time
	}

	msg.Thinking = make([]domain.ThinkingStep, 0, len(res.Answer.Thinking))
	for i, entry := range res.Answer.Thinking {
		step, err := transformStep(entry)
		if err != nil {
			return domain.Message{}, fmt.Errorf("thinking entry %d: %w", i, err)
		}
		msg.Thinking = append(msg.Thinking, step)
	}
	return msg, nil
}

func transformStep(entry upstream.ThinkingEntry) (domain.ThinkingStep, error) {
	if entry.Message == nil || entry.Message.JobID == "" {
		return domain.ThinkingStep{}, fmt.Errorf("%w: thinking entry without job id", ErrMalformedResult)
	}
	// Sub-jobs that have not been scheduled yet report no status.
	status := domain.JobPending
	if text := entry.StatusText(); text != "" {
		parsed, err := domain.ParseJobStatus(text)
		if err != nil {
			return domain.ThinkingStep{}, fmt.Errorf("%w: %v", ErrMalformedResult, err)
		}
		status = parsed
	}

	step := domain.ThinkingStep{
		JobID:          entry.Message.JobID,
		Status:         status,
		Goal:           entry.Message.JobGoal,
		AssignedExpert: entry.Message.AssignedExpertName,
	}
	if status == domain.JobFinished {
		step.Payload = entry.Message.Text()
	}
	return step, nil
}

// Conversation converts a session's job results into alternating user and
// system messages, oldest first. Results that cannot be mapped are skipped
// and reported through the returned error.
func Conversation(results []upstream.JobResult) ([]domain.Message, error) {
	msgs := make([]domain.Message, 0, 2*len(results))
	var errs []error
	for i := range results {
		res := &results[i]
		if res.Question != nil && res.Question.Message != nil {
			q := res.Question.Message
			msgs = append(msgs, domain.Message{
				ID:        q.ID,
				JobID:     q.JobID,
				SessionID: q.SessionID,
				Role:      domain.RoleUser,
				Payload:   q.Text(),
				Status:    domain.JobFinished,
				Timestamp: q.Timestamp.Time,
			})
		}
		answer, err := Transform(res)
		if err != nil {
			errs = append(errs, fmt.Errorf("result %d: %w", i, err))
			continue
		}
		msgs = append(msgs, answer)
	}
	return msgs, errors.Join(errs...)
}
