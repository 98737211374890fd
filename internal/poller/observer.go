package poller

import (
	"errors"
	"time"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
)

const (
	resultFinished = "finished"
	resultFailed   = "failed"
	resultStopped  = "stopped"
	resultError    = "error"
	resultTimeout  = "timeout"
	resultCanceled = "canceled"
)

// Observer receives poll lifecycle events for metrics.
type Observer interface {
	PollingStarted()
	FetchCompleted(err error)
	PollingEnded(result string, polls int, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) PollingStarted() {}

func (noopObserver) FetchCompleted(error) {}

func (noopObserver) PollingEnded(string, int, time.Duration) {}

func outcomeResult(o Outcome) string {
	switch {
	case errors.Is(o.Err, ErrPollTimeout):
		return resultTimeout
	case o.Err != nil:
		return resultError
	case o.Message.Status == domain.JobFinished:
		return resultFinished
	case o.Message.Status == domain.JobStopped:
		return resultStopped
	default:
		return resultFailed
	}
}
