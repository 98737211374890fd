// Package poller repeatedly queries a backend job until it reaches a terminal
// status and reports the transformed result once.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
	"github.com/ashureev/chat2graph-gateway/internal/thinking"
	"github.com/ashureev/chat2graph-gateway/internal/upstream"
)

const (
	// DefaultInterval is the delay before each fetch.
	DefaultInterval = 500 * time.Millisecond
	// DefaultMaxWait bounds how long a single job is polled.
	DefaultMaxWait = 10 * time.Minute
	// DefaultMaxConsecutiveErrors is how many transient fetch failures in a row are tolerated.
	DefaultMaxConsecutiveErrors = 5
)

// ErrPollTimeout is reported when a job does not finish within the maximum wait.
var ErrPollTimeout = errors.New("job polling timed out")

// Fetcher performs a single job status query.
type Fetcher interface {
	GetJobResult(ctx context.Context, jobID string) (*upstream.JobResult, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, jobID string) (*upstream.JobResult, error)

// GetJobResult implements Fetcher.
func (f FetchFunc) GetJobResult(ctx context.Context, jobID string) (*upstream.JobResult, error) {
	return f(ctx, jobID)
}

// Outcome is delivered exactly once when polling of a job ends on its own.
type Outcome struct {
	JobID string
	// Message is the transformed final result. On error its Status is FAILED
	// and it carries whatever was known from the last successful fetch.
	Message domain.Message
	Err     error
	Polls   int
	Elapsed time.Duration
}

// Failed reports whether the job did not finish successfully.
func (o Outcome) Failed() bool {
	return o.Err != nil || o.Message.Status != domain.JobFinished
}

// Update is an intermediate, non-terminal observation of a job.
type Update struct {
	JobID   string
	Message domain.Message
	Poll    int
}

// Scheduler starts poll loops. It is safe for concurrent use.
type Scheduler struct {
	fetch       Fetcher
	clock       quartz.Clock
	logger      *slog.Logger
	observer    Observer
	interval    time.Duration
	maxInterval time.Duration
	multiplier  float64
	maxWait     time.Duration
	maxErrors   int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock quartz.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithInterval sets the delay before each fetch.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBackoff grows the delay between non-terminal polls by multiplier, capped at maxInterval.
// A multiplier <= 1 keeps the interval fixed.
func WithBackoff(multiplier float64, maxInterval time.Duration) Option {
	return func(s *Scheduler) {
		s.multiplier = multiplier
		s.maxInterval = maxInterval
	}
}

// WithMaxWait bounds the total polling time of a job. Zero disables the bound.
func WithMaxWait(d time.Duration) Option {
	return func(s *Scheduler) { s.maxWait = d }
}

// WithMaxConsecutiveErrors sets how many transient failures in a row end polling.
func WithMaxConsecutiveErrors(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxErrors = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// New creates a Scheduler around fetch.
func New(fetch Fetcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		fetch:     fetch,
		clock:     quartz.NewReal(),
		logger:    slog.Default(),
		observer:  noopObserver{},
		interval:  DefaultInterval,
		maxWait:   DefaultMaxWait,
		maxErrors: DefaultMaxConsecutiveErrors,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartOption configures a single poll loop.
type StartOption func(*loop)

// WithUpdates registers a callback for every non-terminal result.
func WithUpdates(fn func(Update)) StartOption {
	return func(l *loop) { l.onUpdate = fn }
}

// Start polls jobID in the background and calls onDone once with the final
// outcome. Nothing is delivered if ctx is cancelled or the returned Handle is
// cancelled first.
func (s *Scheduler) Start(ctx context.Context, jobID string, onDone func(Outcome), opts ...StartOption) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l := &loop{
		s:      s,
		jobID:  jobID,
		onDone: onDone,
		logger: s.logger.With("job_id", jobID),
	}
	for _, opt := range opts {
		opt(l)
	}

	s.observer.PollingStarted()
	go func() {
		defer close(h.done)
		defer cancel()
		l.run(ctx)
	}()
	return h
}

// newDelays returns the sequence of waits before each fetch.
func (s *Scheduler) newDelays() func() time.Duration {
	if s.multiplier <= 1 {
		return func() time.Duration { return s.interval }
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.interval
	b.Multiplier = s.multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = s.maxInterval
	if b.MaxInterval < s.interval {
		b.MaxInterval = s.interval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return func() time.Duration {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return b.MaxInterval
		}
		return d
	}
}

type loop struct {
	s        *Scheduler
	jobID    string
	onDone   func(Outcome)
	onUpdate func(Update)
	logger   *slog.Logger
}

//nolint:gocognit // The poll loop keeps its terminal branches together.
func (l *loop) run(ctx context.Context) {
	s := l.s
	start := s.clock.Now()
	nextDelay := s.newDelays()
	polls := 0
	consecutiveErrs := 0
	var last domain.Message

	finish := func(msg domain.Message, err error) {
		if ctx.Err() != nil {
			s.observer.PollingEnded(resultCanceled, polls, s.clock.Now().Sub(start))
			return
		}
		if msg.JobID == "" {
			msg.JobID = l.jobID
		}
		if err != nil {
			msg.Status = domain.JobFailed
		}
		out := Outcome{
			JobID:   l.jobID,
			Message: msg,
			Err:     err,
			Polls:   polls,
			Elapsed: s.clock.Now().Sub(start),
		}
		s.observer.PollingEnded(outcomeResult(out), polls, out.Elapsed)
		l.logger.Info("Job polling finished",
			"status", msg.Status,
			"polls", polls,
			"elapsed", out.Elapsed,
			"error", err,
		)
		if l.onDone != nil {
			l.onDone(out)
		}
	}

	delay := nextDelay()
	for {
		timer := s.clock.NewTimer(delay, "poller", "wait")
		select {
		case <-ctx.Done():
			timer.Stop()
			s.observer.PollingEnded(resultCanceled, polls, s.clock.Now().Sub(start))
			l.logger.Debug("Job polling cancelled", "polls", polls)
			return
		case <-timer.C:
		}

		polls++
		res, err := s.fetch.GetJobResult(ctx, l.jobID)
		s.observer.FetchCompleted(err)
		if ctx.Err() != nil {
			s.observer.PollingEnded(resultCanceled, polls, s.clock.Now().Sub(start))
			return
		}

		if err != nil {
			consecutiveErrs++
			if !upstream.IsRetryable(err) {
				finish(last, fmt.Errorf("fetch job %s: %w", l.jobID, err))
				return
			}
			if consecutiveErrs >= s.maxErrors {
				finish(last, fmt.Errorf("fetch job %s: %d consecutive failures: %w", l.jobID, consecutiveErrs, err))
				return
			}
			l.logger.Warn("Transient job fetch failure, retrying", "attempt", consecutiveErrs, "error", err)
		} else {
			consecutiveErrs = 0
			msg, terr := thinking.Transform(res)
			if terr != nil {
				finish(last, fmt.Errorf("transform job %s: %w", l.jobID, terr))
				return
			}
			if msg.JobID == "" {
				msg.JobID = l.jobID
			}
			if msg.Status.IsTerminal() {
				finish(msg, nil)
				return
			}
			last = msg
			if l.onUpdate != nil {
				l.onUpdate(Update{JobID: l.jobID, Message: msg, Poll: polls})
			}
		}

		delay = nextDelay()
		if s.maxWait > 0 && s.clock.Now().Sub(start)+delay > s.maxWait {
			finish(last, fmt.Errorf("job %s after %s: %w", l.jobID, s.maxWait, ErrPollTimeout))
			return
		}
	}
}

// Handle owns one running poll loop.
type Handle struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// JobID returns the polled job.
func (h *Handle) JobID() string {
	return h.jobID
}

// Cancel stops the loop: the pending timer is abandoned and an in-flight
// fetch is cancelled through its context. Cancel does not wait; a callback that
// is already running may still complete. Safe to call more than once.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the loop exits or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
