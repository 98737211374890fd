// Package tracker follows the active job of every connected client, merges
// its thinking steps as they arrive and fans the result out to subscribers.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
	"github.com/ashureev/chat2graph-gateway/internal/metrics"
	"github.com/ashureev/chat2graph-gateway/internal/poller"
	"github.com/ashureev/chat2graph-gateway/internal/thinking"
	"github.com/ashureev/chat2graph-gateway/internal/transcript"
)

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("tracker closed")

const (
	subscriberBuffer = 32
	persistTimeout   = 5 * time.Second
)

// EventType names what changed for a client.
type EventType string

const (
	// EventStarted is published when a new job is being watched.
	EventStarted EventType = "started"
	// EventThinking carries the merged steps after a non-terminal poll.
	EventThinking EventType = "thinking"
	// EventDone carries the final answer of a FINISHED job.
	EventDone EventType = "done"
	// EventFailed is published when a job ends FAILED or STOPPED, or polling gives up.
	EventFailed EventType = "failed"
)

// Event is one update pushed to a client.
type Event struct {
	Type      EventType             `json:"type"`
	SessionID string                `json:"session_id"`
	JobID     string                `json:"job_id"`
	Status    domain.JobStatus      `json:"status"`
	Progress  int                   `json:"progress"`
	Thinking  []domain.ThinkingStep `json:"thinking"`
	Message   *domain.Message       `json:"message,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// Poller starts background poll loops.
type Poller interface {
	Start(ctx context.Context, jobID string, onDone func(poller.Outcome), opts ...poller.StartOption) *poller.Handle
}

// MessageStore persists finished messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *domain.Message) error
}

type watch struct {
	clientID  string
	sessionID string
	jobID     string
	handle    *poller.Handle
	status    domain.JobStatus
	thinking  []domain.ThinkingStep
	final     *domain.Message
	errText   string
}

func (w *watch) running() bool {
	return w.handle != nil && !w.status.IsTerminal()
}

func (w *watch) event(t EventType) Event {
	ev := Event{
		Type:      t,
		SessionID: w.sessionID,
		JobID:     w.jobID,
		Status:    w.status,
		Progress:  thinking.Progress(w.status, w.thinking),
		Thinking:  w.thinking,
		Error:     w.errText,
	}
	if w.final != nil {
		msg := *w.final
		ev.Message = &msg
	}
	if ev.Thinking == nil {
		ev.Thinking = []domain.ThinkingStep{}
	}
	return ev
}

// Tracker is safe for concurrent use.
type Tracker struct {
	poller     Poller
	store      MessageStore
	transcript transcript.Logger
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	watches map[string]*watch
	subs    map[string]map[uint64]chan Event
	nextSub uint64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore persists every finished message.
func WithStore(s MessageStore) Option {
	return func(t *Tracker) { t.store = s }
}

// WithTranscript logs every finished job.
func WithTranscript(l transcript.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.transcript = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a Tracker that polls through p.
func New(p Poller, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		poller:     p,
		transcript: transcript.Noop(),
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		watches:    make(map[string]*watch),
		subs:       make(map[string]map[uint64]chan Event),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Watch makes jobID the active job of clientID. A previous poll for the
// client is cancelled and its thinking list discarded. Watching the job that
// is already being polled is a no-op.
func (t *Tracker) Watch(clientID, sessionID, jobID string) error {
	if clientID == "" || jobID == "" {
		return errors.New("watch: client id and job id are required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	if prev, ok := t.watches[clientID]; ok {
		if prev.jobID == jobID && prev.running() {
			return nil
		}
		if prev.handle != nil {
			prev.handle.Cancel()
		}
	}

	w := &watch{
		clientID:  clientID,
		sessionID: sessionID,
		jobID:     jobID,
		status:    domain.JobPending,
	}
	t.watches[clientID] = w
	w.handle = t.poller.Start(t.ctx, jobID,
		func(out poller.Outcome) { t.finish(w, out) },
		poller.WithUpdates(func(u poller.Update) { t.update(w, u) }),
	)

	t.logger.Info("Watching job",
		"client_id", clientID,
		"session_id", sessionID,
		"job_id", jobID)
	t.publishLocked(clientID, w.event(EventStarted))
	return nil
}

// Unwatch stops following the client's active job. It reports whether
// there was one.
func (t *Tracker) Unwatch(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.watches[clientID]
	if !ok {
		return false
	}
	delete(t.watches, clientID)
	if w.handle != nil {
		w.handle.Cancel()
	}
	return true
}

// Snapshot returns the latest state of the client's job.
func (t *Tracker) Snapshot(clientID string) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.watches[clientID]
	if !ok {
		return Event{}, false
	}
	switch {
	case w.final != nil && w.status == domain.JobFinished:
		return w.event(EventDone), true
	case w.status.IsTerminal():
		return w.event(EventFailed), true
	default:
		return w.event(EventThinking), true
	}
}

// Subscribe returns a channel receiving the client's events and a function
// that ends the subscription. Slow subscribers lose events rather than block
// polling.
func (t *Tracker) Subscribe(clientID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	t.nextSub++
	id := t.nextSub
	if t.subs[clientID] == nil {
		t.subs[clientID] = make(map[uint64]chan Event)
	}
	t.subs[clientID][id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			subs, ok := t.subs[clientID]
			if !ok {
				return
			}
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(t.subs, clientID)
			}
		})
	}
}

// Close cancels every poll, waits for the loops to exit and closes all
// subscriber channels.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	handles := make([]*poller.Handle, 0, len(t.watches))
	for _, w := range t.watches {
		if w.handle != nil {
			handles = append(handles, w.handle)
		}
	}
	t.mu.Unlock()

	t.cancel()
	for _, h := range handles {
		<-h.Done()
	}

	t.mu.Lock()
	for clientID, subs := range t.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(t.subs, clientID)
	}
	t.watches = make(map[string]*watch)
	t.mu.Unlock()
}

func (t *Tracker) update(w *watch, u poller.Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.activeLocked(w) {
		return
	}
	w.thinking = thinking.Merge(w.thinking, u.Message.Thinking)
	w.status = u.Message.Status
	t.publishLocked(w.clientID, w.event(EventThinking))
}

func (t *Tracker) finish(w *watch, out poller.Outcome) {
	t.mu.Lock()
	if !t.activeLocked(w) {
		t.mu.Unlock()
		t.logger.Debug("Discarding result of replaced job",
			"client_id", w.clientID,
			"job_id", out.JobID)
		return
	}

	msg := out.Message
	w.thinking = thinking.Merge(w.thinking, msg.Thinking)
	msg.Thinking = w.thinking
	if msg.SessionID == "" {
		msg.SessionID = w.sessionID
	}
	if msg.JobID == "" {
		msg.JobID = w.jobID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	w.status = msg.Status
	w.final = &msg
	if out.Err != nil {
		w.errText = out.Err.Error()
	}

	evType := EventDone
	if out.Failed() {
		evType = EventFailed
	}
	t.publishLocked(w.clientID, w.event(evType))
	t.mu.Unlock()

	t.persist(w.clientID, msg, out)
}

func (t *Tracker) persist(clientID string, msg domain.Message, out poller.Outcome) {
	if t.store != nil && msg.SessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := t.store.SaveMessage(ctx, &msg); err != nil {
			t.logger.Warn("Failed to cache finished message",
				"error", err,
				"session_id", msg.SessionID,
				"job_id", msg.JobID)
		}
		cancel()
	}

	entry := transcript.Entry{
		ClientID:  clientID,
		SessionID: msg.SessionID,
		JobID:     msg.JobID,
		Status:    msg.Status.String(),
		Payload:   msg.Payload,
		Steps:     len(msg.Thinking),
		Polls:     out.Polls,
		ElapsedMS: out.Elapsed.Milliseconds(),
	}
	if out.Err != nil {
		entry.Error = out.Err.Error()
	}
	t.transcript.Log(entry)
}

// activeLocked reports whether w is still the client's current watch.
func (t *Tracker) activeLocked(w *watch) bool {
	return !t.closed && t.watches[w.clientID] == w
}

func (t *Tracker) publishLocked(clientID string, ev Event) {
	metrics.TrackerEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	for _, ch := range t.subs[clientID] {
		select {
		case ch <- ev:
		default:
			metrics.DroppedEventsTotal.Inc()
			t.logger.Warn("Subscriber too slow, dropping event",
				"client_id", clientID,
				"type", ev.Type,
				"job_id", ev.JobID)
		}
	}
}
