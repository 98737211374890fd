package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
	"github.com/ashureev/chat2graph-gateway/internal/upstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type response struct {
	res *upstream.JobResult
	err error
}

type scriptedFetcher struct {
	mu        sync.Mutex
	responses []response
	calls     []string
}

func (f *scriptedFetcher) GetJobResult(_ context.Context, jobID string) (*upstream.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	if len(f.responses) == 0 {
		return &upstream.JobResult{Status: "RUNNING"}, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.res, r.err
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func status(s string) response {
	return response{res: &upstream.JobResult{Status: s}}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// tick releases the next armed timer and fires it.
func tick(ctx context.Context, t *testing.T, mClock *quartz.Mock, trap *quartz.Trap, d time.Duration) {
	t.Helper()
	trap.MustWait(ctx).MustRelease(ctx)
	next, ok := mClock.Peek()
	require.True(t, ok, "expected an armed timer")
	require.Equal(t, d, next)
	mClock.Advance(d).MustWait(ctx)
}

func requireNoOutcome(t *testing.T, outcomes <-chan Outcome) {
	t.Helper()
	select {
	case o := <-outcomes:
		t.Fatalf("unexpected outcome: %+v", o)
	default:
	}
}

func waitOutcome(ctx context.Context, t *testing.T, outcomes <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-outcomes:
		return o
	case <-ctx.Done():
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func TestRunningThenFinished(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("poller", "wait")
	defer trap.Close()

	f := &scriptedFetcher{responses: []response{
		status("RUNNING"),
		{res: &upstream.JobResult{
			Status: "FINISHED",
			Answer: &upstream.Answer{Message: &upstream.WireMessage{Role: "system", Message: "the answer"}},
		}},
	}}
	s := New(f, WithClock(mClock))

	outcomes := make(chan Outcome, 2)
	h := s.Start(ctx, "job-1", func(o Outcome) { outcomes <- o })
	defer h.Cancel()

	tick(ctx, t, mClock, trap, DefaultInterval)
	// The RUNNING response schedules another fetch and delivers nothing.
	trap.MustWait(ctx).MustRelease(ctx)
	requireNoOutcome(t, outcomes)
	require.Equal(t, 1, f.callCount())

	mClock.Advance(DefaultInterval).MustWait(ctx)
	o := waitOutcome(ctx, t, outcomes)
	require.NoError(t, o.Err)
	require.False(t, o.Failed())
	require.Equal(t, "job-1", o.JobID)
	require.Equal(t, "job-1", o.Message.JobID)
	require.Equal(t, "the answer", o.Message.Payload)
	require.Equal(t, domain.JobFinished, o.Message.Status)
	require.Equal(t, 2, o.Polls)

	require.NoError(t, h.Wait(ctx))
	requireNoOutcome(t, outcomes)
	require.Equal(t, 2, f.callCount())
}

func TestTerminalStatusesStopPolling(t *testing.T) {
	for _, st := range []string{"FAILED", "STOPPED"} {
		t.Run(st, func(t *testing.T) {
			ctx := testContext(t)
			mClock := quartz.NewMock(t)
			trap := mClock.Trap().NewTimer("poller", "wait")
			defer trap.Close()

			f := &scriptedFetcher{responses: []response{status("PENDING"), status(st)}}
			outcomes := make(chan Outcome, 2)
			h := New(f, WithClock(mClock)).Start(ctx, "job-2", func(o Outcome) { outcomes <- o })

			tick(ctx, t, mClock, trap, DefaultInterval)
			tick(ctx, t, mClock, trap, DefaultInterval)

			o := waitOutcome(ctx, t, outcomes)
			require.NoError(t, o.Err)
			require.True(t, o.Failed())
			require.Equal(t, domain.JobStatus(st), o.Message.Status)
			require.NoError(t, h.Wait(ctx))
		})
	}
}

func TestUpdatesCarryIntermediateThinking(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("poller", "wait")
	defer trap.Close()

	running := &upstream.JobResult{
		Status: "RUNNING",
		Answer: &upstream.Answer{Thinking: []upstream.ThinkingEntry{{
			Message: &upstream.WireMessage{JobID: "a", JobGoal: "g1", AgentResult: "partial"},
			Metrics: &upstream.Metrics{Status: "RUNNING"},
		}}},
	}
	f := &scriptedFetcher{responses: []response{{res: running}, status("FINISHED")}}

	updates := make(chan Update, 2)
	outcomes := make(chan Outcome, 1)
	h := New(f, WithClock(mClock)).Start(ctx, "job-3",
		func(o Outcome) { outcomes <- o },
		WithUpdates(func(u Update) { updates <- u }),
	)

	tick(ctx, t, mClock, trap, DefaultInterval)
	tick(ctx, t, mClock, trap, DefaultInterval)
	waitOutcome(ctx, t, outcomes)
	require.NoError(t, h.Wait(ctx))

	require.Len(t, updates, 1)
	u := <-updates
	require.Equal(t, 1, u.Poll)
	require.Len(t, u.Message.Thinking, 1)
	require.Equal(t, "g1", u.Message.Thinking[0].Goal)
	require.Empty(t, u.Message.Thinking[0].Payload)
}

func TestFatalErrorEndsPolling(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("poller", "wait")
	defer trap.Close()

	fatal := &upstream.Error{Op: "get job result", StatusCode: 400, Message: "job not found"}
	f := &scriptedFetcher{responses: []response{{err: fatal}}}
	outcomes := make(chan Outcome, 1)
	h := New(f, WithClock(mClock)).Start(ctx, "job-4", func(o Outcome) { outcomes <- o })

	tick(ctx, t, mClock, trap, DefaultInterval)
	o := waitOutcome(ctx, t, outcomes)
	require.ErrorIs(t, o.Err, fatal)
	require.Equal(t, domain.JobFailed, o.Message.Status)
	require.NoError(t, h.Wait(ctx))
	require.Equal(t, 1, f.callCount())
}

func TestMalformedResultEndsPolling(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("poller", "wait")
	defer trap.Close()

	f := &scriptedFetcher{responses: []response{status("BOGUS")}}
	outcomes := make(chan Outcome, 1)
	h := New(f, WithClock(mClock)).Start(ctx, "job-5", func(o Outcome) { outcomes <- o })

	tick(ctx, t, mClock, trap, DefaultInterval)
	o := waitOutcome(ctx, t, outcomes)
	require.Error(t, o.Err)
	require.True(t, o.Failed())
	require.NoError(t, h.Wait(ctx))
}

func TestTransientErrorsAreRetriedThenFail(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("poller", "wait")
	defer trap.Close()

	transient := &upstream.Error{Op: "get job result", Retryable: true, Err: errors.New("connection refused")}
	f := &scriptedFetcher{responses: []response{
		{err: transient},
		status("RUNNING"),
		{err: transient},
		{err: transient},
	}}
	outcomes := make(chan Outcome, 1)
	h := New(f, WithClock(mClock), WithMaxConsecutiveErrors(2)).
		Start(ctx, "job-6", func(o Outcome) { outcomes <- o })

	for i := 0; i < 3; i++ {
		tick(ctx, t, mClock, trap, DefaultInterval)
	}
	trap.MustWait(ctx).MustRelease(ctx)
	requireNoOutcome(t, outcomes)
	mClock.Advance(DefaultInterval).MustWait(ctx)

	o := waitOutcome(ctx, t, outcomes)
	require.ErrorIs(t, o.Err, transient)
	require.Equal(t, 4, o.Polls)
	require.NoError(t, h.Wait(ctx))
}

func TestMaxWaitTimesOut(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("poller", "wait")
	defer trap.Close()

	f := &scriptedFetcher{}
	outcomes := make(chan Outcome, 1)
	h := New(f, WithClock(mClock), WithMaxWait(2*time.Second)).
		Start(ctx, "job-7", func(o Outcome) { outcomes <- o })

	for i := 0; i < 4; i++ {
		tick(ctx, t, mClock, trap, DefaultInterval)
	}

	o := waitOutcome(ctx, t, outcomes)
	require.ErrorIs(t, o.Err, ErrPollTimeout)
	require.Equal(t, domain.JobFailed, o.Message.Status)
	require.Equal(t, 4, o.Polls)
	require.NoError(t, h.Wait(ctx))
}

func TestBackoffGrowsInterval(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("poller", "wait")
	defer trap.Close()

	f := &scriptedFetcher{responses: []response{status("RUNNING"), status("RUNNING"), status("RUNNING"), status("FINISHED")}}
	outcomes := make(chan Outcome, 1)
	h := New(f, WithClock(mClock), WithBackoff(2, 1500*time.Millisecond)).
		Start(ctx, "job-8", func(o Outcome) { outcomes <- o })

	tick(ctx, t, mClock, trap, 500*time.Millisecond)
	tick(ctx, t, mClock, trap, time.Second)
	tick(ctx, t, mClock, trap, 1500*time.Millisecond)
	tick(ctx, t, mClock, trap, 1500*time.Millisecond)

	o := waitOutcome(ctx, t, outcomes)
	require.NoError(t, o.Err)
	require.NoError(t, h.Wait(ctx))
}

func TestCancelBeforeFetch(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("poller", "wait")
	defer trap.Close()

	f := &scriptedFetcher{}
	var delivered atomic.Bool
	h := New(f, WithClock(mClock)).Start(ctx, "job-9", func(Outcome) { delivered.Store(true) })
	trap.MustWait(ctx).MustRelease(ctx)

	h.Cancel()
	require.NoError(t, h.Wait(ctx))
	require.Zero(t, f.callCount())
	require.False(t, delivered.Load())
	h.Cancel()
}

func TestCancelDuringFetch(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("poller", "wait")
	defer trap.Close()

	started := make(chan struct{})
	fetch := FetchFunc(func(ctx context.Context, _ string) (*upstream.JobResult, error) {
		close(started)
		<-ctx.Done()
		return nil, &upstream.Error{Op: "get job result", Retryable: true, Err: ctx.Err()}
	})
	var delivered atomic.Bool
	h := New(fetch, WithClock(mClock)).Start(ctx, "job-10", func(Outcome) { delivered.Store(true) })

	tick(ctx, t, mClock, trap, DefaultInterval)
	<-started
	h.Cancel()
	require.NoError(t, h.Wait(ctx))
	require.False(t, delivered.Load())
}

func TestParentContextCancels(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("poller", "wait")
	defer trap.Close()

	parent, cancel := context.WithCancel(ctx)
	var delivered atomic.Bool
	h := New(&scriptedFetcher{}, WithClock(mClock)).Start(parent, "job-11", func(Outcome) { delivered.Store(true) })
	trap.MustWait(ctx).MustRelease(ctx)

	cancel()
	require.NoError(t, h.Wait(ctx))
	require.False(t, delivered.Load())
	require.Equal(t, "job-11", h.JobID())
}

type countingObserver struct {
	mu      sync.Mutex
	started int
	fetches int
	results []string
}

func (c *countingObserver) PollingStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
}

func (c *countingObserver) FetchCompleted(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
}

func (c *countingObserver) PollingEnded(result string, _ int, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

func TestObserverSeesLifecycle(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("poller", "wait")
	defer trap.Close()

	obs := &countingObserver{}
	f := &scriptedFetcher{responses: []response{status("FINISHED")}}
	h := New(f, WithClock(mClock), WithObserver(obs)).Start(ctx, "job-12", nil)

	tick(ctx, t, mClock, trap, DefaultInterval)
	require.NoError(t, h.Wait(ctx))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, 1, obs.started)
	require.Equal(t, 1, obs.fetches)
	require.Equal(t, []string{resultFinished}, obs.results)
}
