package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
	"github.com/ashureev/chat2graph-gateway/internal/identity"
	"github.com/ashureev/chat2graph-gateway/internal/tracker"
)

const testClientID = "6f1c2a57-8f0e-4c1e-9a43-1f0f4c9b8d21"

type watchCall struct {
	key, sessionID, jobID string
}

type fakeTracker struct {
	mu        sync.Mutex
	watches   []watchCall
	unwatched []string
	snapshot  *tracker.Event
	events    chan tracker.Event
	subKey    chan string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		events: make(chan tracker.Event, 8),
		subKey: make(chan string, 1),
	}
}

func (f *fakeTracker) Watch(key, sessionID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobID == "" {
		return tracker.ErrClosed
	}
	f.watches = append(f.watches, watchCall{key, sessionID, jobID})
	return nil
}

func (f *fakeTracker) Unwatch(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unwatched = append(f.unwatched, key)
	return true
}

func (f *fakeTracker) Snapshot(string) (tracker.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshot == nil {
		return tracker.Event{}, false
	}
	return *f.snapshot, true
}

func (f *fakeTracker) Subscribe(key string) (<-chan tracker.Event, func()) {
	f.subKey <- key
	return f.events, func() {}
}

func (f *fakeTracker) watchCalls() []watchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]watchCall(nil), f.watches...)
}

func dial(ctx context.Context, t *testing.T, h http.Handler, tab string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(identity.Middleware(true)(h))
	t.Cleanup(srv.Close)

	header := http.Header{}
	header.Set("Cookie", identity.ClientCookieName+"="+testClientID)
	header.Set(identity.TabHeaderName, tab)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readFrame(ctx context.Context, t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func writeFrame(ctx context.Context, t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStreamPingPong(t *testing.T) {
	ctx := testContext(t)
	ft := newFakeTracker()
	conn := dial(ctx, t, NewHandler(ft, NewRegistry(), nil, true), "tab-1")

	writeFrame(ctx, t, conn, map[string]string{"type": "ping"})
	require.Equal(t, "pong", readFrame(ctx, t, conn)["type"])
}

func TestStreamWatchUsesTabKey(t *testing.T) {
	ctx := testContext(t)
	ft := newFakeTracker()
	conn := dial(ctx, t, NewHandler(ft, NewRegistry(), nil, true), "tab-1")

	require.Equal(t, testClientID+":tab-1", <-ft.subKey)

	writeFrame(ctx, t, conn, map[string]string{"type": "watch", "session_id": "s1", "job_id": "job-1"})
	// a ping after the watch guarantees the watch frame was handled
	writeFrame(ctx, t, conn, map[string]string{"type": "ping"})
	require.Equal(t, "pong", readFrame(ctx, t, conn)["type"])

	require.Equal(t, []watchCall{{testClientID + ":tab-1", "s1", "job-1"}}, ft.watchCalls())
}

func TestStreamWatchErrorIsReported(t *testing.T) {
	ctx := testContext(t)
	ft := newFakeTracker()
	conn := dial(ctx, t, NewHandler(ft, NewRegistry(), nil, true), "tab-1")

	writeFrame(ctx, t, conn, map[string]string{"type": "watch", "session_id": "s1"})
	frame := readFrame(ctx, t, conn)
	require.Equal(t, "error", frame["type"])
	require.Equal(t, tracker.ErrClosed.Error(), frame["error"])
}

func TestStreamForwardsEvents(t *testing.T) {
	ctx := testContext(t)
	ft := newFakeTracker()
	conn := dial(ctx, t, NewHandler(ft, NewRegistry(), nil, true), "tab-1")
	<-ft.subKey

	ft.events <- tracker.Event{
		Type:     tracker.EventThinking,
		JobID:    "job-1",
		Status:   domain.JobRunning,
		Progress: 50,
		Thinking: []domain.ThinkingStep{{JobID: "a", Status: domain.JobFinished, Payload: "x"}},
	}

	frame := readFrame(ctx, t, conn)
	require.Equal(t, "thinking", frame["type"])
	require.Equal(t, "job-1", frame["job_id"])
	require.EqualValues(t, 50, frame["progress"])
	require.Len(t, frame["thinking"], 1)
}

func TestStreamSendsSnapshotOnConnect(t *testing.T) {
	ctx := testContext(t)
	ft := newFakeTracker()
	ft.snapshot = &tracker.Event{Type: tracker.EventDone, JobID: "job-9", Status: domain.JobFinished, Progress: 100}
	conn := dial(ctx, t, NewHandler(ft, NewRegistry(), nil, true), "tab-1")

	frame := readFrame(ctx, t, conn)
	require.Equal(t, "done", frame["type"])
	require.Equal(t, "job-9", frame["job_id"])
}

func TestStreamUnwatchAndUnknownFrames(t *testing.T) {
	ctx := testContext(t)
	ft := newFakeTracker()
	conn := dial(ctx, t, NewHandler(ft, NewRegistry(), nil, true), "tab-1")

	writeFrame(ctx, t, conn, map[string]string{"type": "unwatch"})
	require.Equal(t, "unwatched", readFrame(ctx, t, conn)["type"])

	writeFrame(ctx, t, conn, map[string]string{"type": "resize"})
	require.Equal(t, "error", readFrame(ctx, t, conn)["type"])

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	require.Equal(t, "error", readFrame(ctx, t, conn)["type"])
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(newFakeTracker(), NewRegistry(), []string{"https://app.example.com"}, false)

	req := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	require.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example.com")
	require.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	require.False(t, h.checkOrigin(req))
}

func TestRegistryReplacesOlderConnection(t *testing.T) {
	ctx := testContext(t)
	reg := NewRegistry()
	ft := newFakeTracker()
	h := NewHandler(ft, reg, nil, true)

	first := dial(ctx, t, h, "tab-1")
	<-ft.subKey
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	second := dial(ctx, t, h, "tab-1")
	<-ft.subKey

	_, _, err := first.Read(ctx)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	writeFrame(ctx, t, second, map[string]string{"type": "ping"})
	require.Equal(t, "pong", readFrame(ctx, t, second)["type"])
	require.Equal(t, 1, reg.Len())
}
