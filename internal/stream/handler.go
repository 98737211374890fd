package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/chat2graph-gateway/internal/identity"
	"github.com/ashureev/chat2graph-gateway/internal/tracker"
)

const writeTimeout = 10 * time.Second

// Tracker is the part of tracker.Tracker the stream needs.
type Tracker interface {
	Watch(clientID, sessionID, jobID string) error
	Unwatch(clientID string) bool
	Snapshot(clientID string) (tracker.Event, bool)
	Subscribe(clientID string) (<-chan tracker.Event, func())
}

// Handler serves the thinking stream websocket.
type Handler struct {
	tracker        Tracker
	registry       *Registry
	allowedOrigins []string
	isDev          bool
}

// NewHandler creates a new stream handler.
func NewHandler(t Tracker, registry *Registry, allowedOrigins []string, isDev bool) *Handler {
	return &Handler{
		tracker:        t,
		registry:       registry,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

// clientFrame is a message sent by the browser.
type clientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

type serverFrame struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := identity.WatcherKey(r.Context())
	slog.Info("Stream connection request", "watcher", key, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "watcher", key)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "watcher", key)
		}
	}()

	h.registry.Register(key, ws)
	defer h.registry.Unregister(key, ws)

	events, unsubscribe := h.tracker.Subscribe(key)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if snap, ok := h.tracker.Snapshot(key); ok {
		if err := writeJSON(ctx, ws, snap); err != nil {
			slog.Debug("Failed to send snapshot", "error", err, "watcher", key)
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: browser -> tracker.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, key)
	}()

	// Output loop: tracker -> browser.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, events, key)
	}()

	wg.Wait()
	slog.Info("Stream connection ended", "watcher", key)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, key string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "watcher", key)
			} else {
				slog.Warn("WebSocket read error", "error", err, "watcher", key)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.reply(ctx, ws, serverFrame{Type: "error", Error: "invalid frame"})
			continue
		}

		switch frame.Type {
		case "watch":
			if err := h.tracker.Watch(key, frame.SessionID, frame.JobID); err != nil {
				h.reply(ctx, ws, serverFrame{Type: "error", Error: err.Error()})
			}
		case "unwatch":
			h.tracker.Unwatch(key)
			h.reply(ctx, ws, serverFrame{Type: "unwatched"})
		case "ping":
			h.reply(ctx, ws, serverFrame{Type: "pong"})
		default:
			h.reply(ctx, ws, serverFrame{Type: "error", Error: "unknown frame type"})
		}
	}
}

func (h *Handler) outputLoop(ctx context.Context, ws *websocket.Conn, events <-chan tracker.Event, key string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				slog.Debug("Event stream closed", "watcher", key)
				return
			}
			if err := writeJSON(ctx, ws, ev); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err, "watcher", key)
				}
				return
			}
		}
	}
}

func (h *Handler) reply(ctx context.Context, ws *websocket.Conn, frame serverFrame) {
	if err := writeJSON(ctx, ws, frame); err != nil {
		slog.Debug("Failed to send reply", "type", frame.Type, "error", err)
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
