// Package transcript writes completed conversation turns as NDJSON files.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Config controls where transcripts are written.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Entry is one completed job as written to a transcript file.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	ClientID  string    `json:"client_id,omitempty"`
	SessionID string    `json:"session_id"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Payload   string    `json:"payload,omitempty"`
	Steps     int       `json:"steps"`
	Polls     int       `json:"polls"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Error     string    `json:"error,omitempty"`
}

// Logger accepts transcript entries. Log must not block.
type Logger interface {
	Log(entry Entry)
	Close() error
}

type noopLogger struct{}

func (noopLogger) Log(Entry) {}

func (noopLogger) Close() error { return nil }

// Noop returns a Logger that discards everything.
func Noop() Logger { return noopLogger{} }

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

type fileLogger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Entry
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once

	// owned by the writer goroutine
	files  map[string]*os.File
	global *os.File
}

// New returns a Logger writing {Dir}/{session_id}.ndjson files, plus
// GlobalPath when GlobalEnabled. A disabled config yields a no-op logger.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	l := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Entry, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}

	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global transcript directory: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open global transcript: %w", err)
		}
		l.global = f
	}

	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log queues entry. When the queue is full the entry is dropped.
func (l *fileLogger) Log(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.queue <- entry:
	default:
		l.logger.Warn("Transcript queue full, dropping entry",
			"session_id", entry.SessionID,
			"job_id", entry.JobID)
	}
}

func (l *fileLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.queue:
			l.write(entry)
		case <-l.done:
			// flush what was queued before Close
			for {
				select {
				case entry := <-l.queue:
					l.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *fileLogger) write(entry Entry) {
	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("Failed to encode transcript entry", "error", err, "job_id", entry.JobID)
		return
	}
	line = append(line, '\n')

	f, err := l.sessionFile(entry.SessionID)
	if err != nil {
		l.logger.Error("Failed to open transcript file", "error", err, "session_id", entry.SessionID)
	} else if _, err := f.Write(line); err != nil {
		l.logger.Error("Failed to write transcript entry", "error", err, "session_id", entry.SessionID)
	}

	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.logger.Error("Failed to write global transcript entry", "error", err)
		}
	}
}

func (l *fileLogger) sessionFile(sessionID string) (*os.File, error) {
	name := unsafeNameChars.ReplaceAllString(sessionID, "_")
	if name == "" || name == "." || name == ".." {
		name = "unknown"
	}
	if f, ok := l.files[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, name+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[name] = f
	return f, nil
}

// Close flushes queued entries and closes all files.
func (l *fileLogger) Close() error {
	var errs []error
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		for name, f := range l.files {
			if err := f.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transcript %s: %w", name, err))
			}
		}
		if l.global != nil {
			if err := l.global.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close global transcript: %w", err))
			}
		}
	})
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
