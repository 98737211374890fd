//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ashureev/chat2graph-gateway/internal/domain"
	"github.com/ashureev/chat2graph-gateway/internal/upstream"
)

type uploadCall struct {
	kbID, filename, content string
	cfg                     upstream.UploadConfig
}

type fakeBackend struct {
	mu sync.Mutex

	err          error
	sessions     []domain.Session
	conversation []upstream.JobResult
	job          *upstream.JobResult
	chatJobID    string
	chats        []upstream.ChatRequest
	uploads      []uploadCall
	deleted      []string
}

func (f *fakeBackend) GetJobResult(_ context.Context, _ string) (*upstream.JobResult, error) {
	return f.job, f.err
}

func (f *fakeBackend) ListSessions(_ context.Context) ([]domain.Session, error) {
	return f.sessions, f.err
}

func (f *fakeBackend) CreateSession(_ context.Context, name string) (*domain.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Session{ID: "new-session", Name: name, CreatedAt: time.Unix(100, 0)}, nil
}

func (f *fakeBackend) GetSession(_ context.Context, id string) (*domain.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Session{ID: id, Name: "from upstream"}, nil
}

func (f *fakeBackend) RenameSession(_ context.Context, id, name string) (*domain.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Session{ID: id, Name: name}, nil
}

func (f *fakeBackend) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.err
}

func (f *fakeBackend) ListConversation(_ context.Context, _ string) ([]upstream.JobResult, error) {
	return f.conversation, f.err
}

func (f *fakeBackend) Chat(_ context.Context, _ string, req upstream.ChatRequest) (*upstream.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.chats = append(f.chats, req)
	return &upstream.ChatResponse{JobID: f.chatJobID}, nil
}

func (f *fakeBackend) ListKnowledgebases(_ context.Context) ([]domain.Knowledgebase, error) {
	return nil, f.err
}

func (f *fakeBackend) CreateKnowledgebase(_ context.Context, name string, kind domain.KnowledgeType, sessionID string) (*domain.Knowledgebase, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Knowledgebase{ID: "kb-1", Name: name, KnowledgeType: kind, SessionID: sessionID}, nil
}

func (f *fakeBackend) GetKnowledgebase(_ context.Context, id string) (*domain.Knowledgebase, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Knowledgebase{ID: id}, nil
}

func (f *fakeBackend) EditKnowledgebase(_ context.Context, _, _, _ string) error { return f.err }

func (f *fakeBackend) DeleteKnowledgebase(_ context.Context, _ string) error { return f.err }

func (f *fakeBackend) UploadFile(_ context.Context, kbID, filename string, content io.Reader, cfg upstream.UploadConfig) (*domain.File, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.uploads = append(f.uploads, uploadCall{kbID, filename, string(data), cfg})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &domain.File{FileID: "file-1", Name: filename, Size: int64(len(data))}, nil
}

func (f *fakeBackend) DeleteFile(_ context.Context, _ string) error { return f.err }

// fakeRepo is an in-memory store.Repository.
type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	messages []domain.Message
	synced   int
	// failSaves makes the next n SaveMessage calls fail.
	failSaves int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]domain.Session)}
}

func (f *fakeRepo) UpsertSession(_ context.Context, s *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = *s
	return nil
}

func (f *fakeRepo) SyncSessions(_ context.Context, sessions []domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced++
	f.sessions = make(map[string]domain.Session)
	for _, s := range sessions {
		f.sessions[s.ID] = s
	}
	return nil
}

func (f *fakeRepo) GetSession(_ context.Context, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeRepo) ListSessions(_ context.Context) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeRepo) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeRepo) SaveMessage(_ context.Context, msg *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("database is locked")
	}
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeRepo) ListMessages(_ context.Context, sessionID string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Message{}
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRepo) PruneMessages(_ context.Context, _ time.Duration) (int64, error) { return 0, nil }

func (f *fakeRepo) Ping(_ context.Context) error { return nil }

func (f *fakeRepo) Close() error { return nil }

func (f *fakeRepo) savedMessages() []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.messages...)
}

type watchCall struct {
	key, sessionID, jobID string
}

type fakeWatcher struct {
	mu    sync.Mutex
	calls []watchCall
	err   error
}

func (f *fakeWatcher) Watch(key, sessionID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, watchCall{key, sessionID, jobID})
	return f.err
}
