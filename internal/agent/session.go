package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"actionbridge/internal/domain"
)

// openSession is an in-memory session plus the lock that serializes its turns.
type openSession struct {
	mu      sync.Mutex
	session domain.Session
}

// SessionManager owns the open sessions. Turns of one session run one at a
// time; different sessions proceed independently. Credentials live only here.
type SessionManager struct {
	store     domain.ConversationStore
	logger    *slog.Logger
	loadTurns int

	mu       sync.Mutex
	sessions map[string]*openSession
}

type SessionManagerConfig struct {
	Store domain.ConversationStore
	// LoadTurns bounds how many stored turns are loaded when a session is
	// reopened; <= 0 loads all.
	LoadTurns int
	Logger    *slog.Logger
}

func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionManager{
		store:     cfg.Store,
		logger:    cfg.Logger,
		loadTurns: cfg.LoadTurns,
		sessions:  make(map[string]*openSession),
	}
}

// Open starts or resumes a session and reports whether it was not open
// before. An empty id creates a new one. Reopening an open session replaces
// its credential and keeps its state.
func (sm *SessionManager) Open(ctx context.Context, id, credential string) (string, bool, error) {
	if id == "" {
		id = uuid.NewString()
	}

	sm.mu.Lock()
	if entry, ok := sm.sessions[id]; ok {
		sm.mu.Unlock()
		entry.mu.Lock()
		entry.session.Credential = credential
		entry.mu.Unlock()
		return id, false, nil
	}
	sm.mu.Unlock()

	now := time.Now()
	if err := sm.store.CreateSession(ctx, domain.SessionRecord{ID: id, CreatedAt: now, UpdatedAt: now}); err != nil {
		return "", false, fmt.Errorf("create session: %w", err)
	}
	rec, err := sm.store.GetSession(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("load session: %w", err)
	}
	turns, err := sm.store.Turns(ctx, id, sm.loadTurns)
	if err != nil {
		return "", false, fmt.Errorf("load turns: %w", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if entry, ok := sm.sessions[id]; ok {
		entry.mu.Lock()
		entry.session.Credential = credential
		entry.mu.Unlock()
		return id, false, nil
	}
	sm.sessions[id] = &openSession{session: domain.Session{
		ID:         id,
		Credential: credential,
		State:      domain.NewConversationState(turns...),
		CreatedAt:  rec.CreatedAt,
	}}
	sm.logger.Info("session opened", "session", id, "turns", len(turns))
	return id, true, nil
}

// Acquire locks the session for one turn. The caller must call release.
func (sm *SessionManager) Acquire(id string) (*domain.Session, func(), error) {
	sm.mu.Lock()
	entry, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	entry.mu.Lock()
	return &entry.session, entry.mu.Unlock, nil
}

// Commit persists turn and then appends it to the session's state. The
// caller must hold the session from Acquire. On a store failure the
// in-memory state is left as it was.
func (sm *SessionManager) Commit(ctx context.Context, s *domain.Session, turn domain.Turn) error {
	if err := sm.store.AppendTurn(ctx, s.ID, turn); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	s.State = s.State.Append(turn)
	return nil
}

// Close forgets an open session and its credential; stored turns remain.
func (sm *SessionManager) Close(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.sessions[id]; !ok {
		return false
	}
	delete(sm.sessions, id)
	sm.logger.Info("session closed", "session", id)
	return true
}

// Credential returns the credential held for an open session.
func (sm *SessionManager) Credential(id string) string {
	sm.mu.Lock()
	entry, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return ""
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session.Credential
}

func (sm *SessionManager) IsOpen(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.sessions[id]
	return ok
}

// History reads stored turns, oldest first; limit <= 0 returns all.
func (sm *SessionManager) History(ctx context.Context, id string, limit int) ([]domain.Turn, error) {
	if _, err := sm.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return sm.store.Turns(ctx, id, limit)
}

func (sm *SessionManager) List(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	return sm.store.ListSessions(ctx, limit)
}

// Delete closes the session and removes it with its turns from the store.
func (sm *SessionManager) Delete(ctx context.Context, id string) error {
	sm.Close(id)
	return sm.store.DeleteSession(ctx, id)
}
