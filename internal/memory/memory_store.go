package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"actionbridge/internal/domain"
)

// MemoryStore keeps sessions in process memory. It is the default for
// tests and for one-shot CLI runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

type memSession struct {
	rec   domain.SessionRecord
	turns []domain.Turn
}

var _ domain.ConversationStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memSession)}
}

func (m *MemoryStore) CreateSession(_ context.Context, rec domain.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.ID]; ok {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.TurnCount = 0
	m.sessions[rec.ID] = &memSession{rec: rec}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*domain.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	rec := s.rec
	return &rec, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	recs := make([]domain.SessionRecord, 0, len(m.sessions))
	for _, s := range m.sessions {
		recs = append(recs, s.rec)
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return domain.ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, sessionID string, turn domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	s.turns = append(s.turns, turn)
	s.rec.TurnCount = len(s.turns)
	s.rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Turns(_ context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	turns := s.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }
