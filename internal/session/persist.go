package session

import (
	"context"
	"fmt"
	"sync"

	"courier/internal/models"
)

// Persister is the durable backing of the store. LoadAll may return a
// partial map together with CorruptionErrors for the users it could not read.
type Persister interface {
	LoadAll(ctx context.Context) (map[string]*models.Session, error)
	SaveAll(ctx context.Context, sessions map[string]*models.Session) error
}

// SessionSaver is implemented by backends that can write one session at a time.
type SessionSaver interface {
	SaveSession(ctx context.Context, s *models.Session) error
}

// CorruptionError reports a persisted session that could not be decoded.
type CorruptionError struct {
	UserID string
	Err    error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("session %s corrupted: %v", e.UserID, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// MemoryPersister keeps snapshots in process; used for tests and the memory backend.
type MemoryPersister struct {
	mu   sync.Mutex
	data map[string]*models.Session
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{data: make(map[string]*models.Session)}
}

func (m *MemoryPersister) LoadAll(ctx context.Context) (map[string]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.Session, len(m.data))
	for id, s := range m.data {
		out[id] = s.Clone()
	}
	return out, nil
}

func (m *MemoryPersister) SaveAll(ctx context.Context, sessions map[string]*models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]*models.Session, len(sessions))
	for id, s := range sessions {
		m.data[id] = s.Clone()
	}
	return nil
}

func (m *MemoryPersister) SaveSession(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[s.UserID] = s.Clone()
	return nil
}
