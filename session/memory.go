package session

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node
// development. Sessions are indexed by id and by refresh-token value.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Session
	byToken map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Session),
		byToken: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *sess
	m.byID[clone.ID] = &clone
	m.byToken[clone.RefreshToken] = clone.ID
	return nil
}

func (m *MemoryStore) GetByRefreshToken(_ context.Context, refreshToken string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byToken[refreshToken]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *m.byID[id]
	return &clone, nil
}

func (m *MemoryStore) Update(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.byID[sess.ID]
	if !ok {
		return ErrNotFound
	}
	if prev.RefreshToken != sess.RefreshToken {
		delete(m.byToken, prev.RefreshToken)
		m.byToken[sess.RefreshToken] = sess.ID
	}

	clone := *sess
	m.byID[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) InvalidateAllForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.byID {
		if sess.UserID == userID {
			sess.IsValid = false
		}
	}
	return nil
}

// SessionsForUser returns copies of every session for userID, valid or
// not. Test helper.
func (m *MemoryStore) SessionsForUser(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, sess := range m.byID {
		if sess.UserID == userID {
			clone := *sess
			out = append(out, &clone)
		}
	}
	return out
}
