package server

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryAuthStore is an in-memory AuthStore for tests.
type MemoryAuthStore struct {
	mu       sync.RWMutex
	users    map[string]UserRecord        // keyed by id
	sessions map[string]AuthSessionRecord // keyed by id
}

// NewMemoryAuthStore creates an empty in-memory auth store.
func NewMemoryAuthStore() *MemoryAuthStore {
	return &MemoryAuthStore{
		users:    make(map[string]UserRecord),
		sessions: make(map[string]AuthSessionRecord),
	}
}

func (s *MemoryAuthStore) CreateUser(_ context.Context, rec UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.ID == rec.ID || strings.EqualFold(existing.Email, rec.Email) {
			return ErrUserExists
		}
	}
	s.users[rec.ID] = rec
	return nil
}

func (s *MemoryAuthStore) GetUserByEmail(_ context.Context, email string) (UserRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.users {
		if strings.EqualFold(rec.Email, email) {
			return rec, true, nil
		}
	}
	return UserRecord{}, false, nil
}

func (s *MemoryAuthStore) GetUserByID(_ context.Context, id string) (UserRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[id]
	return rec, ok, nil
}

func (s *MemoryAuthStore) UpdateUser(_ context.Context, rec UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[rec.ID]; !ok {
		return ErrUserNotFound
	}
	s.users[rec.ID] = rec
	return nil
}

func (s *MemoryAuthStore) CreateAuthSession(_ context.Context, sess AuthSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryAuthStore) GetAuthSessionByToken(_ context.Context, token string) (AuthSessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Token == token {
			if sess.ExpiresAt.Before(time.Now().UTC()) {
				return AuthSessionRecord{}, false, ErrAuthSessionExpired
			}
			return sess, true, nil
		}
	}
	return AuthSessionRecord{}, false, nil
}

func (s *MemoryAuthStore) DeleteAuthSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrAuthSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryAuthStore) DeleteUserAuthSessions(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, id)
		}
	}
	return nil
}

func (s *MemoryAuthStore) CleanExpiredAuthSessions(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for id, sess := range s.sessions {
		if sess.ExpiresAt.Before(now) {
			delete(s.sessions, id)
		}
	}
	return nil
}

var _ AuthStore = (*MemoryAuthStore)(nil)
