package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// All invariants the Postgres store enforces with constraints and
// conditional updates are enforced here under one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[string]*Session
	tokenIDs map[string]string // token id -> session id
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Session),
		tokenIDs: make(map[string]string),
	}
}

func (m *MemoryStore) Insert(_ context.Context, s *Session, maxActive int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byID[s.ID]; dup {
		return nil, ErrDuplicateToken
	}
	if _, dup := m.tokenIDs[s.TokenID]; dup {
		return nil, ErrDuplicateToken
	}
	for _, existing := range m.byID {
		if existing.RefreshHash == s.RefreshHash {
			return nil, ErrDuplicateToken
		}
	}

	var evicted []string
	if maxActive > 0 {
		active := m.activeFor(s.UserID)
		for i := 0; len(active)-i >= maxActive; i++ {
			victim := active[i]
			m.close(victim, EndConcurrentLimitEvicted, s.IssuedAt)
			evicted = append(evicted, victim.ID)
		}
	}

	cp := *s
	cp.IsActive = true
	cp.EndedAt = nil
	cp.EndReason = ""
	m.byID[s.ID] = &cp
	m.tokenIDs[s.TokenID] = s.ID
	return evicted, nil
}

// activeFor returns the user's active sessions, least recently active
// first. Callers hold the lock.
func (m *MemoryStore) activeFor(userID string) []*Session {
	var active []*Session
	for _, s := range m.byID {
		if s.UserID == userID && s.IsActive {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastActivityAt.Before(active[j].LastActivityAt)
	})
	return active
}

func (m *MemoryStore) close(s *Session, reason EndReason, now time.Time) {
	ended := now
	s.IsActive = false
	s.EndedAt = &ended
	s.EndReason = reason
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByTokenID(_ context.Context, tokenID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokenIDs[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) TouchActivity(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || !s.IsActive {
		return false, nil
	}
	s.LastActivityAt = now
	return true, nil
}

func (m *MemoryStore) Close(_ context.Context, id string, reason EndReason, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || !s.IsActive {
		return false, nil
	}
	m.close(s, reason, now)
	return true, nil
}

func (m *MemoryStore) CloseAllForUser(_ context.Context, userID string, reason EndReason, excludeID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.byID {
		if s.UserID == userID && s.IsActive && s.ID != excludeID {
			m.close(s, reason, now)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ActiveByUser(_ context.Context, userID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.activeFor(userID)
	out := make([]*Session, 0, len(active))
	for i := len(active) - 1; i >= 0; i-- { // most recently active first
		cp := *active[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) AllActive(_ context.Context, limit, offset int) ([]*Session, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []*Session
	for _, s := range m.byID {
		if s.IsActive {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastActivityAt.After(active[j].LastActivityAt)
	})
	total := int64(len(active))
	if offset >= len(active) {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(active) {
		end = len(active)
	}
	out := make([]*Session, 0, end-offset)
	for _, s := range active[offset:end] {
		cp := *s
		out = append(out, &cp)
	}
	return out, total, nil
}

func (m *MemoryStore) CountActiveByRole(_ context.Context) ([]RoleCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRole := make(map[string]int64)
	for _, s := range m.byID {
		if s.IsActive {
			byRole[s.Role]++
		}
	}
	roles := make([]string, 0, len(byRole))
	for r := range byRole {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	counts := make([]RoleCount, 0, len(roles))
	for _, r := range roles {
		counts = append(counts, RoleCount{Role: r, Count: byRole[r]})
	}
	return counts, nil
}

func (m *MemoryStore) CountStartedSince(_ context.Context, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.byID {
		if !s.IssuedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CloseExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.byID {
		if s.IsActive && !s.ExpiresAt.After(now) {
			m.close(s, EndExpired, now)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.byID {
		if !s.IsActive && s.ExpiresAt.Before(cutoff) {
			delete(m.tokenIDs, s.TokenID)
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}
