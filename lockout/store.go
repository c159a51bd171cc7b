package lockout

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStoreUnavailable wraps persistent-backend failures.
var ErrStoreUnavailable = errors.New("lockout store unavailable")

// State is the lockout attribute group of one account.
//
// Invariant: LockoutEnd is only ever set once FailedCount has reached
// the threshold, and a success clears both.
type State struct {
	FailedCount  int
	LockoutEnd   *time.Time
	LastFailedAt *time.Time
}

// Locked reports whether the account is inside a lockout window.
func (s *State) Locked(now time.Time) bool {
	return s.LockoutEnd != nil && s.LockoutEnd.After(now)
}

// Store is the durable backend for lockout state.
type Store interface {
	// IncrementFailures atomically adds one failure and returns the new
	// count. Implementations must not read-modify-write; two concurrent
	// failures must yield two distinct counts.
	IncrementFailures(ctx context.Context, userID string, now time.Time) (int, error)

	// SetLockoutEnd records the end of the lockout window.
	SetLockoutEnd(ctx context.Context, userID string, until time.Time) error

	// Reset clears the counter and the lockout window.
	Reset(ctx context.Context, userID string) error

	Get(ctx context.Context, userID string) (*State, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

func (m *MemoryStore) IncrementFailures(_ context.Context, userID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[userID]
	if !ok {
		s = &State{}
		m.states[userID] = s
	}
	s.FailedCount++
	failedAt := now
	s.LastFailedAt = &failedAt
	return s.FailedCount, nil
}

func (m *MemoryStore) SetLockoutEnd(_ context.Context, userID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[userID]
	if !ok {
		s = &State{}
		m.states[userID] = s
	}
	end := until
	s.LockoutEnd = &end
	return nil
}

func (m *MemoryStore) Reset(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, userID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[userID]
	if !ok {
		return &State{}, nil
	}
	cp := *s
	return &cp, nil
}
