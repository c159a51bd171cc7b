package monitor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStoreUnavailable wraps persistent-backend failures.
var ErrStoreUnavailable = errors.New("login attempt store unavailable")

// Attempt is one recorded login attempt. UserID is empty when the
// username did not resolve to an account.
type Attempt struct {
	ID            string
	Username      string
	UserID        string
	IPAddress     string
	UserAgent     string
	At            time.Time
	Success       bool
	FailureReason string
}

// FailureGroup is an aggregate of failures sharing a key (account or
// address) within the scan window.
type FailureGroup struct {
	Key       string
	Count     int64
	Distinct  int64 // distinct counterpart values (IPs per account, accounts per IP)
	FirstSeen time.Time
	LastSeen  time.Time
}

// Store is the durable backend for login attempts.
type Store interface {
	Insert(ctx context.Context, a *Attempt) error

	// FailuresByUsername groups failed attempts since the cutoff by
	// username, with Distinct counting source addresses.
	FailuresByUsername(ctx context.Context, since time.Time) ([]FailureGroup, error)

	// FailuresByIP groups failed attempts since the cutoff by source
	// address, with Distinct counting usernames.
	FailuresByIP(ctx context.Context, since time.Time) ([]FailureGroup, error)

	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu       sync.Mutex
	attempts []*Attempt
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.attempts = append(m.attempts, &cp)
	return nil
}

func (m *MemoryStore) FailuresByUsername(_ context.Context, since time.Time) ([]FailureGroup, error) {
	return m.group(since, func(a *Attempt) (string, string) { return a.Username, a.IPAddress })
}

func (m *MemoryStore) FailuresByIP(_ context.Context, since time.Time) ([]FailureGroup, error) {
	return m.group(since, func(a *Attempt) (string, string) { return a.IPAddress, a.Username })
}

func (m *MemoryStore) group(since time.Time, keys func(*Attempt) (key, counterpart string)) ([]FailureGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	grouped := make(map[string]*FailureGroup)
	counterparts := make(map[string]map[string]struct{})
	for _, a := range m.attempts {
		if a.Success || a.At.Before(since) {
			continue
		}
		key, other := keys(a)
		g, ok := grouped[key]
		if !ok {
			g = &FailureGroup{Key: key, FirstSeen: a.At, LastSeen: a.At}
			grouped[key] = g
			counterparts[key] = make(map[string]struct{})
		}
		g.Count++
		counterparts[key][other] = struct{}{}
		if a.At.Before(g.FirstSeen) {
			g.FirstSeen = a.At
		}
		if a.At.After(g.LastSeen) {
			g.LastSeen = a.At
		}
	}

	out := make([]FailureGroup, 0, len(grouped))
	for key, g := range grouped {
		g.Distinct = int64(len(counterparts[key]))
		out = append(out, *g)
	}
	return out, nil
}

func (m *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.attempts[:0]
	var n int64
	for _, a := range m.attempts {
		if a.At.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	return n, nil
}
