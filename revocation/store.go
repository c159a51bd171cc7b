package revocation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStoreUnavailable wraps persistent-backend failures.
var ErrStoreUnavailable = errors.New("revocation store unavailable")

// Record is one revoked token id.
//
// A record is retained at least until OriginalExpiresAt; after that the
// token is rejected by expiry anyway and the row may be pruned.
type Record struct {
	TokenID           string
	UserID            string
	RevokedAt         time.Time
	OriginalExpiresAt time.Time
	Reason            string
	// RevokedBy is the acting user; empty means system-initiated.
	RevokedBy string
	IPAddress string
	UserAgent string
}

// Store is the durable backend for revocation records.
type Store interface {
	// Insert persists rec. Inserting an already-present token id is a
	// no-op, keeping revocation idempotent.
	Insert(ctx context.Context, rec *Record) error
	Exists(ctx context.Context, tokenID string) (bool, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Insert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.TokenID]; exists {
		return nil
	}
	cp := *rec
	m.records[rec.TokenID] = &cp
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[tokenID]
	return ok, nil
}

func (m *MemoryStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if rec.OriginalExpiresAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}
