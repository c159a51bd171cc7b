package twofactor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStoreUnavailable wraps persistent-backend failures.
var ErrStoreUnavailable = errors.New("two-factor store unavailable")

// Secret is a user's enabled second factor. RecoveryHash is the SHA-256
// of the one-time recovery code; zeroed once the code is consumed.
type Secret struct {
	UserID       string
	SecretKey    string
	RecoveryHash [32]byte
	EnabledAt    time.Time
}

// Store is the durable backend for enabled two-factor secrets.
type Store interface {
	// Upsert persists an enabled secret, replacing any previous one.
	Upsert(ctx context.Context, secret *Secret) error
	// Get returns the user's secret, nil when two-factor is not enabled.
	Get(ctx context.Context, userID string) (*Secret, error)
	// Delete removes the secret; reports whether one existed.
	Delete(ctx context.Context, userID string) (bool, error)
	// ClearRecovery zeroes the recovery hash if it matches expected,
	// making recovery-code consumption single-shot. Reports whether the
	// swap happened.
	ClearRecovery(ctx context.Context, userID string, expected [32]byte) (bool, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string]*Secret
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]*Secret)}
}

func (m *MemoryStore) Upsert(_ context.Context, secret *Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *secret
	m.secrets[secret.UserID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[userID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.secrets[userID]
	delete(m.secrets, userID)
	return ok, nil
}

func (m *MemoryStore) ClearRecovery(_ context.Context, userID string, expected [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[userID]
	if !ok || s.RecoveryHash != expected || expected == ([32]byte{}) {
		return false, nil
	}
	s.RecoveryHash = [32]byte{}
	return true, nil
}
