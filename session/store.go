package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no session matches the lookup.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateToken is returned when an insert would violate the
	// token-id or refresh-hash uniqueness invariant.
	ErrDuplicateToken = errors.New("duplicate session token")
	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Store is the durable backend for session rows.
//
// Implementations must enforce uniqueness of TokenID and RefreshHash and
// apply every conditional mutation atomically with respect to concurrent
// callers, because cross-process invariants are enforced here rather
// than with in-process locks.
type Store interface {
	// Insert persists s. When maxActive > 0 and the user already holds
	// that many active sessions, the least-recently-active ones are
	// closed with EndConcurrentLimitEvicted inside the same atomic
	// operation; their ids are returned.
	Insert(ctx context.Context, s *Session, maxActive int) (evicted []string, err error)

	GetByID(ctx context.Context, id string) (*Session, error)
	GetByTokenID(ctx context.Context, tokenID string) (*Session, error)

	// TouchActivity bumps LastActivityAt and reports whether an active
	// session with that id exists.
	TouchActivity(ctx context.Context, id string, now time.Time) (bool, error)

	// Close ends an active session. Reports false when the session does
	// not exist or is already closed, which callers treat as success for
	// idempotency.
	Close(ctx context.Context, id string, reason EndReason, now time.Time) (bool, error)

	// CloseAllForUser ends every active session of a user except
	// excludeID (ignored when empty) and returns how many were closed.
	CloseAllForUser(ctx context.Context, userID string, reason EndReason, excludeID string, now time.Time) (int64, error)

	ActiveByUser(ctx context.Context, userID string) ([]*Session, error)
	AllActive(ctx context.Context, limit, offset int) ([]*Session, int64, error)
	CountActiveByRole(ctx context.Context) ([]RoleCount, error)
	CountStartedSince(ctx context.Context, since time.Time) (int64, error)

	// CloseExpired ends active sessions whose refresh window has
	// closed, with reason EndExpired, returning the count.
	CloseExpired(ctx context.Context, now time.Time) (int64, error)

	// DeleteExpiredBefore removes rows whose refresh window closed
	// before cutoff and that are no longer active, returning the count.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
