package session

import "time"

// EndReason records why a session left the Active state. All end states
// are terminal; a session never becomes active again.
type EndReason string

const (
	// EndLoggedOut marks a user-initiated logout.
	EndLoggedOut EndReason = "logged_out"
	// EndExpired marks closure by the expiry sweep.
	EndExpired EndReason = "expired"
	// EndRevokedByAdmin marks administrative revocation.
	EndRevokedByAdmin EndReason = "revoked_by_admin"
	// EndReplacedByRefresh marks rotation: the session's refresh token
	// was used and a successor session was issued.
	EndReplacedByRefresh EndReason = "replaced_by_refresh"
	// EndConcurrentLimitEvicted marks eviction in favour of a newer
	// session once the concurrent-session limit was reached.
	EndConcurrentLimitEvicted EndReason = "concurrent_limit_evicted"
)

// Session is one issued access/refresh token pair.
//
// Invariants: TokenID and the refresh hash are unique across all rows;
// IsActive is true exactly when EndedAt is nil.
type Session struct {
	ID             string
	UserID         string
	Role           string
	TokenID        string
	RefreshHash    [32]byte
	IssuedAt       time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	IPAddress      string
	UserAgent      string
	IsActive       bool
	EndedAt        *time.Time
	EndReason      EndReason
}

// Expired reports whether the refresh window has closed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// RoleCount is an aggregate row for the admin statistics surface.
type RoleCount struct {
	Role  string
	Count int64
}
