package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRefreshExpired is returned when a refresh token's session is
	// past its refresh window.
	ErrRefreshExpired = errors.New("refresh token expired")
	// ErrRefreshReused is returned when a refresh token that was already
	// rotated is presented again. Callers should treat this as a
	// possible theft signal.
	ErrRefreshReused = errors.New("refresh token reuse detected")
)

// Config tunes a Registry.
type Config struct {
	// MaxConcurrent caps active sessions per user; 0 disables the limit.
	MaxConcurrent int
	// RefreshTTL is the refresh window of new sessions.
	RefreshTTL time.Duration
	// Now is the time source. Defaults to time.Now.
	Now func() time.Time
}

// Registry owns session lifecycle on top of a Store.
type Registry struct {
	store  Store
	config Config
	log    *zap.Logger
}

// NewRegistry validates cfg and returns a Registry.
func NewRegistry(store Store, cfg Config, log *zap.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("session: nil store")
	}
	if cfg.RefreshTTL <= 0 {
		return nil, errors.New("session: invalid refresh TTL")
	}
	if cfg.MaxConcurrent < 0 {
		return nil, errors.New("session: invalid concurrent session limit")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:  store,
		config: cfg,
		log:    log.With(zap.String("component", "session_registry")),
	}, nil
}

// CreateParams describes the session to create.
type CreateParams struct {
	UserID    string
	Role      string
	TokenID   string
	IPAddress string
	UserAgent string
}

// Create persists a new session and returns it together with the opaque
// refresh token. When the user's concurrent-session limit is reached the
// least-recently-active sessions are evicted first; their ids are
// returned so the caller can revoke the matching access tokens.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Session, string, []string, error) {
	if p.UserID == "" || p.TokenID == "" {
		return nil, "", nil, errors.New("session: user id and token id required")
	}

	secret, err := newRefreshSecret()
	if err != nil {
		return nil, "", nil, err
	}

	now := r.config.Now()
	sess := &Session{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		Role:           p.Role,
		TokenID:        p.TokenID,
		RefreshHash:    hashRefreshSecret(secret),
		IssuedAt:       now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(r.config.RefreshTTL),
		IPAddress:      p.IPAddress,
		UserAgent:      p.UserAgent,
		IsActive:       true,
	}

	evicted, err := r.store.Insert(ctx, sess, r.config.MaxConcurrent)
	if err != nil {
		return nil, "", nil, err
	}
	if len(evicted) > 0 {
		r.log.Info("evicted sessions over concurrent limit",
			zap.String("user_id", p.UserID), zap.Int("count", len(evicted)))
	}

	token, err := EncodeRefreshToken(sess.ID, secret)
	if err != nil {
		// The row exists but the token cannot be handed out; close the
		// session rather than leave an unreachable active row.
		_, _ = r.store.Close(ctx, sess.ID, EndLoggedOut, now)
		return nil, "", nil, err
	}
	return sess, token, evicted, nil
}

// ResolveRefresh maps a presented refresh token to its session,
// classifying every failure mode the refresh flow needs to distinguish.
func (r *Registry) ResolveRefresh(ctx context.Context, token string) (*Session, error) {
	sessionID, secret, err := DecodeRefreshToken(token)
	if err != nil {
		return nil, ErrNotFound
	}

	sess, err := r.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	presented := hashRefreshSecret(secret)
	if subtle.ConstantTimeCompare(presented[:], sess.RefreshHash[:]) != 1 {
		return nil, ErrNotFound
	}
	if !sess.IsActive {
		if sess.EndReason == EndReplacedByRefresh {
			return nil, ErrRefreshReused
		}
		return nil, ErrNotFound
	}
	if sess.Expired(r.config.Now()) {
		return nil, ErrRefreshExpired
	}
	return sess, nil
}

// ConsumeRefresh closes the session with EndReplacedByRefresh. It
// reports false when the session was no longer active, meaning a
// concurrent refresh won the rotation race.
func (r *Registry) ConsumeRefresh(ctx context.Context, sessionID string) (bool, error) {
	return r.store.Close(ctx, sessionID, EndReplacedByRefresh, r.config.Now())
}

// UpdateActivity bumps the session's last-activity timestamp. False
// means the session is unknown or closed and the request should be
// treated as unauthenticated.
func (r *Registry) UpdateActivity(ctx context.Context, sessionID string) (bool, error) {
	return r.store.TouchActivity(ctx, sessionID, r.config.Now())
}

// GetByTokenID returns the session owning an access token id.
func (r *Registry) GetByTokenID(ctx context.Context, tokenID string) (*Session, error) {
	return r.store.GetByTokenID(ctx, tokenID)
}

// Get returns a session by id.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	return r.store.GetByID(ctx, sessionID)
}

// Close ends a session. Closing an already-closed session reports false
// with no error.
func (r *Registry) Close(ctx context.Context, sessionID string, reason EndReason) (bool, error) {
	return r.store.Close(ctx, sessionID, reason, r.config.Now())
}

// CloseAllForUser ends all of a user's active sessions, optionally
// keeping one.
func (r *Registry) CloseAllForUser(ctx context.Context, userID string, reason EndReason, excludeID string) (int64, error) {
	return r.store.CloseAllForUser(ctx, userID, reason, excludeID, r.config.Now())
}

// CloseAllOthers ends every active session of the user except the
// current one.
func (r *Registry) CloseAllOthers(ctx context.Context, userID, currentSessionID string, reason EndReason) (int64, error) {
	return r.store.CloseAllForUser(ctx, userID, reason, currentSessionID, r.config.Now())
}

// ActiveByUser lists a user's active sessions, most recently active
// first.
func (r *Registry) ActiveByUser(ctx context.Context, userID string) ([]*Session, error) {
	return r.store.ActiveByUser(ctx, userID)
}

// AllActive pages through every active session.
func (r *Registry) AllActive(ctx context.Context, limit, offset int) ([]*Session, int64, error) {
	return r.store.AllActive(ctx, limit, offset)
}

// CountActiveByRole aggregates active sessions per role.
func (r *Registry) CountActiveByRole(ctx context.Context) ([]RoleCount, error) {
	return r.store.CountActiveByRole(ctx)
}

// CountStartedSince counts sessions issued at or after since.
func (r *Registry) CountStartedSince(ctx context.Context, since time.Time) (int64, error) {
	return r.store.CountStartedSince(ctx, since)
}

// CleanupExpired closes expired sessions and deletes closed rows whose
// refresh window ended more than olderThan ago. Returns the number of
// deleted rows. Meant for a scheduled job, not the request path.
func (r *Registry) CleanupExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := r.config.Now()

	closed, err := r.store.CloseExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("closing expired sessions: %w", err)
	}
	if closed > 0 {
		r.log.Info("closed expired sessions", zap.Int64("count", closed))
	}

	deleted, err := r.store.DeleteExpiredBefore(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	return deleted, nil
}
