package authkeep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/authkeep/authkeep/session"
)

// Sessions lists a user's active sessions, most recently active first.
func (e *Engine) Sessions(ctx context.Context, userID string) ([]*session.Session, error) {
	sessions, err := e.sessions.ActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return sessions, nil
}

// AllSessions pages through every active session together with the
// total count, for the admin surface.
func (e *Engine) AllSessions(ctx context.Context, limit, offset int) ([]*session.Session, int64, error) {
	sessions, total, err := e.sessions.AllActive(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return sessions, total, nil
}

// SessionsPerRole returns active-session counts grouped by role.
func (e *Engine) SessionsPerRole(ctx context.Context) ([]session.RoleCount, error) {
	counts, err := e.sessions.CountActiveByRole(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return counts, nil
}

// SessionsStartedSince counts sessions issued after since.
func (e *Engine) SessionsStartedSince(ctx context.Context, since time.Time) (int64, error) {
	n, err := e.sessions.CountStartedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// CloseSession closes one session and revokes its access token. Closing
// an already-closed session is a success. Returns ErrSessionNotFound
// only when no session with that id exists at all.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) error {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := e.revokeTokenID(ctx, sess.TokenID, sess, "session closed", sess.UserID); err != nil {
		return err
	}
	if _, err := e.sessions.Close(ctx, sessionID, session.EndLoggedOut); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emit(ctx, AuditEvent{
		EventType: AuditLogout,
		UserID:    sess.UserID,
		SessionID: sessionID,
		Success:   true,
	})
	return nil
}

// CloseAllOthers closes every session of userID except the current one
// and revokes their tokens. Supports the "sign out everywhere else"
// self-service action.
func (e *Engine) CloseAllOthers(ctx context.Context, userID, currentSessionID string) (int64, error) {
	active, err := e.sessions.ActiveByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, sess := range active {
		if sess.ID == currentSessionID {
			continue
		}
		if err := e.revokeTokenID(ctx, sess.TokenID, sess, "closed by session owner", userID); err != nil {
			e.log.Warn("failed to revoke session token",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	closed, err := e.sessions.CloseAllOthers(ctx, userID, currentSessionID, session.EndLoggedOut)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return closed, nil
}

// RunCleanup runs the expired-session sweep and revocation pruning
// every interval until ctx is cancelled. Failures are logged and
// retried at the next tick; they are never user-visible.
func (e *Engine) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cleanupOnce(ctx)
		}
	}
}

func (e *Engine) cleanupOnce(ctx context.Context) {
	if n, err := e.sessions.CleanupExpired(ctx, 0); err != nil {
		e.log.Error("expired session sweep failed", zap.Error(err))
	} else if n > 0 {
		e.log.Info("swept expired sessions", zap.Int64("count", n))
	}

	if n, err := e.revoked.PruneExpired(ctx); err != nil {
		e.log.Error("revocation pruning failed", zap.Error(err))
	} else if n > 0 {
		e.log.Info("pruned expired revocations", zap.Int64("count", n))
	}

	cutoff := e.now().Add(-attemptRetention)
	if n, err := e.attempts.DeleteBefore(ctx, cutoff); err != nil {
		e.log.Error("login attempt pruning failed", zap.Error(err))
	} else if n > 0 {
		e.log.Info("pruned old login attempts", zap.Int64("count", n))
	}
}

// attemptRetention bounds the login-attempt history. The monitor's scan
// window is far shorter, so this only caps storage growth.
const attemptRetention = 30 * 24 * time.Hour
