package authkeep

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/authkeep/authkeep/session"
)

// Refresh rotates a refresh token: the presented token's session is
// closed, its access token revoked, and a brand-new access/refresh pair
// issued from the user's current roles and permissions. Rotation is
// single-use: of two concurrent calls with the same token exactly one
// succeeds, and a token presented again after rotation fails with
// ErrTokenRevoked.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*SessionBundle, error) {
	sess, err := e.sessions.ResolveRefresh(ctx, refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshReused):
			e.onRefreshReuse(ctx, refreshToken)
			return nil, ErrTokenRevoked
		case errors.Is(err, session.ErrRefreshExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, session.ErrNotFound):
			return nil, ErrSessionNotFound
		default:
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	revoked, err := e.revoked.IsRevoked(ctx, sess.TokenID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	rotated, err := e.sessions.ConsumeRefresh(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !rotated {
		// A concurrent refresh won the race for this session.
		return nil, ErrTokenRevoked
	}

	if err := e.revokeTokenID(ctx, sess.TokenID, sess, string(session.EndReplacedByRefresh), ""); err != nil {
		e.log.Warn("failed to revoke rotated access token", zap.String("session_id", sess.ID), zap.Error(err))
	}

	// Claims are rebuilt from the current user record, so role and
	// permission changes take effect at the next refresh.
	user, err := e.users.GetUserByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	bundle, err := e.issue(ctx, user)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, AuditEvent{
		EventType: AuditRefresh,
		UserID:    user.ID,
		OrgID:     user.OrganizationID,
		SessionID: bundle.SessionID,
		Success:   true,
		Metadata:  map[string]string{"previous_session_id": sess.ID},
	})
	return bundle, nil
}

// onRefreshReuse handles presentation of an already-rotated refresh
// token. The legitimate holder rotated it, so a second presentation
// means the token leaked; the event is audited as a theft signal.
func (e *Engine) onRefreshReuse(ctx context.Context, refreshToken string) {
	sessionID, _, err := session.DecodeRefreshToken(refreshToken)
	if err != nil {
		return
	}
	event := AuditEvent{
		EventType: AuditRefreshReuse,
		SessionID: sessionID,
	}
	if sess, err := e.sessions.Get(ctx, sessionID); err == nil {
		event.UserID = sess.UserID
	}
	e.emit(ctx, event)
}
