package authkeep

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/authkeep/authkeep/jwt"
	"github.com/authkeep/authkeep/revocation"
	"github.com/authkeep/authkeep/session"
)

// ValidateAccess is the per-request interceptor: it verifies the access
// token's signature and expiry, checks revocation, and bumps the
// backing session's activity timestamp. Any failure means the request
// must be treated as unauthenticated.
//
// Revocation and session checks fail closed: if neither cache nor store
// can answer, the token is rejected with ErrStoreUnavailable.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*jwt.AccessClaims, error) {
	claims, err := e.codec.Validate(accessToken, true)
	if err != nil {
		return nil, mapTokenError(err)
	}

	// Both lookup paths: by token id and by token digest. The digest
	// path catches tokens revoked by raw value before their claims
	// could be parsed.
	revoked, err := e.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !revoked {
		revoked, err = e.revoked.IsRevoked(ctx, tokenDigest(accessToken))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	sess, err := e.sessions.GetByTokenID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	active, err := e.sessions.UpdateActivity(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !active {
		return nil, ErrSessionNotFound
	}
	return claims, nil
}

// Logout revokes an access token and closes its session. The token's
// signature must verify but it may already be expired. Idempotent:
// logging out twice succeeds both times.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	claims, err := e.codec.Validate(accessToken, false)
	if err != nil {
		return mapTokenError(err)
	}

	sess, err := e.sessions.GetByTokenID(ctx, claims.ID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := e.revokeTokenID(ctx, claims.ID, sess, "user logout", claims.Subject); err != nil {
		return err
	}
	if err := e.addRevocation(ctx, tokenDigest(accessToken), claims.Subject, sess, "user logout", claims.Subject); err != nil {
		return err
	}

	if sess != nil {
		if _, err := e.sessions.Close(ctx, sess.ID, session.EndLoggedOut); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	e.emit(ctx, AuditEvent{
		EventType: AuditLogout,
		UserID:    claims.Subject,
		OrgID:     claims.OrganizationID,
		SessionID: sessionIDOf(sess),
		Success:   true,
	})
	return nil
}

// LogoutAll closes every active session of a user and revokes their
// access tokens. Returns the number of sessions closed.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int64, error) {
	return e.closeAllSessions(ctx, userID, session.EndLoggedOut, "user logout all", userID, AuditLogoutAll)
}

// RevokeAllForUser is the administrative kill switch: every active
// session of userID is closed with RevokedByAdmin and its token
// revoked. actorUserID identifies the administrator for the audit
// trail; empty means system-initiated.
func (e *Engine) RevokeAllForUser(ctx context.Context, userID, reason, actorUserID string) (int64, error) {
	if reason == "" {
		reason = "revoked by admin"
	}
	return e.closeAllSessions(ctx, userID, session.EndRevokedByAdmin, reason, actorUserID, AuditRevoke)
}

func (e *Engine) closeAllSessions(ctx context.Context, userID string, endReason session.EndReason, revokeReason, actor, eventType string) (int64, error) {
	active, err := e.sessions.ActiveByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, sess := range active {
		if err := e.revokeTokenID(ctx, sess.TokenID, sess, revokeReason, actor); err != nil {
			e.log.Warn("failed to revoke session token",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	closed, err := e.sessions.CloseAllForUser(ctx, userID, endReason, "")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emit(ctx, AuditEvent{
		EventType: eventType,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"sessions_closed": fmt.Sprintf("%d", closed), "actor": actor},
	})
	return closed, nil
}

// revokeTokenID adds a revocation record for tokenID. sess, when known,
// supplies the token's original expiry so the record can be pruned once
// the token would have died anyway; without it the full access TTL from
// now is used as a safe upper bound.
func (e *Engine) revokeTokenID(ctx context.Context, tokenID string, sess *session.Session, reason, actor string) error {
	userID := ""
	if sess != nil {
		userID = sess.UserID
	}
	return e.addRevocation(ctx, tokenID, userID, sess, reason, actor)
}

func (e *Engine) addRevocation(ctx context.Context, key, userID string, sess *session.Session, reason, actor string) error {
	now := e.now()
	originalExpiry := now.Add(e.codec.AccessTTL())
	if sess != nil {
		originalExpiry = sess.IssuedAt.Add(e.codec.AccessTTL())
	}
	err := e.revoked.Add(ctx, &revocation.Record{
		TokenID:           key,
		UserID:            userID,
		RevokedAt:         now,
		OriginalExpiresAt: originalExpiry,
		Reason:            reason,
		RevokedBy:         actor,
		IPAddress:         clientIPFromContext(ctx),
		UserAgent:         userAgentFromContext(ctx),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether a token id (or raw token value) has been
// revoked. The raw-value path hashes the input before lookup.
func (e *Engine) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	revoked, err := e.revoked.IsRevoked(ctx, tokenID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return revoked, nil
}

func mapTokenError(err error) error {
	if errors.Is(err, jwt.ErrExpired) {
		return ErrTokenExpired
	}
	// Malformed, bad signature, and unknown kid all collapse to one
	// caller-visible failure so nothing about the key set leaks.
	return ErrTokenMalformed
}

// tokenDigest keys revocation records by raw token value without
// storing the token itself.
func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func sessionIDOf(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}
