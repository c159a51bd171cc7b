package authkeep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authkeep/authkeep/jwt"
	"github.com/authkeep/authkeep/monitor"
	"github.com/authkeep/authkeep/session"
	"github.com/authkeep/authkeep/twofactor"
)

// SessionBundle is the result of a completed authentication: a signed
// access token, its opaque refresh token, and the backing session.
type SessionBundle struct {
	AccessToken  string
	RefreshToken string
	TokenID      string
	SessionID    string
	ExpiresAt    time.Time
}

// LoginResult is the outcome of a first-factor login. When the account
// has a second factor enabled, TwoFactorRequired is set and Bundle is
// nil; the caller must follow up with CompleteTwoFactor carrying
// BridgeToken.
type LoginResult struct {
	TwoFactorRequired bool
	BridgeToken       string
	Bundle            *SessionBundle
}

// Login runs the first-factor flow: lockout check, credential
// verification dispatched by the account's source, failure counting,
// and either a session bundle or a two-factor bridge token.
//
// Unknown accounts and wrong passwords both return
// ErrInvalidCredentials. A lockout store failure fails closed with
// ErrStoreUnavailable.
func (e *Engine) Login(ctx context.Context, identifier, candidate string) (*LoginResult, error) {
	user, err := e.users.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.recordAttempt(ctx, identifier, "", false, "unknown_account")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	locked, err := e.guard.IsLocked(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if locked {
		e.recordAttempt(ctx, identifier, user.ID, false, "account_locked")
		return nil, ErrAccountLocked
	}

	verifier, err := e.verifierFor(user.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	ok, err := verifier.Verify(ctx, user, candidate)
	if err != nil {
		// A verifier fault is counted like a wrong password so a broken
		// directory cannot be used to probe accounts without tripping
		// the lockout.
		e.log.Error("credential verification failed", zap.String("user_id", user.ID), zap.Error(err))
		ok = false
	}
	if !ok {
		return nil, e.loginFailed(ctx, identifier, user)
	}

	if err := e.guard.RecordSuccess(ctx, user.ID); err != nil {
		e.log.Error("failed to reset lockout counter", zap.String("user_id", user.ID), zap.Error(err))
	}

	enabled, err := e.twoFactor.Enabled(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if enabled {
		bridge, err := e.twoFactor.IssueBridgeToken(ctx, user.Username)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		e.recordAttempt(ctx, identifier, user.ID, true, "")
		return &LoginResult{TwoFactorRequired: true, BridgeToken: bridge}, nil
	}

	bundle, err := e.issue(ctx, user)
	if err != nil {
		return nil, err
	}
	e.recordAttempt(ctx, identifier, user.ID, true, "")
	e.emit(ctx, AuditEvent{
		EventType: AuditLogin,
		UserID:    user.ID,
		OrgID:     user.OrganizationID,
		SessionID: bundle.SessionID,
		Success:   true,
	})
	return &LoginResult{Bundle: bundle}, nil
}

// CompleteTwoFactor finishes a login whose first factor succeeded. The
// bridge token is single-use and is consumed by this call whether or
// not the code verifies; a failed attempt sends the caller back to
// Login. A stored recovery code is accepted in place of a one-time code
// and is invalidated by use.
func (e *Engine) CompleteTwoFactor(ctx context.Context, identifier, bridgeToken, code string) (*SessionBundle, error) {
	user, err := e.users.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrBridgeTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	locked, err := e.guard.IsLocked(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if locked {
		return nil, ErrAccountLocked
	}

	ok, err := e.twoFactor.ValidateBridgeToken(ctx, user.Username, bridgeToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return nil, ErrBridgeTokenInvalid
	}

	verified, err := e.twoFactor.VerifyCode(ctx, user.ID, code)
	if err != nil {
		if errors.Is(err, twofactor.ErrNotEnabled) {
			return nil, ErrTwoFactorNotEnabled
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !verified {
		verified, err = e.twoFactor.ConsumeRecoveryCode(ctx, user.ID, code)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	if !verified {
		e.recordAttempt(ctx, identifier, user.ID, false, "second_factor")
		if _, err := e.guard.RecordFailure(ctx, user.ID); err != nil {
			e.log.Error("failed to record second-factor failure", zap.String("user_id", user.ID), zap.Error(err))
		}
		return nil, ErrTwoFactorInvalidCode
	}

	bundle, err := e.issue(ctx, user)
	if err != nil {
		return nil, err
	}
	e.recordAttempt(ctx, identifier, user.ID, true, "")
	e.emit(ctx, AuditEvent{
		EventType: AuditLogin,
		UserID:    user.ID,
		OrgID:     user.OrganizationID,
		SessionID: bundle.SessionID,
		Success:   true,
		Metadata:  map[string]string{"second_factor": "true"},
	})
	return bundle, nil
}

func (e *Engine) loginFailed(ctx context.Context, identifier string, user *UserRecord) error {
	e.recordAttempt(ctx, identifier, user.ID, false, "invalid_credentials")
	e.emit(ctx, AuditEvent{
		EventType: AuditLoginFailed,
		UserID:    user.ID,
		OrgID:     user.OrganizationID,
		Error:     "invalid_credentials",
	})

	lockedNow, err := e.guard.RecordFailure(ctx, user.ID)
	if err != nil {
		// The counter could not advance; rejecting the login is still
		// correct, silently skipping the count is not.
		e.log.Error("failed to record login failure", zap.String("user_id", user.ID), zap.Error(err))
		return ErrInvalidCredentials
	}
	if lockedNow {
		e.emit(ctx, AuditEvent{
			EventType: AuditLockout,
			UserID:    user.ID,
			OrgID:     user.OrganizationID,
			Success:   true,
		})
		return ErrAccountLocked
	}
	return ErrInvalidCredentials
}

// issue creates the access token and persists the backing session. The
// session row is written before any token reaches the caller; a
// persistence failure discards the tokens. Sessions evicted by the
// concurrent-session cap have their access tokens revoked so they die
// before their natural expiry.
func (e *Engine) issue(ctx context.Context, user *UserRecord) (*SessionBundle, error) {
	identity := jwt.Identity{
		UserID:         user.ID,
		Username:       user.Username,
		Email:          user.Email,
		Roles:          user.Roles,
		Permissions:    user.Permissions,
		OrganizationID: user.OrganizationID,
		BranchIDs:      user.BranchIDs,
	}
	accessToken, tokenID, expiresAt, err := e.codec.Issue(identity, 0)
	if err != nil {
		return nil, err
	}

	sess, refreshToken, evicted, err := e.sessions.Create(ctx, session.CreateParams{
		UserID:    user.ID,
		Role:      primaryRole(user),
		TokenID:   tokenID,
		IPAddress: clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	for _, id := range evicted {
		e.revokeEvicted(ctx, id, user)
	}

	return &SessionBundle{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenID:      tokenID,
		SessionID:    sess.ID,
		ExpiresAt:    expiresAt,
	}, nil
}

// revokeEvicted revokes the access token of a session that the
// concurrent-session cap just closed. Best-effort: the session is
// already inactive, so its token would anyway be rejected by the
// validation interceptor.
func (e *Engine) revokeEvicted(ctx context.Context, sessionID string, user *UserRecord) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		e.log.Warn("evicted session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err := e.revokeTokenID(ctx, sess.TokenID, sess, string(session.EndConcurrentLimitEvicted), ""); err != nil {
		e.log.Warn("failed to revoke evicted session token", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	e.emit(ctx, AuditEvent{
		EventType: AuditSessionEvicted,
		UserID:    user.ID,
		OrgID:     user.OrganizationID,
		SessionID: sessionID,
		Success:   true,
	})
}

// recordAttempt appends a row to the login-attempt history feeding the
// security monitor. Best-effort.
func (e *Engine) recordAttempt(ctx context.Context, identifier, userID string, success bool, reason string) {
	attempt := &monitor.Attempt{
		ID:            uuid.NewString(),
		Username:      identifier,
		UserID:        userID,
		IPAddress:     clientIPFromContext(ctx),
		UserAgent:     userAgentFromContext(ctx),
		At:            e.now(),
		Success:       success,
		FailureReason: reason,
	}
	if err := e.attempts.Insert(ctx, attempt); err != nil {
		e.log.Error("failed to record login attempt", zap.String("username", identifier), zap.Error(err))
	}
}

func primaryRole(user *UserRecord) string {
	if len(user.Roles) == 0 {
		return ""
	}
	return user.Roles[0]
}
