package authkeep

import (
	"context"
	"errors"
	"fmt"

	"github.com/authkeep/authkeep/twofactor"
)

// TwoFactorSetup is the material a user needs to register an
// authenticator app. The secret is not yet enabled; EnableTwoFactor
// must confirm it with a valid code first.
type TwoFactorSetup struct {
	SecretKey       string
	ProvisioningURI string
}

// SetupTwoFactor generates a fresh TOTP secret for the user. The secret
// stays pending until EnableTwoFactor confirms it and expires if not
// confirmed within the configured setup window.
func (e *Engine) SetupTwoFactor(ctx context.Context, userID string) (*TwoFactorSetup, error) {
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	account := user.Email
	if account == "" {
		account = user.Username
	}
	secret, uri, err := e.twoFactor.GenerateSetup(ctx, userID, account)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &TwoFactorSetup{SecretKey: secret, ProvisioningURI: uri}, nil
}

// EnableTwoFactor confirms the pending secret with a code from the
// user's authenticator and activates the second factor. The returned
// recovery code is shown once and accepted later in place of a one-time
// code, exactly once.
func (e *Engine) EnableTwoFactor(ctx context.Context, userID, code string) (recoveryCode string, err error) {
	recoveryCode, err = e.twoFactor.Enable(ctx, userID, code)
	if err != nil {
		switch {
		case errors.Is(err, twofactor.ErrInvalidCode):
			return "", ErrTwoFactorInvalidCode
		case errors.Is(err, twofactor.ErrSetupNotFound):
			return "", ErrTwoFactorInvalidCode
		default:
			return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	e.emit(ctx, AuditEvent{
		EventType: AuditTwoFactorEnabled,
		UserID:    userID,
		Success:   true,
	})
	return recoveryCode, nil
}

// DisableTwoFactor removes the user's second factor. Disabling when
// none is enabled returns ErrTwoFactorNotEnabled.
func (e *Engine) DisableTwoFactor(ctx context.Context, userID string) error {
	removed, err := e.twoFactor.Disable(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !removed {
		return ErrTwoFactorNotEnabled
	}

	e.emit(ctx, AuditEvent{
		EventType: AuditTwoFactorDisabled,
		UserID:    userID,
		Success:   true,
	})
	return nil
}

// TwoFactorEnabled reports whether the user has an active second
// factor.
func (e *Engine) TwoFactorEnabled(ctx context.Context, userID string) (bool, error) {
	enabled, err := e.twoFactor.Enabled(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return enabled, nil
}
