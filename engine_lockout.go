package authkeep

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LockoutStatus is the introspection view of an account's failed-login
// state.
type LockoutStatus struct {
	IsLocked    bool
	FailedCount int
	LockoutEnd  *time.Time
}

// LockoutStatus returns the lockout state for an account identifier.
func (e *Engine) LockoutStatus(ctx context.Context, identifier string) (*LockoutStatus, error) {
	user, err := e.users.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	state, err := e.guard.Status(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &LockoutStatus{
		IsLocked:    state.Locked(e.now()),
		FailedCount: state.FailedCount,
		LockoutEnd:  state.LockoutEnd,
	}, nil
}

// Unlock is the administrative override: it clears the failure counter
// and any open lockout window, and audits the action under the acting
// administrator.
func (e *Engine) Unlock(ctx context.Context, identifier, actorUserID string) error {
	user, err := e.users.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := e.guard.Unlock(ctx, user.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emit(ctx, AuditEvent{
		EventType: AuditUnlock,
		UserID:    user.ID,
		OrgID:     user.OrganizationID,
		Success:   true,
		Metadata:  map[string]string{"actor": actorUserID},
	})
	return nil
}
