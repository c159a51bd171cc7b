package authkeep

import (
	"errors"
	"time"

	"github.com/authkeep/authkeep/jwt"
)

// IssuePurposeToken creates a narrow-scope token for flows like account
// activation or password reset. data is snapshotted into the token so
// it cannot be replayed against state that changed after issuance.
// Delivery of the token (email, SMS) is the caller's concern.
func (e *Engine) IssuePurposeToken(userID, purpose string, ttl time.Duration, data map[string]string) (string, error) {
	return e.codec.IssuePurpose(userID, purpose, ttl, data)
}

// ValidatePurposeToken verifies a purpose token and returns its claims.
// A token issued for a different purpose fails with ErrTokenMalformed
// rather than revealing which purpose it carries.
func (e *Engine) ValidatePurposeToken(token, purpose string) (*jwt.PurposeClaims, error) {
	claims, err := e.codec.ValidatePurpose(token, purpose)
	if err != nil {
		if errors.Is(err, jwt.ErrWrongPurpose) {
			return nil, ErrTokenMalformed
		}
		return nil, mapTokenError(err)
	}
	return claims, nil
}
