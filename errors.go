package authkeep

import "errors"

var (
	// ErrInvalidCredentials is returned when a login fails. Unknown
	// accounts and wrong passwords are deliberately indistinguishable so
	// callers cannot enumerate usernames.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is the UserProvider contract error for a missing
	// account. The engine never surfaces it to login callers.
	ErrUserNotFound = errors.New("user not found")
	// ErrAccountLocked is returned while an account's lockout window is
	// open.
	ErrAccountLocked = errors.New("account locked")
	// ErrTokenExpired is returned when a token is past its expiry or
	// refresh window.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked is returned when a token has been revoked or its
	// refresh token already rotated.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenMalformed is returned when a token cannot be parsed or its
	// signature does not verify.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrSessionNotFound is returned when no active session backs the
	// presented token.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTwoFactorInvalidCode is returned when a one-time or recovery
	// code does not verify.
	ErrTwoFactorInvalidCode = errors.New("invalid two-factor code")
	// ErrTwoFactorNotEnabled is returned when a second-factor operation
	// requires an enabled secret.
	ErrTwoFactorNotEnabled = errors.New("two-factor not enabled")
	// ErrBridgeTokenInvalid is returned when a bridge token is unknown,
	// expired, or already consumed.
	ErrBridgeTokenInvalid = errors.New("bridge token invalid")
	// ErrStoreUnavailable is returned when a store or cache failure
	// prevents a security check. Such checks fail closed.
	ErrStoreUnavailable = errors.New("backing store unavailable")
)
