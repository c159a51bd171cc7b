// Package jwt implements the signed-token codec used by the lifecycle
// engine: access tokens carrying the caller's identity and authorization
// context, and narrow purpose tokens for activation and password-reset
// style flows.
//
// Refresh tokens are deliberately not JWTs; they are opaque values owned
// by the session package.
package jwt
