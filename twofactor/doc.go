// Package twofactor manages the second authentication factor: TOTP
// secret provisioning and verification, a one-time recovery code, and
// the short-lived bridge token that links a verified first factor to the
// pending second-factor check.
package twofactor
