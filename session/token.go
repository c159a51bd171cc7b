package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
)

// Refresh tokens are opaque: base64url(sessionID || secret). Only the
// SHA-256 of the secret is stored, so a database leak does not leak
// usable refresh tokens. Embedding the session id keeps the lookup a
// primary-key fetch instead of a scan.

const refreshSecretSize = 32

var errBadRefreshToken = errors.New("invalid refresh token encoding")

func newRefreshSecret() ([refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func hashRefreshSecret(secret [refreshSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeRefreshToken packs a session id and secret into the wire form
// handed to clients.
func EncodeRefreshToken(sessionID string, secret [refreshSecretSize]byte) (string, error) {
	sid, err := uuid.Parse(sessionID)
	if err != nil {
		return "", err
	}

	raw := make([]byte, 16+refreshSecretSize)
	copy(raw[:16], sid[:])
	copy(raw[16:], secret[:])
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeRefreshToken reverses EncodeRefreshToken.
func DecodeRefreshToken(token string) (string, [refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, errBadRefreshToken
	}
	if len(raw) != 16+refreshSecretSize {
		return "", secret, errBadRefreshToken
	}

	var sid uuid.UUID
	copy(sid[:], raw[:16])
	copy(secret[:], raw[16:])
	return sid.String(), secret, nil
}
