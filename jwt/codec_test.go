package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		AccessTTL:     15 * time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "authkeep-test",
	}
}

func testIdentity() Identity {
	return Identity{
		UserID:         "user-1",
		Username:       "alice",
		Email:          "alice@example.com",
		Roles:          []string{"admin"},
		Permissions:    []string{"org.read", "org.write"},
		OrganizationID: "org-1",
		BranchIDs:      []string{"b1", "b2"},
	}
}

func TestIssueAndValidate(t *testing.T) {
	codec, err := NewCodec(testConfig(t))
	require.NoError(t, err)

	token, tokenID, expiresAt, err := codec.Issue(testIdentity(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NotEmpty(t, tokenID)

	claims, err := codec.Validate(token, true)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, []string{"admin"}, claims.Roles)
	assert.Equal(t, []string{"org.read", "org.write"}, claims.Permissions)
	assert.Equal(t, "org-1", claims.OrganizationID)
	assert.Equal(t, []string{"b1", "b2"}, claims.BranchIDs)
	assert.Equal(t, tokenID, claims.ID)
	assert.WithinDuration(t, expiresAt, claims.ExpiresAt.Time, time.Second)
}

func TestValidateUniqueTokenIDs(t *testing.T) {
	codec, err := NewCodec(testConfig(t))
	require.NoError(t, err)

	_, first, _, err := codec.Issue(testIdentity(), 0)
	require.NoError(t, err)
	_, second, _, err := codec.Issue(testIdentity(), 0)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestValidateExpired(t *testing.T) {
	base := time.Now()
	now := base
	cfg := testConfig(t)
	cfg.Now = func() time.Time { return now }

	codec, err := NewCodec(cfg)
	require.NoError(t, err)

	token, _, _, err := codec.Issue(testIdentity(), time.Minute)
	require.NoError(t, err)

	now = base.Add(2 * time.Minute)

	_, err = codec.Validate(token, true)
	assert.ErrorIs(t, err, ErrExpired)

	// Skipping the expiry check still verifies the signature and yields
	// the claims, which logout needs for already-expired tokens.
	claims, err := codec.Validate(token, false)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestValidateBadSignature(t *testing.T) {
	codec, err := NewCodec(testConfig(t))
	require.NoError(t, err)

	otherCfg := testConfig(t)
	otherCfg.PrivateKey = []byte("ffffffffffffffffffffffffffffffff")
	other, err := NewCodec(otherCfg)
	require.NoError(t, err)

	token, _, _, err := other.Issue(testIdentity(), 0)
	require.NoError(t, err)

	_, err = codec.Validate(token, true)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestValidateMalformed(t *testing.T) {
	codec, err := NewCodec(testConfig(t))
	require.NoError(t, err)

	_, err = codec.Validate("not-a-token", true)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEd25519KeyRotation(t *testing.T) {
	oldPub, oldPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	newPub, newPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	oldCodec, err := NewCodec(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    oldPriv,
		PublicKey:     oldPub,
		KeyID:         "2025-01",
		VerifyKeys:    map[string][]byte{"2025-01": oldPub},
	})
	require.NoError(t, err)

	oldToken, _, _, err := oldCodec.Issue(testIdentity(), 0)
	require.NoError(t, err)

	// After rotation both key ids validate; only the new one signs.
	rotated, err := NewCodec(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    newPriv,
		KeyID:         "2025-07",
		VerifyKeys: map[string][]byte{
			"2025-01": oldPub,
			"2025-07": newPub,
		},
	})
	require.NoError(t, err)

	_, err = rotated.Validate(oldToken, true)
	assert.NoError(t, err)

	newToken, _, _, err := rotated.Issue(testIdentity(), 0)
	require.NoError(t, err)
	_, err = rotated.Validate(newToken, true)
	assert.NoError(t, err)
}

func TestUnknownKeyID(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, err := NewCodec(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		KeyID:         "retired",
	})
	require.NoError(t, err)

	token, _, _, err := signer.Issue(testIdentity(), 0)
	require.NoError(t, err)

	verifierPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	verifier, err := NewCodec(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		VerifyKeys:    map[string][]byte{"current": verifierPub},
	})
	require.NoError(t, err)

	_, err = verifier.Validate(token, true)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestPurposeToken(t *testing.T) {
	codec, err := NewCodec(testConfig(t))
	require.NoError(t, err)

	token, err := codec.IssuePurpose("user-1", "password_reset", time.Hour, map[string]string{
		"email": "alice@example.com",
	})
	require.NoError(t, err)

	claims, err := codec.ValidatePurpose(token, "password_reset")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "alice@example.com", claims.Data["email"])

	// The same token must not be accepted for a different action.
	_, err = codec.ValidatePurpose(token, "account_activation")
	assert.ErrorIs(t, err, ErrWrongPurpose)
}

func TestNewCodecRejectsBadConfig(t *testing.T) {
	_, err := NewCodec(Config{SigningMethod: MethodHS256})
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.AccessTTL = 0
	_, err = NewCodec(cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Leeway = 10 * time.Minute
	_, err = NewCodec(cfg)
	assert.Error(t, err)

	_, err = NewCodec(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519})
	assert.Error(t, err)
}
