package authkeep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/authkeep/authkeep/password"
)

const (
	testPassword = "correct-horse-battery"
	testSecret   = "0123456789abcdef0123456789abcdef"
)

type fakeUserProvider struct {
	mu    sync.Mutex
	users map[string]*UserRecord
}

func (p *fakeUserProvider) GetUserByIdentifier(_ context.Context, identifier string) (*UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[identifier]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (p *fakeUserProvider) GetUserByID(_ context.Context, id string) (*UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, ErrUserNotFound
}

type engineFixture struct {
	engine *Engine
	users  *fakeUserProvider
	mr     *miniredis.Miniredis
	sink   *ChannelSink
	now    time.Time
}

func (f *engineFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
	f.mr.FastForward(d)
}

func newEngineFixture(t *testing.T, mutate func(*Config)) *engineFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &engineFixture{
		mr:   mr,
		now:  time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		sink: NewChannelSink(64),
	}

	pwCfg := password.Config{Memory: 8192, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16}
	hasher, err := password.NewArgon2(pwCfg)
	require.NoError(t, err)
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)

	f.users = &fakeUserProvider{users: map[string]*UserRecord{
		"alice": {
			ID:             "u-alice",
			Username:       "alice",
			Email:          "alice@example.com",
			PasswordHash:   hash,
			Source:         SourceLocal,
			Roles:          []string{"admin"},
			Permissions:    []string{"users.read", "users.write"},
			OrganizationID: "org-1",
		},
		"bob": {
			ID:           "u-bob",
			Username:     "bob",
			PasswordHash: hash,
			Source:       SourceLocal,
			Roles:        []string{"viewer"},
		},
	}}

	cfg := Config{
		Token: TokenConfig{
			AccessTTL:  15 * time.Minute,
			PrivateKey: []byte(testSecret),
			Issuer:     "authkeep-test",
		},
		Session:  SessionConfig{RefreshTTL: 24 * time.Hour},
		Password: pwCfg,
		Audit:    AuditConfig{Enabled: true, BufferSize: 64},
		Now:      func() time.Time { return f.now },
	}
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := New(cfg, Deps{
		UserProvider: f.users,
		Redis:        client,
		AuditSink:    f.sink,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	f.engine = engine
	return f
}

func TestLoginIssuesWorkingBundle(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := WithClientIP(context.Background(), "10.1.2.3")

	res, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	require.False(t, res.TwoFactorRequired)
	require.NotNil(t, res.Bundle)
	require.NotEmpty(t, res.Bundle.AccessToken)
	require.NotEmpty(t, res.Bundle.RefreshToken)
	require.Equal(t, f.now.Add(15*time.Minute), res.Bundle.ExpiresAt)

	claims, err := f.engine.ValidateAccess(ctx, res.Bundle.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "u-alice", claims.Subject)
	require.Equal(t, "alice", claims.Username)
	require.Equal(t, []string{"admin"}, claims.Roles)
	require.Equal(t, "org-1", claims.OrganizationID)

	sessions, err := f.engine.Sessions(ctx, "u-alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "10.1.2.3", sessions[0].IPAddress)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	_, unknownErr := f.engine.Login(ctx, "nobody", testPassword)
	_, wrongErr := f.engine.Login(ctx, "alice", "not-the-password")

	require.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	require.ErrorIs(t, wrongErr, ErrInvalidCredentials)
}

func TestLockoutAfterThresholdFailures(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.engine.Login(ctx, "alice", "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := f.engine.Login(ctx, "alice", "wrong")
	require.ErrorIs(t, err, ErrAccountLocked)

	status, err := f.engine.LockoutStatus(ctx, "alice")
	require.NoError(t, err)
	require.True(t, status.IsLocked)
	require.Equal(t, 5, status.FailedCount)
	require.NotNil(t, status.LockoutEnd)
	require.Equal(t, f.now.Add(15*time.Minute), *status.LockoutEnd)

	// The right password does not bypass an open lockout window.
	_, err = f.engine.Login(ctx, "alice", testPassword)
	require.ErrorIs(t, err, ErrAccountLocked)

	f.advance(16 * time.Minute)

	res, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	require.NotNil(t, res.Bundle)

	status, err = f.engine.LockoutStatus(ctx, "alice")
	require.NoError(t, err)
	require.False(t, status.IsLocked)
	require.Zero(t, status.FailedCount)
}

func TestLockoutCountingDoesNotDecayWithTime(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.engine.Login(ctx, "alice", "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	f.advance(24 * time.Hour)

	_, err := f.engine.Login(ctx, "alice", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.engine.Login(ctx, "alice", "wrong")
	require.ErrorIs(t, err, ErrAccountLocked)
}

func TestAdminUnlock(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.engine.Login(ctx, "alice", "wrong")
	}
	_, err := f.engine.Login(ctx, "alice", testPassword)
	require.ErrorIs(t, err, ErrAccountLocked)

	require.NoError(t, f.engine.Unlock(ctx, "alice", "u-admin"))

	res, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	require.NotNil(t, res.Bundle)
}

func TestRefreshRotationIsSingleUse(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	res, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	first := res.Bundle

	second, err := f.engine.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.NotEqual(t, first.TokenID, second.TokenID)

	// The rotated refresh token is dead, and presenting it again is a
	// theft signal.
	_, err = f.engine.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	// So is the access token issued alongside it.
	_, err = f.engine.ValidateAccess(ctx, first.AccessToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	// The successor pair works.
	_, err = f.engine.ValidateAccess(ctx, second.AccessToken)
	require.NoError(t, err)
	third, err := f.engine.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, third)
}

func TestRefreshPicksUpRoleChanges(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	res, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)

	f.users.mu.Lock()
	f.users.users["alice"].Roles = []string{"viewer"}
	f.users.mu.Unlock()

	refreshed, err := f.engine.Refresh(ctx, res.Bundle.RefreshToken)
	require.NoError(t, err)

	claims, err := f.engine.ValidateAccess(ctx, refreshed.AccessToken)
	require.NoError(t, err)
	require.Equal(t, []string{"viewer"}, claims.Roles)
}

func TestRefreshExpiresWithWindow(t *testing.T) {
	f := newEngineFixture(t, func(cfg *Config) {
		cfg.Session.RefreshTTL = time.Hour
	})
	ctx := context.Background()

	res, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)

	f.advance(2 * time.Hour)

	_, err = f.engine.Refresh(ctx, res.Bundle.RefreshToken)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestAccessTokenExpiry(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	res, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)

	f.advance(16 * time.Minute)

	_, err = f.engine.ValidateAccess(ctx, res.Bundle.AccessToken)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	res, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	token := res.Bundle.AccessToken

	require.NoError(t, f.engine.Logout(ctx, token))

	_, err = f.engine.ValidateAccess(ctx, token)
	require.ErrorIs(t, err, ErrTokenRevoked)

	revoked, err := f.engine.IsRevoked(ctx, res.Bundle.TokenID)
	require.NoError(t, err)
	require.True(t, revoked)

	// Second logout succeeds without changing anything.
	require.NoError(t, f.engine.Logout(ctx, token))
}

func TestConcurrentSessionLimitEvictsOldest(t *testing.T) {
	f := newEngineFixture(t, func(cfg *Config) {
		cfg.Session.MaxConcurrent = 1
	})
	ctx := context.Background()

	first, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	f.advance(time.Minute)
	second, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)

	sessions, err := f.engine.Sessions(ctx, "u-alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, second.Bundle.SessionID, sessions[0].ID)

	_, err = f.engine.ValidateAccess(ctx, first.Bundle.AccessToken)
	require.ErrorIs(t, err, ErrTokenRevoked)
	_, err = f.engine.ValidateAccess(ctx, second.Bundle.AccessToken)
	require.NoError(t, err)
}

func TestLogoutAllClosesEverySession(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 3; i++ {
		res, err := f.engine.Login(ctx, "alice", testPassword)
		require.NoError(t, err)
		tokens = append(tokens, res.Bundle.AccessToken)
	}

	closed, err := f.engine.LogoutAll(ctx, "u-alice")
	require.NoError(t, err)
	require.EqualValues(t, 3, closed)

	for _, token := range tokens {
		_, err := f.engine.ValidateAccess(ctx, token)
		require.ErrorIs(t, err, ErrTokenRevoked)
	}
}

func TestCloseAllOthersKeepsCurrent(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	other, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	current, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)

	closed, err := f.engine.CloseAllOthers(ctx, "u-alice", current.Bundle.SessionID)
	require.NoError(t, err)
	require.EqualValues(t, 1, closed)

	_, err = f.engine.ValidateAccess(ctx, other.Bundle.AccessToken)
	require.ErrorIs(t, err, ErrTokenRevoked)
	_, err = f.engine.ValidateAccess(ctx, current.Bundle.AccessToken)
	require.NoError(t, err)
}

func TestTwoFactorLoginFlow(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	setup, err := f.engine.SetupTwoFactor(ctx, "u-alice")
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.SecretKey, f.now)
	require.NoError(t, err)
	recovery, err := f.engine.EnableTwoFactor(ctx, "u-alice", code)
	require.NoError(t, err)
	require.NotEmpty(t, recovery)

	res, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	require.True(t, res.TwoFactorRequired)
	require.NotEmpty(t, res.BridgeToken)
	require.Nil(t, res.Bundle)

	code, err = totp.GenerateCode(setup.SecretKey, f.now)
	require.NoError(t, err)
	bundle, err := f.engine.CompleteTwoFactor(ctx, "alice", res.BridgeToken, code)
	require.NoError(t, err)
	require.NotNil(t, bundle)

	// The bridge token was consumed.
	_, err = f.engine.CompleteTwoFactor(ctx, "alice", res.BridgeToken, code)
	require.ErrorIs(t, err, ErrBridgeTokenInvalid)
}

func TestTwoFactorIssuerDefaulted(t *testing.T) {
	// The fixture leaves TwoFactor zero; New must fill the issuer
	// instead of rejecting the config.
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	setup, err := f.engine.SetupTwoFactor(ctx, "u-alice")
	require.NoError(t, err)
	require.Contains(t, setup.ProvisioningURI, "issuer=authkeep")
}

func TestTwoFactorWrongCodeBurnsBridgeAndCounts(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	setup, err := f.engine.SetupTwoFactor(ctx, "u-alice")
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.SecretKey, f.now)
	require.NoError(t, err)
	_, err = f.engine.EnableTwoFactor(ctx, "u-alice", code)
	require.NoError(t, err)

	res, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)

	_, err = f.engine.CompleteTwoFactor(ctx, "alice", res.BridgeToken, "000000")
	require.ErrorIs(t, err, ErrTwoFactorInvalidCode)

	status, err := f.engine.LockoutStatus(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, status.FailedCount)

	// The burnt bridge forces a fresh first factor.
	code, err = totp.GenerateCode(setup.SecretKey, f.now)
	require.NoError(t, err)
	_, err = f.engine.CompleteTwoFactor(ctx, "alice", res.BridgeToken, code)
	require.ErrorIs(t, err, ErrBridgeTokenInvalid)
}

func TestRecoveryCodeIsSingleUse(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	setup, err := f.engine.SetupTwoFactor(ctx, "u-alice")
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.SecretKey, f.now)
	require.NoError(t, err)
	recovery, err := f.engine.EnableTwoFactor(ctx, "u-alice", code)
	require.NoError(t, err)

	res, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	bundle, err := f.engine.CompleteTwoFactor(ctx, "alice", res.BridgeToken, recovery)
	require.NoError(t, err)
	require.NotNil(t, bundle)

	res, err = f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	_, err = f.engine.CompleteTwoFactor(ctx, "alice", res.BridgeToken, recovery)
	require.ErrorIs(t, err, ErrTwoFactorInvalidCode)
}

func TestDisableTwoFactorRestoresPlainLogin(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	setup, err := f.engine.SetupTwoFactor(ctx, "u-alice")
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.SecretKey, f.now)
	require.NoError(t, err)
	_, err = f.engine.EnableTwoFactor(ctx, "u-alice", code)
	require.NoError(t, err)

	require.NoError(t, f.engine.DisableTwoFactor(ctx, "u-alice"))
	require.ErrorIs(t, f.engine.DisableTwoFactor(ctx, "u-alice"), ErrTwoFactorNotEnabled)

	res, err := f.engine.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	require.False(t, res.TwoFactorRequired)
	require.NotNil(t, res.Bundle)
}

func TestPurposeTokens(t *testing.T) {
	f := newEngineFixture(t, nil)

	token, err := f.engine.IssuePurposeToken("u-alice", "password_reset", time.Hour, map[string]string{
		"email": "alice@example.com",
	})
	require.NoError(t, err)

	claims, err := f.engine.ValidatePurposeToken(token, "password_reset")
	require.NoError(t, err)
	require.Equal(t, "u-alice", claims.Subject)
	require.Equal(t, "alice@example.com", claims.Data["email"])

	_, err = f.engine.ValidatePurposeToken(token, "account_activation")
	require.ErrorIs(t, err, ErrTokenMalformed)
}

func TestFailedLoginEmitsAuditEvent(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.Login(ctx, "alice", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	require.Eventually(t, func() bool {
		select {
		case ev := <-f.sink.Events():
			return ev.EventType == AuditLoginFailed && ev.UserID == "u-alice"
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestLockoutEmitsSingleAuditEvent(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, _ = f.engine.Login(ctx, "alice", "wrong")
	}

	require.Eventually(t, func() bool {
		lockouts := 0
		for {
			select {
			case ev := <-f.sink.Events():
				if ev.EventType == AuditLockout {
					lockouts++
				}
			default:
				return lockouts == 1
			}
		}
	}, time.Second, 10*time.Millisecond)
}

func TestSecurityAlertsSeeLoginFailures(t *testing.T) {
	f := newEngineFixture(t, func(cfg *Config) {
		cfg.Monitor.AccountFailureThreshold = 3
		// Keep the account from locking before enough failures accrue.
		cfg.Lockout.Threshold = 50
	})
	ctx := WithClientIP(context.Background(), "203.0.113.9")

	for i := 0; i < 4; i++ {
		_, err := f.engine.Login(ctx, "alice", "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	alerts, err := f.engine.SecurityAlerts(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	require.Equal(t, "alice", alerts[0].Subject)
}

func TestDirectoryUsersDispatchToDirectoryVerifier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	users := &fakeUserProvider{users: map[string]*UserRecord{
		"carol": {
			ID:             "u-carol",
			Username:       "carol",
			Source:         SourceDirectory,
			Roles:          []string{"viewer"},
			OrganizationID: "org-9",
		},
	}}
	dir := &fakeDirectory{password: "ldap-secret"}

	engine, err := New(Config{
		Token: TokenConfig{PrivateKey: []byte(testSecret)},
	}, Deps{
		UserProvider: users,
		Directory:    dir,
		Redis:        client,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	ctx := context.Background()
	res, err := engine.Login(ctx, "carol", "ldap-secret")
	require.NoError(t, err)
	require.NotNil(t, res.Bundle)
	require.Equal(t, "org-9", dir.lastOrgID)

	_, err = engine.Login(ctx, "carol", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

type fakeDirectory struct {
	mu        sync.Mutex
	password  string
	lastOrgID string
}

func (d *fakeDirectory) Authenticate(_ context.Context, _, candidate, orgID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastOrgID = orgID
	return candidate == d.password, nil
}
