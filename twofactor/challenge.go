package twofactor

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/authkeep/authkeep/cache"
)

const (
	pendingKeyPrefix = "2fp"
	bridgeKeyPrefix  = "2fb"

	bridgeTokenBytes  = 32
	recoveryCodeBytes = 10
)

var (
	// ErrSetupNotFound is returned when Enable is called without a
	// pending setup (or after it expired).
	ErrSetupNotFound = errors.New("two-factor setup not found")
	// ErrNotEnabled is returned when an operation requires an enabled
	// second factor.
	ErrNotEnabled = errors.New("two-factor not enabled")
	// ErrInvalidCode is returned by Enable when the confirmation code
	// does not match the pending secret.
	ErrInvalidCode = errors.New("invalid two-factor code")
)

// Config tunes a Challenge.
type Config struct {
	// Issuer is the name shown in authenticator apps.
	Issuer string
	// BridgeTTL bounds the gap between first and second factor.
	// Defaults to 5 minutes.
	BridgeTTL time.Duration
	// SetupTTL bounds how long a generated, not-yet-enabled secret stays
	// valid. Defaults to 10 minutes.
	SetupTTL time.Duration
	// Now is the time source. Defaults to time.Now.
	Now func() time.Time
}

// Challenge manages second-factor state. Pending setups and bridge
// tokens are cache-only; enabled secrets are durable.
type Challenge struct {
	store  Store
	cache  *cache.Layer
	config Config
	log    *zap.Logger
}

// NewChallenge returns a Challenge. The cache layer is required because
// bridge tokens and pending setups live there.
func NewChallenge(store Store, layer *cache.Layer, cfg Config, log *zap.Logger) (*Challenge, error) {
	if store == nil {
		return nil, errors.New("twofactor: nil store")
	}
	if layer == nil {
		return nil, errors.New("twofactor: nil cache layer")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("twofactor: issuer required")
	}
	if cfg.BridgeTTL == 0 {
		cfg.BridgeTTL = 5 * time.Minute
	}
	if cfg.SetupTTL == 0 {
		cfg.SetupTTL = 10 * time.Minute
	}
	if cfg.BridgeTTL < 0 || cfg.SetupTTL < 0 {
		return nil, errors.New("twofactor: invalid ttl")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Challenge{
		store:  store,
		cache:  layer,
		config: cfg,
		log:    log.With(zap.String("component", "two_factor")),
	}, nil
}

// GenerateSetup creates a fresh secret for the user without enabling it.
// The secret is stashed with a TTL and only becomes durable once Enable
// sees a valid code for it.
func (c *Challenge) GenerateSetup(ctx context.Context, userID, account string) (secretKey, provisioningURI string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      c.config.Issuer,
		AccountName: account,
	})
	if err != nil {
		return "", "", err
	}
	if err := c.cache.Set(ctx, pendingKey(userID), key.Secret(), c.config.SetupTTL); err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Enable activates two-factor for the user after proving possession of
// the pending secret with one valid code. It returns the one-time
// recovery code, shown to the user exactly once.
func (c *Challenge) Enable(ctx context.Context, userID, code string) (recoveryCode string, err error) {
	pending, err := c.cache.Get(ctx, pendingKey(userID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return "", ErrSetupNotFound
		}
		return "", err
	}

	ok, err := c.validateCode(code, pending)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidCode
	}
	return c.finishEnable(ctx, userID, pending)
}

func (c *Challenge) finishEnable(ctx context.Context, userID, secretKey string) (string, error) {
	recovery, err := newRecoveryCode()
	if err != nil {
		return "", err
	}
	secret := &Secret{
		UserID:       userID,
		SecretKey:    secretKey,
		RecoveryHash: sha256.Sum256([]byte(recovery)),
		EnabledAt:    c.config.Now(),
	}
	if err := c.store.Upsert(ctx, secret); err != nil {
		return "", err
	}
	if err := c.cache.Delete(ctx, pendingKey(userID)); err != nil {
		c.log.Warn("failed to drop pending two-factor setup", zap.Error(err))
	}
	return recovery, nil
}

// Disable removes the user's second factor; reports whether one existed.
func (c *Challenge) Disable(ctx context.Context, userID string) (bool, error) {
	return c.store.Delete(ctx, userID)
}

// Enabled reports whether the user has an active second factor.
func (c *Challenge) Enabled(ctx context.Context, userID string) (bool, error) {
	secret, err := c.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return secret != nil, nil
}

// VerifyCode checks a one-time code against the user's enabled secret,
// accepting the current and adjacent time steps for clock skew.
func (c *Challenge) VerifyCode(ctx context.Context, userID, code string) (bool, error) {
	secret, err := c.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if secret == nil {
		return false, ErrNotEnabled
	}
	return c.validateCode(code, secret.SecretKey)
}

// ConsumeRecoveryCode accepts the one-time recovery code in place of a
// TOTP code. It is invalidated on use.
func (c *Challenge) ConsumeRecoveryCode(ctx context.Context, userID, code string) (bool, error) {
	secret, err := c.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if secret == nil {
		return false, ErrNotEnabled
	}

	presented := sha256.Sum256([]byte(code))
	if subtle.ConstantTimeCompare(presented[:], secret.RecoveryHash[:]) != 1 {
		return false, nil
	}
	// The conditional clear is what makes the code single-use against
	// concurrent attempts.
	return c.store.ClearRecovery(ctx, userID, presented)
}

// IssueBridgeToken creates the short-lived, single-use token handed back
// after a successful first factor. Only its hash is cached.
func (c *Challenge) IssueBridgeToken(ctx context.Context, username string) (string, error) {
	raw := make([]byte, bridgeTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	digest := sha256.Sum256([]byte(token))

	if err := c.cache.Set(ctx, bridgeKey(username), hex.EncodeToString(digest[:]), c.config.BridgeTTL); err != nil {
		return "", err
	}
	return token, nil
}

// ValidateBridgeToken consumes the user's bridge token. Validation is
// destructive: a second call with the same token fails even when the
// first one carried a wrong value, forcing a fresh first factor.
func (c *Challenge) ValidateBridgeToken(ctx context.Context, username, token string) (bool, error) {
	stored, err := c.cache.GetDel(ctx, bridgeKey(username))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return false, nil
		}
		return false, err
	}
	digest := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(digest[:])), []byte(stored)) == 1, nil
}

func (c *Challenge) validateCode(code, secretKey string) (bool, error) {
	ok, err := totp.ValidateCustom(code, secretKey, c.config.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// The library reports format problems as errors; treat them as
		// a failed check, not an outage.
		return false, nil
	}
	return ok, nil
}

func newRecoveryCode() (string, error) {
	raw := make([]byte, recoveryCodeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

func pendingKey(userID string) string {
	return pendingKeyPrefix + ":" + userID
}

func bridgeKey(username string) string {
	return bridgeKeyPrefix + ":" + username
}
