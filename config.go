package authkeep

import (
	"errors"
	"time"

	"github.com/authkeep/authkeep/jwt"
	"github.com/authkeep/authkeep/password"
)

// Config is the engine configuration. Zero values are filled with safe
// defaults by New; Validate rejects combinations the engine cannot run
// with.
type Config struct {
	Token     TokenConfig
	Session   SessionConfig
	Lockout   LockoutConfig
	TwoFactor TwoFactorConfig
	Password  password.Config
	Audit     AuditConfig
	Monitor   MonitorConfig

	// CachePrefix namespaces every Redis key the engine writes.
	// Defaults to "ak".
	CachePrefix string

	// Now is the single time source for all expiry math. Defaults to
	// time.Now. Injected by tests.
	Now func() time.Time
}

// TokenConfig configures access and purpose token signing.
type TokenConfig struct {
	AccessTTL     time.Duration
	SigningMethod jwt.SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	// VerifyKeys holds additional keys accepted during rotation, keyed
	// by kid.
	VerifyKeys map[string][]byte
}

// SessionConfig bounds the session registry.
type SessionConfig struct {
	// MaxConcurrent caps active sessions per user; 0 disables the cap.
	MaxConcurrent int
	// RefreshTTL is the refresh window of new sessions.
	RefreshTTL time.Duration
}

// LockoutConfig tunes the failed-login guard.
type LockoutConfig struct {
	Threshold int
	Duration  time.Duration
}

// TwoFactorConfig tunes the second-factor bridge.
type TwoFactorConfig struct {
	Issuer    string
	BridgeTTL time.Duration
	SetupTTL  time.Duration
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events instead of blocking callers when the
	// buffer is full. Dropped events are counted.
	DropIfFull bool
}

// MonitorConfig tunes the security monitor's scan.
type MonitorConfig struct {
	Window                  time.Duration
	AccountFailureThreshold int64
	SprayAccountThreshold   int64
	DistributedIPThreshold  int64
}

func (c *Config) normalize() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.CachePrefix == "" {
		c.CachePrefix = "ak"
	}
	if c.Token.AccessTTL <= 0 {
		c.Token.AccessTTL = 15 * time.Minute
	}
	if c.Token.SigningMethod == "" {
		c.Token.SigningMethod = jwt.MethodHS256
	}
	if c.Session.RefreshTTL <= 0 {
		c.Session.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.Lockout.Threshold <= 0 {
		c.Lockout.Threshold = 5
	}
	if c.Lockout.Duration <= 0 {
		c.Lockout.Duration = 15 * time.Minute
	}
	if c.TwoFactor.Issuer == "" {
		c.TwoFactor.Issuer = "authkeep"
	}
	if c.TwoFactor.BridgeTTL <= 0 {
		c.TwoFactor.BridgeTTL = 5 * time.Minute
	}
	if c.TwoFactor.SetupTTL <= 0 {
		c.TwoFactor.SetupTTL = 10 * time.Minute
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = 256
	}
	if c.Password == (password.Config{}) {
		c.Password = password.Config{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		}
	}
}

// Validate reports the first configuration problem found. normalize is
// expected to have run first.
func (c *Config) Validate() error {
	if len(c.Token.PrivateKey) == 0 {
		return errors.New("config: token signing key required")
	}
	if c.Session.MaxConcurrent < 0 {
		return errors.New("config: max concurrent sessions must be >= 0")
	}
	if c.Session.RefreshTTL <= c.Token.AccessTTL {
		return errors.New("config: refresh window must outlive the access token")
	}
	return nil
}
