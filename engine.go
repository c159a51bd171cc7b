package authkeep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/authkeep/authkeep/cache"
	"github.com/authkeep/authkeep/jwt"
	"github.com/authkeep/authkeep/lockout"
	"github.com/authkeep/authkeep/monitor"
	"github.com/authkeep/authkeep/password"
	"github.com/authkeep/authkeep/revocation"
	"github.com/authkeep/authkeep/session"
	"github.com/authkeep/authkeep/twofactor"
)

// Deps holds the collaborators the engine consumes but does not
// implement. UserProvider and Redis are required; nil stores fall back
// to in-memory implementations, which are suitable for tests and
// single-process embedding only.
type Deps struct {
	UserProvider UserProvider
	Directory    DirectoryClient

	Redis redis.UniversalClient

	SessionStore    session.Store
	RevocationStore revocation.Store
	LockoutStore    lockout.Store
	TwoFactorStore  twofactor.Store
	AttemptStore    monitor.Store

	AuditSink AuditSink
	Logger    *zap.Logger
}

// Engine orchestrates the token, session, lockout, and second-factor
// components behind the login, refresh, and revocation flows. It is
// immutable after New and safe for concurrent use.
type Engine struct {
	config Config

	codec     *jwt.Codec
	cache     *cache.Layer
	sessions  *session.Registry
	revoked   *revocation.List
	guard     *lockout.Guard
	twoFactor *twofactor.Challenge
	monitor   *monitor.Monitor
	attempts  monitor.Store
	verifiers map[Source]CredentialVerifier
	users     UserProvider
	audit     *auditDispatcher
	log       *zap.Logger
}

// New validates cfg, fills defaults, and wires an Engine over deps.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.UserProvider == nil {
		return nil, errors.New("authkeep: user provider required")
	}
	if deps.Redis == nil {
		return nil, errors.New("authkeep: redis client required")
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	codec, err := jwt.NewCodec(jwt.Config{
		AccessTTL:     cfg.Token.AccessTTL,
		SigningMethod: cfg.Token.SigningMethod,
		PrivateKey:    cfg.Token.PrivateKey,
		PublicKey:     cfg.Token.PublicKey,
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		Leeway:        cfg.Token.Leeway,
		KeyID:         cfg.Token.KeyID,
		VerifyKeys:    cfg.Token.VerifyKeys,
		Now:           cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	layer := cache.New(deps.Redis, cfg.CachePrefix, log)

	sessionStore := deps.SessionStore
	if sessionStore == nil {
		sessionStore = session.NewMemoryStore()
	}
	registry, err := session.NewRegistry(sessionStore, session.Config{
		MaxConcurrent: cfg.Session.MaxConcurrent,
		RefreshTTL:    cfg.Session.RefreshTTL,
		Now:           cfg.Now,
	}, log)
	if err != nil {
		return nil, err
	}

	revocationStore := deps.RevocationStore
	if revocationStore == nil {
		revocationStore = revocation.NewMemoryStore()
	}
	revoked, err := revocation.NewList(revocationStore, layer, cfg.Now, log)
	if err != nil {
		return nil, err
	}

	lockoutStore := deps.LockoutStore
	if lockoutStore == nil {
		lockoutStore = lockout.NewMemoryStore()
	}
	guard, err := lockout.NewGuard(lockoutStore, layer, lockout.Config{
		Threshold: cfg.Lockout.Threshold,
		Duration:  cfg.Lockout.Duration,
		Now:       cfg.Now,
	}, log)
	if err != nil {
		return nil, err
	}

	twoFactorStore := deps.TwoFactorStore
	if twoFactorStore == nil {
		twoFactorStore = twofactor.NewMemoryStore()
	}
	challenge, err := twofactor.NewChallenge(twoFactorStore, layer, twofactor.Config{
		Issuer:    cfg.TwoFactor.Issuer,
		BridgeTTL: cfg.TwoFactor.BridgeTTL,
		SetupTTL:  cfg.TwoFactor.SetupTTL,
		Now:       cfg.Now,
	}, log)
	if err != nil {
		return nil, err
	}

	attemptStore := deps.AttemptStore
	if attemptStore == nil {
		attemptStore = monitor.NewMemoryStore()
	}
	mon, err := monitor.New(attemptStore, monitor.Config{
		Window:                  cfg.Monitor.Window,
		AccountFailureThreshold: cfg.Monitor.AccountFailureThreshold,
		SprayAccountThreshold:   cfg.Monitor.SprayAccountThreshold,
		DistributedIPThreshold:  cfg.Monitor.DistributedIPThreshold,
		Now:                     cfg.Now,
	}, log)
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewArgon2(cfg.Password)
	if err != nil {
		return nil, err
	}

	return &Engine{
		config:    cfg,
		codec:     codec,
		cache:     layer,
		sessions:  registry,
		revoked:   revoked,
		guard:     guard,
		twoFactor: challenge,
		monitor:   mon,
		attempts:  attemptStore,
		verifiers: map[Source]CredentialVerifier{
			SourceLocal:     NewLocalVerifier(hasher),
			SourceDirectory: NewDirectoryVerifier(deps.Directory),
		},
		users: deps.UserProvider,
		audit: newAuditDispatcher(cfg.Audit, deps.AuditSink),
		log:   log.With(zap.String("component", "engine")),
	}, nil
}

// Close stops background machinery, draining buffered audit events.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// AuditDropped reports how many audit events were shed since start.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) now() time.Time {
	return e.config.Now()
}

func (e *Engine) emit(ctx context.Context, event AuditEvent) {
	if e.audit == nil {
		return
	}
	event.Timestamp = e.now()
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	e.audit.Emit(ctx, event)
}

func (e *Engine) verifierFor(source Source) (CredentialVerifier, error) {
	v, ok := e.verifiers[source]
	if !ok {
		return nil, fmt.Errorf("no credential verifier for source %q", source)
	}
	return v, nil
}
