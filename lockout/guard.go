package lockout

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/authkeep/authkeep/cache"
)

const cacheKeyPrefix = "lck"

// Config tunes a Guard.
type Config struct {
	// Threshold is the failure count that trips the lock. Defaults to 5.
	Threshold int
	// Duration is the lockout window. Defaults to 15 minutes.
	Duration time.Duration
	// Now is the time source. Defaults to time.Now.
	Now func() time.Time
}

// Guard is the per-account failed-login counter and lockout window.
type Guard struct {
	store  Store
	cache  *cache.Layer
	config Config
	log    *zap.Logger
}

// NewGuard returns a Guard over store. layer may be nil.
func NewGuard(store Store, layer *cache.Layer, cfg Config, log *zap.Logger) (*Guard, error) {
	if store == nil {
		return nil, errors.New("lockout: nil store")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 5
	}
	if cfg.Threshold < 0 {
		return nil, errors.New("lockout: invalid threshold")
	}
	if cfg.Duration == 0 {
		cfg.Duration = 15 * time.Minute
	}
	if cfg.Duration < 0 {
		return nil, errors.New("lockout: invalid duration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		store:  store,
		cache:  layer,
		config: cfg,
		log:    log.With(zap.String("component", "lockout_guard")),
	}, nil
}

func cacheKey(userID string) string {
	return cacheKeyPrefix + ":" + userID
}

// IsLocked reports whether the account is currently locked. A cache
// fault falls through to the store; a store fault surfaces as an error
// so the caller can fail closed.
func (g *Guard) IsLocked(ctx context.Context, userID string) (bool, error) {
	now := g.config.Now()

	if g.cache != nil {
		v, err := g.cache.Get(ctx, cacheKey(userID))
		if err == nil {
			end, perr := strconv.ParseInt(v, 10, 64)
			if perr == nil && time.Unix(end, 0).After(now) {
				return true, nil
			}
			// Stale or unparsable entry: fall through to the store.
		} else if !errors.Is(err, cache.ErrMiss) {
			g.log.Warn("lockout cache check failed, falling back to store", zap.Error(err))
		}
	}

	state, err := g.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return state.Locked(now), nil
}

// RecordFailure counts one failed authentication. It returns true when
// this failure tripped the lock.
func (g *Guard) RecordFailure(ctx context.Context, userID string) (bool, error) {
	now := g.config.Now()

	count, err := g.store.IncrementFailures(ctx, userID, now)
	if err != nil {
		return false, err
	}
	if count < g.config.Threshold {
		return false, nil
	}

	// Counts above the threshold during an open window mean the account
	// was already locked. Once the window has expired, the counter stays
	// cumulative and the failure that re-arms the lock reports lockedNow
	// again.
	lockedNow := count == g.config.Threshold
	if !lockedNow {
		state, serr := g.store.Get(ctx, userID)
		if serr != nil {
			g.log.Warn("could not read prior lockout state",
				zap.String("user_id", userID), zap.Error(serr))
		} else if state.LockoutEnd == nil || !state.LockoutEnd.After(now) {
			lockedNow = true
		}
	}

	until := now.Add(g.config.Duration)
	if err := g.store.SetLockoutEnd(ctx, userID, until); err != nil {
		return false, err
	}
	g.cacheLock(ctx, userID, until)

	return lockedNow, nil
}

// RecordSuccess unconditionally clears the counter and any lockout.
func (g *Guard) RecordSuccess(ctx context.Context, userID string) error {
	if err := g.store.Reset(ctx, userID); err != nil {
		return err
	}
	g.dropCache(ctx, userID)
	return nil
}

// Unlock is the administrative override. Same state change as a
// success; the caller audits it separately.
func (g *Guard) Unlock(ctx context.Context, userID string) error {
	return g.RecordSuccess(ctx, userID)
}

// Status returns the account's lockout state for introspection.
func (g *Guard) Status(ctx context.Context, userID string) (*State, error) {
	return g.store.Get(ctx, userID)
}

func (g *Guard) cacheLock(ctx context.Context, userID string, until time.Time) {
	if g.cache == nil {
		return
	}
	ttl := until.Sub(g.config.Now())
	if ttl <= 0 {
		return
	}
	value := strconv.FormatInt(until.Unix(), 10)
	if err := g.cache.Set(ctx, cacheKey(userID), value, ttl); err != nil {
		g.log.Warn("failed to cache lockout", zap.Error(err))
	}
}

func (g *Guard) dropCache(ctx context.Context, userID string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Delete(ctx, cacheKey(userID)); err != nil {
		g.log.Warn("failed to drop lockout cache entry", zap.Error(err))
	}
}
