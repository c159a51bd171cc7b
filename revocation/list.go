package revocation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/authkeep/authkeep/cache"
)

const cacheKeyPrefix = "rvk"

// List is the two-tier revocation check: write-through on Add,
// read-through on IsRevoked.
type List struct {
	store Store
	cache *cache.Layer
	now   func() time.Time
	log   *zap.Logger
}

// NewList returns a List. layer may be nil, in which case every check
// goes to the store.
func NewList(store Store, layer *cache.Layer, now func() time.Time, log *zap.Logger) (*List, error) {
	if store == nil {
		return nil, errors.New("revocation: nil store")
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &List{
		store: store,
		cache: layer,
		now:   now,
		log:   log.With(zap.String("component", "revocation_list")),
	}, nil
}

func cacheKey(tokenID string) string {
	return cacheKeyPrefix + ":" + tokenID
}

// Add records the revocation: persistent store first, then the cache
// entry with a TTL equal to the token's remaining lifetime, so the entry
// lapses exactly when expiry would reject the token anyway. Adding an
// already-revoked token id succeeds without effect.
func (l *List) Add(ctx context.Context, rec *Record) error {
	if rec.TokenID == "" {
		return errors.New("revocation: empty token id")
	}
	if rec.RevokedAt.IsZero() {
		rec.RevokedAt = l.now()
	}

	if err := l.store.Insert(ctx, rec); err != nil {
		return err
	}

	if l.cache != nil {
		ttl := rec.OriginalExpiresAt.Sub(l.now())
		if ttl > 0 {
			if err := l.cache.Set(ctx, cacheKey(rec.TokenID), "1", ttl); err != nil {
				// The store already holds the truth; a failed cache
				// populate only costs a read-through later.
				l.log.Warn("failed to cache revocation", zap.Error(err))
			}
		}
	}
	return nil
}

// IsRevoked reports whether tokenID has been revoked. A cache fault
// falls through to the persistent store; a store fault surfaces as an
// error so the caller can fail closed.
func (l *List) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}

	if l.cache != nil {
		hit, err := l.cache.Exists(ctx, cacheKey(tokenID))
		if err == nil && hit {
			return true, nil
		}
		if err != nil {
			l.log.Warn("revocation cache check failed, falling back to store", zap.Error(err))
		}
		// A miss is not authoritative: the entry may have been evicted
		// or never populated on this instance.
	}

	revoked, err := l.store.Exists(ctx, tokenID)
	if err != nil {
		return false, err
	}
	if revoked && l.cache != nil {
		// Repopulate with a conservative TTL; Add knows the exact one.
		if err := l.cache.Set(ctx, cacheKey(tokenID), "1", time.Minute); err != nil {
			l.log.Warn("failed to repopulate revocation cache", zap.Error(err))
		}
	}
	return revoked, nil
}

// PruneExpired deletes records whose original expiry has passed.
// Scheduled work, never the request path.
func (l *List) PruneExpired(ctx context.Context) (int64, error) {
	return l.store.DeleteExpiredBefore(ctx, l.now())
}
