package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrMiss is returned when a key does not exist.
	ErrMiss = errors.New("cache miss")
	// ErrUnavailable is returned when the cache backend cannot be reached.
	ErrUnavailable = errors.New("cache unavailable")
)

// Layer is a thin, prefix-namespaced wrapper over a Redis client. All
// methods are safe for concurrent use.
type Layer struct {
	redis  redis.UniversalClient
	prefix string
	log    *zap.Logger
}

// New returns a Layer namespacing all keys under prefix.
func New(client redis.UniversalClient, prefix string, log *zap.Logger) *Layer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Layer{
		redis:  client,
		prefix: prefix,
		log:    log.With(zap.String("component", "cache")),
	}
}

func (l *Layer) key(k string) string {
	if l.prefix == "" {
		return k
	}
	return l.prefix + ":" + k
}

// Get returns the value for key, ErrMiss when absent.
func (l *Layer) Get(ctx context.Context, key string) (string, error) {
	v, err := l.redis.Get(ctx, l.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, nil
}

// GetDel atomically reads and deletes key, ErrMiss when absent. Used for
// single-use values such as bridge tokens.
func (l *Layer) GetDel(ctx context.Context, key string) (string, error) {
	v, err := l.redis.GetDel(ctx, l.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, nil
}

// Set stores value under key with the given TTL. A ttl of zero stores
// without expiry.
func (l *Layer) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := l.redis.Set(ctx, l.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SetNX stores value only when key is absent; reports whether it was set.
func (l *Layer) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

// Exists reports whether key is present.
func (l *Layer) Exists(ctx context.Context, key string) (bool, error) {
	n, err := l.redis.Exists(ctx, l.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// Delete removes the given keys. Missing keys are not an error.
func (l *Layer) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = l.key(k)
	}
	if err := l.redis.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Incr atomically increments the counter at key and returns the new
// value.
func (l *Layer) Incr(ctx context.Context, key string) (int64, error) {
	n, err := l.redis.Incr(ctx, l.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Decr atomically decrements the counter at key and returns the new
// value.
func (l *Layer) Decr(ctx context.Context, key string) (int64, error) {
	n, err := l.redis.Decr(ctx, l.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Expire sets the TTL on an existing key; reports whether the key exists.
func (l *Layer) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.redis.Expire(ctx, l.key(key), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

// DeleteByPattern removes every key matching pattern (glob syntax,
// applied inside the layer's prefix) and returns how many were deleted.
// Uses SCAN rather than KEYS so it stays safe on a shared instance.
func (l *Layer) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	var (
		deleted int64
		cursor  uint64
	)
	match := l.key(pattern)
	for {
		keys, next, err := l.redis.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return deleted, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if len(keys) > 0 {
			n, err := l.redis.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
