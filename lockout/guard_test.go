package lockout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authkeep/authkeep/cache"
)

type guardFixture struct {
	guard *Guard
	store *MemoryStore
	mr    *miniredis.Miniredis
	now   *time.Time
}

func newFixture(t *testing.T, cfg Config) *guardFixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg.Now = func() time.Time { return now }

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewMemoryStore()
	guard, err := NewGuard(store, cache.New(client, "ak", nil), cfg, nil)
	require.NoError(t, err)
	return &guardFixture{guard: guard, store: store, mr: mr, now: &now}
}

func TestThresholdLocksOnFifthFailure(t *testing.T) {
	f := newFixture(t, Config{Threshold: 5, Duration: 15 * time.Minute})
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		locked, err := f.guard.RecordFailure(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, locked, "failure %d must not lock", i)

		isLocked, err := f.guard.IsLocked(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, isLocked)
	}

	locked, err := f.guard.RecordFailure(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, locked, "fifth failure must lock")

	isLocked, err := f.guard.IsLocked(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, isLocked)

	state, err := f.guard.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, state.FailedCount)
	require.NotNil(t, state.LockoutEnd)
	assert.Equal(t, f.now.Add(15*time.Minute), *state.LockoutEnd)
}

func TestLockedNowReportedOnce(t *testing.T) {
	f := newFixture(t, Config{Threshold: 3, Duration: time.Hour})
	ctx := context.Background()

	var tripped int
	for i := 0; i < 5; i++ {
		locked, err := f.guard.RecordFailure(ctx, "alice")
		require.NoError(t, err)
		if locked {
			tripped++
		}
	}
	assert.Equal(t, 1, tripped)
}

func TestCounterDoesNotDecayWithTime(t *testing.T) {
	f := newFixture(t, Config{Threshold: 5, Duration: 15 * time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.guard.RecordFailure(ctx, "alice")
		require.NoError(t, err)
	}

	// A day of quiet does not forgive past failures.
	*f.now = f.now.Add(24 * time.Hour)

	locked, err := f.guard.RecordFailure(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, locked)

	locked, err = f.guard.RecordFailure(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestExpiredLockReArmsAndReports(t *testing.T) {
	f := newFixture(t, Config{Threshold: 2, Duration: 15 * time.Minute})
	ctx := context.Background()

	locked, err := f.guard.RecordFailure(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, locked)
	locked, err = f.guard.RecordFailure(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, locked)

	*f.now = f.now.Add(16 * time.Minute)
	f.mr.FastForward(16 * time.Minute)

	// The counter is past the threshold; the failure that re-sets the
	// expired window is a fresh lockout, not a continuation of the old
	// one.
	locked, err = f.guard.RecordFailure(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, locked)

	isLocked, err := f.guard.IsLocked(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, isLocked)
}

func TestSuccessResetsCounter(t *testing.T) {
	f := newFixture(t, Config{Threshold: 5, Duration: 15 * time.Minute})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.guard.RecordFailure(ctx, "alice")
		require.NoError(t, err)
	}
	require.NoError(t, f.guard.RecordSuccess(ctx, "alice"))

	state, err := f.guard.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, state.FailedCount)
	assert.Nil(t, state.LockoutEnd)

	// The count restarts from zero.
	locked, err := f.guard.RecordFailure(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLockExpiresAfterWindow(t *testing.T) {
	f := newFixture(t, Config{Threshold: 2, Duration: 15 * time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.guard.RecordFailure(ctx, "alice")
		require.NoError(t, err)
	}

	isLocked, err := f.guard.IsLocked(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, isLocked)

	*f.now = f.now.Add(16 * time.Minute)
	f.mr.FastForward(16 * time.Minute)

	isLocked, err = f.guard.IsLocked(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, isLocked)
}

func TestUnlockClearsLock(t *testing.T) {
	f := newFixture(t, Config{Threshold: 2, Duration: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.guard.RecordFailure(ctx, "alice")
		require.NoError(t, err)
	}
	require.NoError(t, f.guard.Unlock(ctx, "alice"))

	isLocked, err := f.guard.IsLocked(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, isLocked)
}

func TestIsLockedSurvivesCacheOutage(t *testing.T) {
	f := newFixture(t, Config{Threshold: 2, Duration: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.guard.RecordFailure(ctx, "alice")
		require.NoError(t, err)
	}

	f.mr.Close()

	isLocked, err := f.guard.IsLocked(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, isLocked)
}

func TestConcurrentFailuresNeverUnderCount(t *testing.T) {
	f := newFixture(t, Config{Threshold: 50, Duration: time.Hour})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.guard.RecordFailure(ctx, "alice")
		}()
	}
	wg.Wait()

	state, err := f.guard.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 50, state.FailedCount)
	assert.NotNil(t, state.LockoutEnd)
}

func TestUsersAreIndependent(t *testing.T) {
	f := newFixture(t, Config{Threshold: 2, Duration: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.guard.RecordFailure(ctx, "alice")
		require.NoError(t, err)
	}

	isLocked, err := f.guard.IsLocked(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, isLocked)
}
