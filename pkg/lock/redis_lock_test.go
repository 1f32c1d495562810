package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	s, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		s.Close()
	})

	return s, client
}

func TestMutex(t *testing.T) {
	s, client := setupRedis(t)
	ctx := context.Background()

	t.Run("LockUnlock", func(t *testing.T) {
		m := NewMutex(client, "lock:basic", time.Minute)

		ok, err := m.TryLock(ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		held, err := m.Held(ctx)
		require.NoError(t, err)
		assert.True(t, held)

		require.NoError(t, m.Unlock(ctx))
		held, err = m.Held(ctx)
		require.NoError(t, err)
		assert.False(t, held)

		assert.ErrorIs(t, m.Unlock(ctx), ErrNotHeld)
	})

	t.Run("Conflict", func(t *testing.T) {
		a := NewMutex(client, "lock:conflict", time.Minute)
		b := NewMutex(client, "lock:conflict", time.Minute)

		ok, err := a.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = b.TryLock(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.ErrorIs(t, b.Unlock(ctx), ErrNotHeld)

		ok, err = a.TryLock(ctx)
		require.NoError(t, err)
		assert.True(t, ok, "owner re-acquires")

		require.NoError(t, a.Unlock(ctx))
		ok, err = b.TryLock(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Expiry", func(t *testing.T) {
		a := NewMutex(client, "lock:expiry", time.Second)
		b := NewMutex(client, "lock:expiry", time.Second)

		ok, err := a.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		s.FastForward(2 * time.Second)

		ok, err = b.TryLock(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.ErrorIs(t, a.Refresh(ctx), ErrNotHeld)
	})

	t.Run("Refresh", func(t *testing.T) {
		m := NewMutex(client, "lock:refresh", 2*time.Second)
		ok, err := m.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		s.FastForward(1500 * time.Millisecond)
		require.NoError(t, m.Refresh(ctx))
		s.FastForward(1500 * time.Millisecond)

		held, err := m.Held(ctx)
		require.NoError(t, err)
		assert.True(t, held)
	})

	t.Run("LockWaitsForRelease", func(t *testing.T) {
		a := NewMutex(client, "lock:wait", time.Minute)
		b := NewMutex(client, "lock:wait", time.Minute)
		ok, err := a.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = a.Unlock(ctx)
		}()

		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		assert.NoError(t, b.Lock(waitCtx, 10*time.Millisecond))
	})

	t.Run("LockTimesOut", func(t *testing.T) {
		a := NewMutex(client, "lock:timeout", time.Minute)
		b := NewMutex(client, "lock:timeout", time.Minute)
		ok, err := a.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, b.Lock(waitCtx, 10*time.Millisecond), context.DeadlineExceeded)
	})
}

func TestRunExclusive(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	t.Run("RunsAndReleases", func(t *testing.T) {
		m := NewMutex(client, "job:relay", time.Minute)
		calls := 0
		ran, err := RunExclusive(ctx, m, func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
		assert.Equal(t, 1, calls)

		held, err := m.Held(ctx)
		require.NoError(t, err)
		assert.False(t, held)
	})

	t.Run("SkipsWhenHeldElsewhere", func(t *testing.T) {
		other := NewMutex(client, "job:reconcile", time.Minute)
		ok, err := other.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		ran, err := RunExclusive(ctx, NewMutex(client, "job:reconcile", time.Minute), func(context.Context) error {
			t.Fatal("must not run")
			return nil
		})
		require.NoError(t, err)
		assert.False(t, ran)
	})

	t.Run("PropagatesError", func(t *testing.T) {
		boom := errors.New("boom")
		ran, err := RunExclusive(ctx, Noop{}, func(context.Context) error { return boom })
		assert.True(t, ran)
		assert.ErrorIs(t, err, boom)
	})
}
