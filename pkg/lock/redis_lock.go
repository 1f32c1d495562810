package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotHeld is returned when the key expired or belongs to another owner.
	ErrNotHeld = errors.New("lock not held")
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

// Locker is a non-blocking mutual exclusion primitive.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Mutex is a redis lease owned by a random token. Only the owner may release
// or extend it; an owner that dies loses it after ttl.
type Mutex struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

// NewMutex creates a mutex for key with a fresh owner token.
func NewMutex(client redis.UniversalClient, key string, ttl time.Duration) *Mutex {
	return &Mutex{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Key returns the redis key of the lease.
func (m *Mutex) Key() string {
	return m.key
}

// TryLock acquires the lease if it is free. It also succeeds when this mutex
// already holds it, extending the lease.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.key, m.token, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", m.key, err)
	}
	if ok {
		return true, nil
	}

	if err := m.Refresh(ctx); err != nil {
		if errors.Is(err, ErrNotHeld) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Lock retries TryLock every retryDelay until it succeeds or ctx is done.
func (m *Mutex) Lock(ctx context.Context, retryDelay time.Duration) error {
	ticker := time.NewTicker(retryDelay)
	defer ticker.Stop()

	for {
		ok, err := m.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Unlock releases the lease.
func (m *Mutex) Unlock(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, m.client, []string{m.key}, m.token).Int()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", m.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Refresh pushes the expiry ttl into the future.
func (m *Mutex) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, m.client, []string{m.key}, m.token, m.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", m.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Held reports whether this mutex currently owns the lease.
func (m *Mutex) Held(ctx context.Context) (bool, error) {
	v, err := m.client.Get(ctx, m.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == m.token, nil
}

// Noop always acquires. It stands in for Mutex when a single replica runs without redis.
type Noop struct{}

func (Noop) TryLock(context.Context) (bool, error) { return true, nil }
func (Noop) Unlock(context.Context) error          { return nil }

// RunExclusive runs fn only if l can be acquired, releasing it afterwards.
// ran is false when another owner holds the lock.
func RunExclusive(ctx context.Context, l Locker, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if uerr := l.Unlock(context.WithoutCancel(ctx)); uerr != nil && !errors.Is(uerr, ErrNotHeld) && err == nil {
			err = uerr
		}
	}()
	return true, fn(ctx)
}
