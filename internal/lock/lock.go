// Package lock provides short-lived named locks that serialize order
// transitions, in process or across server instances through Redis.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"

	"tiendalotes/backend/internal/store"
)

// ReleaseFunc gives a lock back. Releasing an expired lock is not an error.
type ReleaseFunc func(ctx context.Context) error

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error)
}

const localWait = 500 * time.Millisecond

// LocalLocker serializes keys within one process. A holder that never
// releases loses the key once ttl passes, the same as a Redis lock.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
	wait time.Duration
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{}), wait: localWait}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	for {
		l.mu.Lock()
		busy, taken := l.held[key]
		if !taken {
			mine := make(chan struct{})
			l.held[key] = mine
			l.mu.Unlock()
			return l.releaser(key, mine, ttl), nil
		}
		l.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, &store.ConcurrencyError{Op: "lock " + key, Err: errors.New("lock held by another request")}
		}
	}
}

func (l *LocalLocker) releaser(key string, mine chan struct{}, ttl time.Duration) ReleaseFunc {
	var once sync.Once
	free := func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key] == mine {
				delete(l.held, key)
			}
			l.mu.Unlock()
			close(mine)
		})
	}
	expiry := time.AfterFunc(ttl, free)
	return func(context.Context) error {
		expiry.Stop()
		free()
		return nil
	}
}

type RedisLocker struct {
	client *redislock.Client
	retry  redislock.RetryStrategy
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(client),
		retry:  redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 4),
	}
}

// Obtain waits briefly for the key. A lock still held by someone else after
// the retries surfaces as a ConcurrencyError.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	held, err := l.client.Obtain(ctx, key, ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, &store.ConcurrencyError{Op: "lock " + key, Err: err}
	}
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		if err := held.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return err
		}
		return nil
	}, nil
}
