package mergestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// Locker serializes writers of one collection.
type Locker interface {
	Lock(ctx context.Context, name string) (unlock func(), err error)
}

// LocalLocker serializes writers within one process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[name]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[name] = s
	}
	return s
}

func (l *LocalLocker) Lock(ctx context.Context, name string) (func(), error) {
	s := l.slot(name)
	select {
	case s <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var ErrLockNotObtained = errors.New("collection lock not obtained")

// RedisLocker serializes writers across processes with a redislock lease.
// The lease TTL bounds how long a crashed writer can block others.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, retry: 100 * time.Millisecond}
}

func (r *RedisLocker) Lock(ctx context.Context, name string) (func(), error) {
	lock, err := r.client.Obtain(ctx, fmt.Sprintf("lock:collection:%s", name), r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, name)
	}
	if err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}, nil
}
