package upstream

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Lease is a bearer credential and its validity window. It lives only in
// memory.
type Lease struct {
	Token      string
	ObtainedAt time.Time
	TTL        time.Duration
}

func (l Lease) ExpiresAt() time.Time {
	return l.ObtainedAt.Add(l.TTL)
}

// ValidAt reports whether the lease can still be used at now, treating the
// last skew of its lifetime as expired so in-flight calls do not race expiry.
func (l Lease) ValidAt(now time.Time, skew time.Duration) bool {
	if l.Token == "" {
		return false
	}
	return now.Before(l.ExpiresAt().Add(-skew))
}

// CredentialLease hands out the shared credential. It is the only mutable
// state shared between worker invocations.
type CredentialLease interface {
	Acquire(ctx context.Context) (Lease, error)
	IsValid() bool
	// Invalidate drops the cached lease if it still holds token.
	Invalidate(token string)
}

// Exchanger performs the client id/secret -> bearer token exchange.
type Exchanger func(ctx context.Context) (Lease, error)

// TokenLease caches one Lease and refreshes it lazily. Concurrent callers
// that find it expired share a single exchange.
type TokenLease struct {
	exchange Exchanger
	skew     time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	current Lease
	group   singleflight.Group
}

func NewTokenLease(exchange Exchanger) *TokenLease {
	return &TokenLease{
		exchange: exchange,
		skew:     30 * time.Second,
		now:      time.Now,
	}
}

func (t *TokenLease) Acquire(ctx context.Context) (Lease, error) {
	if l, ok := t.valid(); ok {
		return l, nil
	}
	// The exchange outlives any single caller's cancellation: other waiters
	// share its result.
	shared := context.WithoutCancel(ctx)
	v, err, _ := t.group.Do("lease", func() (interface{}, error) {
		if l, ok := t.valid(); ok {
			return l, nil
		}
		l, err := t.exchange(shared)
		if err != nil {
			return Lease{}, err
		}
		if l.ObtainedAt.IsZero() {
			l.ObtainedAt = t.now()
		}
		t.mu.Lock()
		t.current = l
		t.mu.Unlock()
		return l, nil
	})
	if err != nil {
		return Lease{}, err
	}
	return v.(Lease), nil
}

func (t *TokenLease) IsValid() bool {
	_, ok := t.valid()
	return ok
}

// Invalidate forgets the lease only while it still carries token, so a
// late rejection of an old token keeps a lease refreshed in the meantime.
func (t *TokenLease) Invalidate(token string) {
	t.mu.Lock()
	if t.current.Token == token {
		t.current = Lease{}
	}
	t.mu.Unlock()
}

func (t *TokenLease) valid() (Lease, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	skew := t.skew
	if quarter := t.current.TTL / 4; quarter < skew {
		skew = quarter
	}
	if t.current.ValidAt(t.now(), skew) {
		return t.current, true
	}
	return Lease{}, false
}
