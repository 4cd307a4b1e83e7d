// Package distributed holds Redis-backed coordination primitives for running
// more than one dashboard instance against a shared backend.
package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only when this holder still owns it.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Lock is a Redis SET NX lease. The holder identity is a random token so a
// lock that expired and was re-acquired elsewhere cannot be released by the
// original owner.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	stopRenew chan struct{}
}

func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	b := make([]byte, 16)
	rand.Read(b)
	return &Lock{
		client:    client,
		key:       key,
		token:     hex.EncodeToString(b),
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

// Acquire blocks until the lock is held or the timeout elapses. While held,
// the lease is renewed in the background at half the TTL.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquiring lock %s: %w", l.key, err)
		}
		if ok {
			go l.renew(ctx)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock %s: acquisition timed out", l.key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// TryAcquire attempts the lock once without blocking.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", l.key, err)
	}
	if ok {
		go l.renew(ctx)
	}
	return ok, nil
}

// Release gives the lock up. Releasing a lock held by someone else is an
// error.
func (l *Lock) Release(ctx context.Context) error {
	close(l.stopRenew)

	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.key, err)
	}
	if n, ok := result.(int64); !ok || n == 0 {
		return fmt.Errorf("lock %s not held by this instance", l.key)
	}
	return nil
}

func (l *Lock) renew(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			current, err := l.client.Get(ctx, l.key).Result()
			if err != nil || current != l.token {
				return
			}
			l.client.Expire(ctx, l.key, l.ttl)
		case <-l.stopRenew:
			return
		case <-ctx.Done():
			return
		}
	}
}
