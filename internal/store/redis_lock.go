package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a session lock is not acquired before the context ends.
var ErrLockTimeout = errors.New("session lock timeout")

// ErrUnboundedTurn is returned by LeaseForTurn when turns have no deadline.
var ErrUnboundedTurn = errors.New("a lease lock needs a turn timeout")

// Redis lock defaults
const (
	// DefaultLockLease bounds how long a crashed holder can keep a session locked.
	DefaultLockLease = time.Minute
	// DefaultLockRetry is the polling interval while waiting for a held lock.
	DefaultLockRetry = 25 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a lease lock per session id, shared by every process using the same Redis.
type RedisLocker struct {
	client *redis.Client
	prefix string
	lease  time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a locker. Zero durations take the defaults.
func NewRedisLocker(client *redis.Client, prefix string, lease, retry time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if lease <= 0 {
		lease = DefaultLockLease
	}
	if retry <= 0 {
		retry = DefaultLockRetry
	}
	return &RedisLocker{client: client, prefix: prefix, lease: lease, retry: retry}
}

// LeaseForTurn sizes the lease for turns bounded by turnTimeout. The lease is twice the
// turn deadline and never shorter than DefaultLockLease, so a holder cannot outlive it.
func LeaseForTurn(turnTimeout time.Duration) (time.Duration, error) {
	if turnTimeout <= 0 {
		return 0, ErrUnboundedTurn
	}
	lease := 2 * turnTimeout
	if lease < DefaultLockLease {
		lease = DefaultLockLease
	}
	return lease, nil
}

// Lock acquires the lease with SET NX PX, polling until ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := l.prefix + "lock:" + sessionID
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil && ctx.Err() == nil {
			slog.Error("RedisLocker.Lock: SETNX failed", "error", err, "session_id", sessionID)
			return nil, fmt.Errorf("failed to acquire lock for %s: %w", sessionID, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
						slog.Warn("RedisLocker: release failed, lease will expire", "error", err, "session_id", sessionID)
					}
				})
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, sessionID, ctx.Err())
		case <-ticker.C:
		}
	}
}
