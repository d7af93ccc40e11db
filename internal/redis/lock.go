package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockUnavailable means the lock was held by someone else for the whole
// wait. It is distinct from Redis I/O errors so callers can treat contention
// as a skip.
var ErrLockUnavailable = errors.New("lock unavailable")

const (
	defaultLockPoll = 100 * time.Millisecond
	releaseTimeout  = 2 * time.Second
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out advisory TTL locks. A lock self-heals when its holder
// dies, but it is not a fencing primitive: after the TTL passes another
// worker may take it while the first is still running.
type Locker struct {
	client *Client
	logger *zap.Logger
	poll   time.Duration
}

// NewLocker creates a lock manager over the given client.
func NewLocker(client *Client, logger *zap.Logger) *Locker {
	return &Locker{
		client: client,
		logger: logger,
		poll:   defaultLockPoll,
	}
}

// Lock is a held lock. Release it exactly once.
type Lock struct {
	Key    string
	token  string
	locker *Locker
}

// Acquire takes key for ttl. With wait == 0 it makes a single attempt; with
// wait > 0 it retries until wait elapses. Contention returns
// ErrLockUnavailable.
func (l *Locker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return &Lock{Key: key, token: token, locker: l}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrLockUnavailable, key)
		}

		timer := time.NewTimer(min(l.poll, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release frees the lock if we still own it. A lock that already expired,
// or was taken over by another holder, is left alone and only logged.
func (lk *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lk.locker.client.rdb, []string{lk.Key}, lk.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lk.Key, err)
	}
	if n == 0 {
		lk.locker.logger.Warn("lock already released (expired?)", zap.String("key", lk.Key))
	}
	return nil
}

// WithLock runs fn while holding key. The release runs on a detached context
// so a job that hit its own deadline still frees the lock.
func (l *Locker) WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(context.Context) error) error {
	lock, err := l.Acquire(ctx, key, ttl, wait)
	if err != nil {
		return err
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			l.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}()

	return fn(ctx)
}
