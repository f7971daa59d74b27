package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"reconciler/pkg/platform/sentinel"
)

var (
	// ErrLockNotAcquired is returned when a lock is held elsewhere past the
	// wait budget. It is transient.
	ErrLockNotAcquired = fmt.Errorf("lock not acquired: %w", sentinel.ErrUnavailable)
	// ErrLockNotHeld is returned when releasing a lock whose token expired or
	// was taken over.
	ErrLockNotHeld = errors.New("lock not held")
)

const maxBackoff = 500 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lock is a single held key.
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
}

// Locker provides token based distributed locks over SET NX.
type Locker struct {
	client    *Client
	keyPrefix string
	ttl       time.Duration
	wait      time.Duration
	logger    *slog.Logger
}

// NewLocker creates a Locker. ttl bounds how long a crashed holder blocks
// others; wait bounds how long LockKeys retries a held key.
func NewLocker(client *Client, keyPrefix string, ttl, wait time.Duration, logger *slog.Logger) *Locker {
	if keyPrefix == "" {
		keyPrefix = "lock:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		wait:      wait,
		logger:    logger,
	}
}

// Acquire makes a single attempt at key.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	lockKey := l.keyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, errors.Join(sentinel.ErrUnavailable, err))
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return &Lock{rdb: l.client.Client, key: lockKey, token: token}, nil
}

// TryAcquire retries Acquire with capped exponential backoff until the wait
// budget runs out.
func (l *Locker) TryAcquire(ctx context.Context, key string) (*Lock, error) {
	deadline := time.Now().Add(l.wait)
	backoff := 10 * time.Millisecond

	for {
		lock, err := l.Acquire(ctx, key)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) || !time.Now().Before(deadline) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// LockKeys acquires every key in sorted order and returns a release func.
// Sorting keeps two callers with overlapping keys from deadlocking. On
// failure any keys already taken are released.
func (l *Locker) LockKeys(ctx context.Context, keys []string) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*Lock, 0, len(sorted))
	release := func() {
		// Release with a fresh context so a cancelled request still frees its keys.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Release(ctx); err != nil {
				l.logger.WarnContext(ctx, "failed to release identity lock",
					"key", held[i].key,
					"error", err,
				)
			}
		}
	}

	for _, key := range sorted {
		lock, err := l.TryAcquire(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, lock)
	}
	l.logger.DebugContext(ctx, "identity locks acquired", "keys", sorted)
	return release, nil
}

// Release deletes the key only if this lock still owns it.
func (lock *Lock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, lock.rdb, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}
