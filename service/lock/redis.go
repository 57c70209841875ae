package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLocker is a Locker shared by every instance pointed at the same Redis.
// The lease TTL bounds how long a crashed holder blocks a key.
type RedisLocker struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	minWait time.Duration
	maxWait time.Duration
	logger  *slog.Logger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets the lease duration.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) { l.ttl = ttl }
}

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) { l.prefix = prefix }
}

// NewRedisLocker builds a RedisLocker over an existing client.
func NewRedisLocker(client redis.UniversalClient, logger *slog.Logger, opts ...RedisOption) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	l := &RedisLocker{
		client:  client,
		prefix:  "squadrecon:lock:",
		ttl:     30 * time.Second,
		minWait: 10 * time.Millisecond,
		maxWait: 500 * time.Millisecond,
		logger:  logger.With("component", "redis_locker"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisLockerFromURL parses a redis:// URL and returns a locker plus the
// client so the caller can close it.
func NewRedisLockerFromURL(url string, logger *slog.Logger, opts ...RedisOption) (*RedisLocker, *redis.Client, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	return NewRedisLocker(client, logger, opts...), client, nil
}

// Lock polls SET NX with exponential backoff until it wins or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()
	wait := l.minWait

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() { l.release(k, token) }, nil
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		wait *= 2
		if wait > l.maxWait {
			wait = l.maxWait
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	// Release must run even when the caller's context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := l.client.Eval(ctx, releaseScript, []string{key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error("failed to release lock", "key", key, "error", err)
		return
	}
	if n == 0 {
		l.logger.Warn("lock expired before release", "key", key, "ttl", l.ttl)
	}
}
