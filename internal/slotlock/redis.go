package slotlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Parth354/HealBridge-sub002/pkg/logging"
)

// Deletes the key only when it still carries our token, so a holder whose
// lease already lapsed cannot remove a newer holder's lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares slot locks across API replicas using SET NX PX leases.
type RedisLocker struct {
	client   redis.UniversalClient
	prefix   string
	lease    time.Duration
	minRetry time.Duration
	maxRetry time.Duration
	logger   *logging.Logger
}

// RedisOption customizes a RedisLocker.
type RedisOption func(*RedisLocker)

// WithLease sets how long a lock survives a crashed holder.
func WithLease(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.lease = d
		}
	}
}

// WithRetry bounds the polling backoff while waiting for a held lock.
func WithRetry(minDelay, maxDelay time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if minDelay > 0 {
			l.minRetry = minDelay
		}
		if maxDelay >= l.minRetry {
			l.maxRetry = maxDelay
		}
	}
}

// WithPrefix namespaces lock keys.
func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

// WithLogger sets the logger used for unlock failures.
func WithLogger(logger *logging.Logger) RedisOption {
	return func(l *RedisLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewRedisLocker creates a locker on the given client.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	if client == nil {
		panic("slotlock: redis client required")
	}
	l := &RedisLocker{
		client:   client,
		prefix:   "healbridge:lock:",
		lease:    10 * time.Second,
		minRetry: 5 * time.Millisecond,
		maxRetry: 100 * time.Millisecond,
		logger:   logging.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	delay := l.minRetry

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.lease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, timeoutError(ctx, key)
			}
			return nil, fmt.Errorf("slotlock: acquire %s: %w", key, err)
		}
		if ok {
			return l.unlockFunc(redisKey, token), nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, timeoutError(ctx, key)
		case <-timer.C:
		}
		delay *= 2
		if delay > l.maxRetry {
			delay = l.maxRetry
		}
	}
}

func (l *RedisLocker) unlockFunc(redisKey, token string) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := unlockScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("slot lock release failed; lease will lapse", "key", redisKey, "error", err)
			}
		})
	}
}

var _ Locker = (*RedisLocker)(nil)
