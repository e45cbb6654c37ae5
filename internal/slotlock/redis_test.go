package slotlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisLockerAcquireRelease(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, WithPrefix("test:"), WithLease(time.Second))

	unlock, err := locker.Acquire(context.Background(), "slot-a")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:slot-a"))

	ttl := mr.TTL("test:slot-a")
	assert.Greater(t, ttl, time.Duration(0))

	unlock()
	assert.False(t, mr.Exists("test:slot-a"))
}

func TestRedisLockerTimesOutWhileHeld(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client, WithRetry(time.Millisecond, 5*time.Millisecond))

	unlock, err := locker.Acquire(context.Background(), "slot-a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "slot-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestRedisLockerWaitsForRelease(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client, WithRetry(time.Millisecond, 5*time.Millisecond))

	unlock, err := locker.Acquire(context.Background(), "slot-a")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second, err := locker.Acquire(ctx, "slot-a")
	require.NoError(t, err)
	second()
}

func TestRedisLockerStaleUnlockKeepsNewLease(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, WithPrefix("test:"), WithLease(time.Second))

	stale, err := locker.Acquire(context.Background(), "slot-a")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("test:slot-a"), "lease should have lapsed")

	fresh, err := locker.Acquire(context.Background(), "slot-a")
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists("test:slot-a"), "stale holder must not delete the new lease")

	fresh()
	assert.False(t, mr.Exists("test:slot-a"))
}
