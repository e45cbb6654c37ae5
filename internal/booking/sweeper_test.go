package booking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepOnceExpiresOverdueHolds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)
	env.clock.Advance(200 * time.Second)
	fresh, err := env.engine.Holds.CreateHold(ctx, slotB, "patient-y")
	require.NoError(t, err)

	env.clock.Advance(101 * time.Second)
	n, err := env.engine.Sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, HoldExpired, env.hold(t, stale.ID).Status)
	assert.Equal(t, HoldActive, env.hold(t, fresh.ID).Status)
	assert.False(t, env.blocked(t, slotA))
	assert.True(t, env.blocked(t, slotB))
	assert.Equal(t, []EventType{EventHoldExpired}, env.notifier.types())

	n, err = env.engine.Sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a second pass finds nothing")
	assert.Equal(t, 1, env.catalog.restoredCount(slotA))
}

func TestSweepRespectsBatchSize(t *testing.T) {
	env := newTestEnv(t, WithSweepBatchSize(1))
	ctx := context.Background()

	_, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)
	_, err = env.engine.Holds.CreateHold(ctx, slotB, "patient-y")
	require.NoError(t, err)
	env.clock.Advance(time.Hour)

	n, err := env.engine.Sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = env.engine.Sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweepIntervalIsClampedToHalfTTL(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		want     time.Duration
	}{
		{"unset", 0, 150 * time.Second},
		{"too slow", 10 * time.Minute, 150 * time.Second},
		{"fast enough", 30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, WithSweepInterval(tt.interval))
			assert.Equal(t, tt.want, env.engine.Sweeper.Interval())
		})
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, WithHoldTTL(20*time.Millisecond), WithSweepInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)
	env.clock.Advance(time.Second)

	done := make(chan struct{})
	go func() {
		env.engine.Sweeper.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		h, err := env.store.GetHold(context.Background(), hold.ID)
		return err == nil && h.Status == HoldExpired
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
