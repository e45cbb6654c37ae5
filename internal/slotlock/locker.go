// Package slotlock provides the per-slot critical section used by the booking
// engine. Keys are independent: holding one never blocks another.
package slotlock

import (
	"context"
	"errors"
	"fmt"
)

// ErrTimeout is returned when the context ends before the lock is acquired.
var ErrTimeout = errors.New("slotlock: timed out waiting for lock")

// Unlock releases an acquired lock. Calling it more than once is safe.
type Unlock func()

// Locker serializes work per key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Unlock, error)
}

func timeoutError(ctx context.Context, key string) error {
	return fmt.Errorf("%w: %s: %w", ErrTimeout, key, ctx.Err())
}
