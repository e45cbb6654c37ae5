package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Sweeper expires overdue holds on a fixed period.
type Sweeper struct {
	*core
	interval  time.Duration
	batchSize int
}

// Interval is the effective sweep period, never more than half the hold TTL.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// SweepOnce expires every overdue active hold it can see, up to the batch
// size, and returns how many it expired. Holds that fail are left for the next pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (expired int, err error) {
	ctx, span := startSpan(ctx, "booking.sweep")
	defer func() {
		span.SetAttributes(attribute.Int("healbridge.expired", expired))
		endSpan(span, err)
	}()

	holds, err := s.store.ListOverdueHolds(ctx, s.clock.Now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("booking: sweep: %w", err)
	}

	var errs []error
	for _, h := range holds {
		ok, err := s.expireOne(ctx, h)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (s *Sweeper) expireOne(ctx context.Context, h Hold) (bool, error) {
	unlock, err := s.enter(ctx, h.Slot.Key(), "sweep")
	if err != nil {
		return false, err
	}
	current, err := s.store.GetHold(ctx, h.ID)
	if err != nil {
		unlock()
		return false, wrapLookup("sweep", err)
	}
	now := s.clock.Now()
	if current.Status != HoldActive || !current.Overdue(now) {
		unlock()
		return false, nil
	}
	ok, err := s.expireLocked(ctx, current, now, "sweep")
	unlock()
	if ok {
		s.notify(ctx, notification{current.HolderID, Event{
			Type:       EventHoldExpired,
			HoldID:     current.ID,
			Slot:       current.Slot,
			OccurredAt: now,
		}})
	}
	return ok, err
}

// Run sweeps until ctx is cancelled. Errors are logged and retried next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("hold sweeper started", "interval", s.interval, "batch_size", s.batchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("hold sweep failed", "expired", n, "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("hold sweep finished", "expired", n)
			}
		}
	}
}
