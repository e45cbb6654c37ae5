package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reconciler re-checks that holds, appointments and catalog marks agree and
// repairs them when a write was interrupted.
type Reconciler struct {
	*core
	ledger   *Ledger
	interval time.Duration
}

// ReconcileSlot repairs one slot under its section.
func (r *Reconciler) ReconcileSlot(ctx context.Context, key SlotKey) error {
	unlock, err := r.enter(ctx, key, "reconcile")
	if err != nil {
		return err
	}
	defer unlock()
	_, err = r.reconcileSlotLocked(ctx, key)
	return err
}

func (r *Reconciler) reconcileSlotLocked(ctx context.Context, key SlotKey) (int, error) {
	repairs := 0
	active, hasActive, err := r.store.ActiveHold(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("booking: reconcile %s: %w", key, err)
	}
	live, hasLive, err := r.store.LiveAppointment(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("booking: reconcile %s: %w", key, err)
	}

	if hasActive && hasLive {
		to, kind := HoldReleased, RepairHoldReleased
		if live.HoldID == active.ID {
			to, kind = HoldConfirmed, RepairHoldConfirmed
		}
		ok, err := r.store.UpdateHoldStatus(ctx, active.ID, HoldActive, to, r.clock.Now())
		if err != nil {
			return repairs, fmt.Errorf("booking: reconcile %s: %w", key, err)
		}
		if ok {
			repairs++
			r.recordRepair(ctx, Repair{Kind: kind, HoldID: active.ID, AppointmentID: live.ID, Slots: []SlotKey{key}})
		}
		hasActive = false
	}

	blocked, err := r.catalog.IsBlocked(ctx, key)
	if err != nil {
		return repairs, err
	}
	occupied := hasActive || hasLive
	switch {
	case occupied && !blocked:
		if err := r.catalog.MarkUnavailable(ctx, key); err != nil {
			return repairs, err
		}
		repairs++
		r.recordRepair(ctx, Repair{Kind: RepairSlotBlocked, HoldID: active.ID, AppointmentID: live.ID, Slots: []SlotKey{key}})
	case !occupied && blocked:
		if err := r.catalog.MarkAvailable(ctx, key); err != nil {
			return repairs, err
		}
		repairs++
		r.recordRepair(ctx, Repair{Kind: RepairSlotUnblocked, Slots: []SlotKey{key}})
	}
	return repairs, nil
}

// restoreLocked recreates the appointment of a CONFIRMED hold that lost it.
// It reports false when another live appointment already owns the slot.
func (r *Reconciler) restoreLocked(ctx context.Context, hold Hold) (Appointment, bool, error) {
	if appt, ok, err := r.store.AppointmentByHold(ctx, hold.ID); err != nil {
		return Appointment{}, false, fmt.Errorf("booking: restore appointment: %w", err)
	} else if ok {
		return appt, true, nil
	}
	key := hold.Slot.Key()
	if other, ok, err := r.store.LiveAppointment(ctx, key); err != nil {
		return Appointment{}, false, fmt.Errorf("booking: restore appointment: %w", err)
	} else if ok {
		r.logger.Error("confirmed hold has no appointment and slot is taken",
			"hold_id", hold.ID, "appointment_id", other.ID, "slot", key.String())
		return Appointment{}, false, nil
	}

	appt := appointmentFromHold(uuid.NewString(), hold, hold.UpdatedAt)
	if err := r.ledger.restore(ctx, appt); err != nil {
		return Appointment{}, false, err
	}
	if err := r.catalog.MarkUnavailable(ctx, key); err != nil {
		return appt, true, err
	}
	r.recordRepair(ctx, Repair{Kind: RepairAppointmentRestored, HoldID: hold.ID, AppointmentID: appt.ID, Slots: []SlotKey{key}})
	return appt, true, nil
}

// Reconcile runs a full pass: first restore appointments for orphaned
// CONFIRMED holds, then re-check every blocked slot. It returns the number of
// repairs applied.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "booking.reconcile")
	var err error
	defer func() { endSpan(span, err) }()

	repairs := 0
	var errs []error

	orphans, err := r.store.ListOrphanedConfirmedHolds(ctx, r.settings.sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("booking: reconcile: %w", err)
	}
	for _, hold := range orphans {
		unlock, lerr := r.enter(ctx, hold.Slot.Key(), "reconcile")
		if lerr != nil {
			errs = append(errs, lerr)
			continue
		}
		_, restored, rerr := r.restoreLocked(ctx, hold)
		unlock()
		if rerr != nil {
			errs = append(errs, rerr)
		} else if restored {
			repairs++
		}
	}

	keys, err := r.store.BlockedSlots(ctx)
	if err != nil {
		return repairs, fmt.Errorf("booking: reconcile: %w", err)
	}
	for _, key := range keys {
		unlock, lerr := r.enter(ctx, key, "reconcile")
		if lerr != nil {
			errs = append(errs, lerr)
			continue
		}
		n, rerr := r.reconcileSlotLocked(ctx, key)
		unlock()
		repairs += n
		if rerr != nil {
			errs = append(errs, rerr)
		}
	}
	err = errors.Join(errs...)
	return repairs, err
}

// Run reconciles until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Reconcile(ctx)
			if err != nil {
				r.logger.Error("reconciliation pass failed", "repairs", n, "error", err)
			} else if n > 0 {
				r.logger.Warn("reconciliation pass repaired state", "repairs", n)
			}
		}
	}
}
