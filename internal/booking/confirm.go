package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Coordinator converts an active, unexpired hold into an appointment.
type Coordinator struct {
	*core
	ledger     *Ledger
	reconciler *Reconciler
}

// Confirm books the hold for patientID. Whichever of confirm, release or the
// expiry sweep enters the slot's section first decides the outcome; a confirm
// that finds the hold terminal returns ErrHoldExpired. Confirming a hold that
// this patient already confirmed returns the existing appointment.
func (c *Coordinator) Confirm(ctx context.Context, holdID, patientID string) (appt Appointment, err error) {
	ctx, span := startSpan(ctx, "booking.confirm", attribute.String("healbridge.hold_id", holdID))
	defer func() { endSpan(span, err) }()

	hold, err := c.store.GetHold(ctx, holdID)
	if err != nil {
		c.metrics.ObserveConfirm("not_found")
		return Appointment{}, wrapLookup("confirm", err)
	}
	key := hold.Slot.Key()
	span.SetAttributes(slotAttrs(key)...)

	unlock, err := c.enter(ctx, key, "confirm")
	if err != nil {
		c.metrics.ObserveConfirm("busy")
		return Appointment{}, err
	}
	appt, pending, err := c.confirmLocked(ctx, holdID, patientID)
	unlock()

	if err != nil && CodeOf(err) == CodeInternal {
		// The write may or may not have committed. Repair the slot, then
		// report what is actually stored so the caller sees one outcome.
		c.logger.Error("confirm write failed; reconciling slot", "hold_id", holdID, "slot", key.String(), "error", err)
		if rerr := c.reconciler.ReconcileSlot(ctx, key); rerr != nil {
			c.logger.Error("reconcile after failed confirm", "hold_id", holdID, "error", rerr)
		}
		if existing, ok, lerr := c.store.AppointmentByHold(ctx, holdID); lerr == nil && ok && existing.PatientID == patientID {
			appt, err = existing, nil
			pending = []notification{confirmedNotification(existing, c.clock.Now())}
		}
	}

	if err != nil {
		c.metrics.ObserveConfirm(string(CodeOf(err)))
		return Appointment{}, err
	}
	c.metrics.ObserveConfirm("confirmed")
	span.SetAttributes(attribute.String("healbridge.appointment_id", appt.ID))
	c.logger.Info("hold confirmed", "hold_id", holdID, "appointment_id", appt.ID, "slot", key.String())
	c.notify(ctx, pending...)
	return appt, nil
}

func (c *Coordinator) confirmLocked(ctx context.Context, holdID, patientID string) (Appointment, []notification, error) {
	hold, err := c.store.GetHold(ctx, holdID)
	if err != nil {
		return Appointment{}, nil, wrapLookup("confirm", err)
	}
	if hold.HolderID != patientID {
		return Appointment{}, nil, c.forbidden(ctx, ForbiddenAttempt{
			Operation: "confirm",
			HoldID:    hold.ID,
			CallerID:  patientID,
			OwnerID:   hold.HolderID,
			Slot:      hold.Slot.Key(),
		})
	}

	switch hold.Status {
	case HoldConfirmed:
		return c.existingAppointment(ctx, hold)
	case HoldExpired, HoldReleased:
		if freed, err := c.freeIfOrphaned(ctx, hold.Slot.Key()); err != nil {
			c.logger.Error("restore slot after terminal confirm failed", "hold_id", hold.ID, "error", err)
		} else if freed {
			c.logger.Warn("slot was still blocked after hold ended", "hold_id", hold.ID, "status", hold.Status)
		}
		return Appointment{}, nil, ErrHoldExpired
	}

	now := c.clock.Now()
	if hold.Overdue(now) {
		return Appointment{}, nil, ErrHoldExpired
	}

	appt := appointmentFromHold(uuid.NewString(), hold, now)
	if err := c.ledger.record(ctx, hold, appt); err != nil {
		return Appointment{}, nil, err
	}
	return appt, []notification{confirmedNotification(appt, now)}, nil
}

func (c *Coordinator) existingAppointment(ctx context.Context, hold Hold) (Appointment, []notification, error) {
	appt, ok, err := c.store.AppointmentByHold(ctx, hold.ID)
	if err != nil {
		return Appointment{}, nil, wrapLookup("confirm", err)
	}
	if ok {
		if !appt.Live() {
			return Appointment{}, nil, ErrAppointmentCancelled
		}
		return appt, nil, nil
	}
	appt, restored, err := c.reconciler.restoreLocked(ctx, hold)
	if err != nil {
		return Appointment{}, nil, err
	}
	if !restored {
		return Appointment{}, nil, ErrSlotUnavailable
	}
	return appt, nil, nil
}

func confirmedNotification(appt Appointment, at time.Time) notification {
	return notification{appt.PatientID, Event{
		Type:          EventAppointmentConfirmed,
		HoldID:        appt.HoldID,
		AppointmentID: appt.ID,
		Slot:          appt.Slot(),
		OccurredAt:    at,
	}}
}
