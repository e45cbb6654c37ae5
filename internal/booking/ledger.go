package booking

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Ledger owns appointments once a hold has been converted. Status changes
// follow CONFIRMED -> {STARTED, CANCELLED, RESCHEDULED} and STARTED -> COMPLETED.
type Ledger struct {
	*core
}

// record atomically confirms hold and inserts appt.
func (l *Ledger) record(ctx context.Context, hold Hold, appt Appointment) error {
	if err := l.store.ConfirmHold(ctx, hold.ID, appt, appt.CreatedAt); err != nil {
		return wrapLookup("record appointment", err)
	}
	return nil
}

// restore inserts an appointment for a hold that is already CONFIRMED.
func (l *Ledger) restore(ctx context.Context, appt Appointment) error {
	if err := l.store.InsertAppointment(ctx, appt); err != nil {
		return wrapLookup("restore appointment", err)
	}
	return nil
}

// Get returns an appointment by id.
func (l *Ledger) Get(ctx context.Context, id string) (Appointment, error) {
	appt, err := l.store.GetAppointment(ctx, id)
	if err != nil {
		return Appointment{}, wrapLookup("get appointment", err)
	}
	return appt, nil
}

// Transition moves an appointment to status to, or fails with ErrInvalidTransition.
func (l *Ledger) Transition(ctx context.Context, id string, to AppointmentStatus) (appt Appointment, err error) {
	ctx, span := startSpan(ctx, "booking.ledger_transition",
		attribute.String("healbridge.appointment_id", id),
		attribute.String("healbridge.to_status", string(to)),
	)
	defer func() { endSpan(span, err) }()

	current, err := l.Get(ctx, id)
	if err != nil {
		return Appointment{}, err
	}
	if !CanTransition(current.Status, to) {
		l.metrics.ObserveTransition(string(to), "invalid")
		return Appointment{}, invalidTransition(current.Status, to)
	}

	unlock, err := l.enter(ctx, current.Slot().Key(), "transition")
	if err != nil {
		return Appointment{}, err
	}
	appt, pending, err := l.transitionLocked(ctx, id, to)
	unlock()
	if err != nil {
		l.metrics.ObserveTransition(string(to), string(CodeOf(err)))
		return Appointment{}, err
	}

	l.metrics.ObserveTransition(string(to), "ok")
	l.logger.Info("appointment transitioned", "appointment_id", id, "to", to)
	l.notify(ctx, pending...)
	return appt, nil
}

func (l *Ledger) transitionLocked(ctx context.Context, id string, to AppointmentStatus) (Appointment, []notification, error) {
	current, err := l.Get(ctx, id)
	if err != nil {
		return Appointment{}, nil, err
	}
	if !CanTransition(current.Status, to) {
		return Appointment{}, nil, invalidTransition(current.Status, to)
	}
	now := l.clock.Now()
	ok, err := l.store.UpdateAppointmentStatus(ctx, id, current.Status, to, now)
	if err != nil {
		return Appointment{}, nil, fmt.Errorf("booking: transition appointment: %w", err)
	}
	if !ok {
		return Appointment{}, nil, invalidTransition(current.Status, to)
	}
	current.Status = to
	current.UpdatedAt = now

	var pending []notification
	if to == AppointmentCancelled {
		if _, err := l.freeIfOrphaned(ctx, current.Slot().Key()); err != nil {
			return current, nil, fmt.Errorf("booking: free cancelled slot: %w", err)
		}
		pending = append(pending, notification{current.PatientID, Event{
			Type:          EventAppointmentCancelled,
			HoldID:        current.HoldID,
			AppointmentID: current.ID,
			Slot:          current.Slot(),
			OccurredAt:    now,
		}})
	}
	return current, pending, nil
}

// Cancel lets the patient who owns the appointment cancel it.
func (l *Ledger) Cancel(ctx context.Context, id, patientID string) (Appointment, error) {
	appt, err := l.Get(ctx, id)
	if err != nil {
		return Appointment{}, err
	}
	if appt.PatientID != patientID {
		return Appointment{}, l.forbidden(ctx, ForbiddenAttempt{
			Operation:     "cancel_appointment",
			AppointmentID: appt.ID,
			CallerID:      patientID,
			OwnerID:       appt.PatientID,
			Slot:          appt.Slot().Key(),
		})
	}
	return l.Transition(ctx, id, AppointmentCancelled)
}

// ListByDoctor returns a doctor's appointments starting on date, ordered by start.
func (l *Ledger) ListByDoctor(ctx context.Context, doctorID string, date time.Time) ([]Appointment, error) {
	from, to := dayBounds(l.loc, date)
	appts, err := l.store.AppointmentsByDoctor(ctx, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("booking: list by doctor: %w", err)
	}
	return appts, nil
}

// ListByPatient returns a patient's appointments ordered by start.
func (l *Ledger) ListByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	appts, err := l.store.AppointmentsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("booking: list by patient: %w", err)
	}
	return appts, nil
}

func invalidTransition(from, to AppointmentStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
