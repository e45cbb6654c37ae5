package booking

import "errors"

// Code classifies engine failures for callers.
type Code string

const (
	CodeConflict          Code = "conflict"
	CodeExpired           Code = "expired"
	CodeForbidden         Code = "forbidden"
	CodeNotFound          Code = "not_found"
	CodeInvalidTransition Code = "invalid_transition"
	CodeInvalid           Code = "invalid_argument"
	CodeInternal          Code = "internal"
)

// Error is the typed error surfaced by every engine operation.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return "booking: " + string(e.Code)
	}
	return "booking: " + string(e.Code) + ": " + e.Reason
}

// Is matches on code, and on reason when the target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	// ErrSlotUnavailable is returned when the slot already has an active hold or live appointment.
	ErrSlotUnavailable = &Error{Code: CodeConflict, Reason: "slot_unavailable"}

	// ErrSlotBusy is returned when the per-slot section could not be entered in time.
	ErrSlotBusy = &Error{Code: CodeConflict, Reason: "slot_busy"}

	// ErrAppointmentCancelled is returned when a confirmed hold is confirmed
	// again after its appointment was cancelled.
	ErrAppointmentCancelled = &Error{Code: CodeConflict, Reason: "appointment_cancelled"}

	// ErrHoldExpired is returned when a hold can no longer be confirmed.
	ErrHoldExpired = &Error{Code: CodeExpired, Reason: "hold_expired"}

	// ErrNotHolder is returned when the caller does not own the hold or appointment.
	ErrNotHolder = &Error{Code: CodeForbidden, Reason: "not_holder"}

	ErrHoldNotFound        = &Error{Code: CodeNotFound, Reason: "hold_not_found"}
	ErrSlotNotFound        = &Error{Code: CodeNotFound, Reason: "slot_not_found"}
	ErrPracticeNotFound    = &Error{Code: CodeNotFound, Reason: "practice_not_found"}
	ErrAppointmentNotFound = &Error{Code: CodeNotFound, Reason: "appointment_not_found"}

	// ErrInvalidSlot is returned for slots without ids or with a non-positive duration.
	ErrInvalidSlot = &Error{Code: CodeInvalid, Reason: "invalid_slot"}

	// ErrSlotOverlap is returned when a published slot overlaps another for the same doctor and clinic.
	ErrSlotOverlap = &Error{Code: CodeConflict, Reason: "slot_overlap"}

	// ErrInvalidTransition is returned for ledger moves outside the state machine.
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Reason: "invalid_transition"}
)

// CodeOf returns the engine code carried by err, or CodeInternal for anything else.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternal
}
