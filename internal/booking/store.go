package booking

import (
	"context"
	"time"
)

// Store is the single shared resource behind the engine. Catalog marks, holds
// and appointments all live here so they cannot diverge into separate caches.
//
// Read-then-write sequences on one slot are serialized by the caller through
// the per-slot section; implementations only need each method to be atomic.
type Store interface {
	// Catalog
	PublishSlots(ctx context.Context, slots []Slot) error
	PracticeExists(ctx context.Context, doctorID, clinicID string) (bool, error)
	SlotExists(ctx context.Context, key SlotKey) (bool, error)
	AvailableSlots(ctx context.Context, doctorID, clinicID string, from, to time.Time) ([]Slot, error)
	BlockSlot(ctx context.Context, key SlotKey) (bool, error)
	UnblockSlot(ctx context.Context, key SlotKey) (bool, error)
	IsBlocked(ctx context.Context, key SlotKey) (bool, error)
	BlockedSlots(ctx context.Context) ([]SlotKey, error)

	// Holds
	InsertHold(ctx context.Context, h Hold) error
	GetHold(ctx context.Context, id string) (Hold, error)
	ActiveHold(ctx context.Context, key SlotKey) (Hold, bool, error)
	UpdateHoldStatus(ctx context.Context, id string, from, to HoldStatus, at time.Time) (bool, error)
	ListOverdueHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error)
	// ListOrphanedConfirmedHolds returns CONFIRMED holds that have no
	// appointment and whose slot no live appointment owns, oldest first.
	ListOrphanedConfirmedHolds(ctx context.Context, limit int) ([]Hold, error)

	// Appointments
	ConfirmHold(ctx context.Context, holdID string, appt Appointment, at time.Time) error
	InsertAppointment(ctx context.Context, appt Appointment) error
	GetAppointment(ctx context.Context, id string) (Appointment, error)
	AppointmentByHold(ctx context.Context, holdID string) (Appointment, bool, error)
	LiveAppointment(ctx context.Context, key SlotKey) (Appointment, bool, error)
	UpdateAppointmentStatus(ctx context.Context, id string, from, to AppointmentStatus, at time.Time) (bool, error)
	AppointmentsByDoctor(ctx context.Context, doctorID string, from, to time.Time) ([]Appointment, error)
	AppointmentsByPatient(ctx context.Context, patientID string) ([]Appointment, error)
}
