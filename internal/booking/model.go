package booking

import (
	"fmt"
	"strings"
	"time"
)

// SlotKey is the comparable identity of a slot. Times are stored as Unix
// milliseconds so keys built from equal instants in different zones match.
type SlotKey struct {
	DoctorID string
	ClinicID string
	Start    int64
	End      int64
}

// String renders the key for lock names and logs.
func (k SlotKey) String() string {
	return fmt.Sprintf("slot:%s:%s:%d:%d", k.DoctorID, k.ClinicID, k.Start, k.End)
}

// Slot is a fixed window bookable for one doctor at one clinic.
type Slot struct {
	DoctorID string    `json:"doctor_id"`
	ClinicID string    `json:"clinic_id"`
	Start    time.Time `json:"start_ts"`
	End      time.Time `json:"end_ts"`
}

// Key returns the slot identity.
func (s Slot) Key() SlotKey {
	return SlotKey{
		DoctorID: s.DoctorID,
		ClinicID: s.ClinicID,
		Start:    s.Start.UnixMilli(),
		End:      s.End.UnixMilli(),
	}
}

// Normalized returns the slot in UTC at the millisecond precision of SlotKey.
func (s Slot) Normalized() Slot {
	s.Start = s.Start.UTC().Truncate(time.Millisecond)
	s.End = s.End.UTC().Truncate(time.Millisecond)
	return s
}

// Valid reports whether the slot has both ids and a positive duration.
func (s Slot) Valid() bool {
	return strings.TrimSpace(s.DoctorID) != "" &&
		strings.TrimSpace(s.ClinicID) != "" &&
		s.End.After(s.Start)
}

// SlotFromKey rebuilds a UTC slot from its key.
func SlotFromKey(k SlotKey) Slot {
	return Slot{
		DoctorID: k.DoctorID,
		ClinicID: k.ClinicID,
		Start:    time.UnixMilli(k.Start).UTC(),
		End:      time.UnixMilli(k.End).UTC(),
	}
}

// HoldStatus tracks the hold lifecycle.
type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldConfirmed HoldStatus = "confirmed"
	HoldExpired   HoldStatus = "expired"
	HoldReleased  HoldStatus = "released"
)

// Terminal reports whether no further transitions are allowed.
func (s HoldStatus) Terminal() bool {
	return s != HoldActive
}

// Hold is a time-boxed claim on a slot.
type Hold struct {
	ID        string     `json:"hold_id"`
	Slot      Slot       `json:"slot"`
	HolderID  string     `json:"holder_id"`
	Status    HoldStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Overdue reports whether the TTL has elapsed at now. A hold is still valid at
// exactly ExpiresAt.
func (h Hold) Overdue(now time.Time) bool {
	return now.After(h.ExpiresAt)
}

// AppointmentStatus tracks the ledger state machine.
type AppointmentStatus string

const (
	AppointmentConfirmed   AppointmentStatus = "confirmed"
	AppointmentStarted     AppointmentStatus = "started"
	AppointmentCompleted   AppointmentStatus = "completed"
	AppointmentCancelled   AppointmentStatus = "cancelled"
	AppointmentRescheduled AppointmentStatus = "rescheduled"
)

var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	AppointmentConfirmed: {AppointmentStarted, AppointmentCancelled, AppointmentRescheduled},
	AppointmentStarted:   {AppointmentCompleted},
}

// CanTransition reports whether the ledger allows from -> to.
func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range appointmentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseAppointmentStatus validates a status string.
func ParseAppointmentStatus(raw string) (AppointmentStatus, bool) {
	switch s := AppointmentStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case AppointmentConfirmed, AppointmentStarted, AppointmentCompleted, AppointmentCancelled, AppointmentRescheduled:
		return s, true
	default:
		return "", false
	}
}

// Appointment is the durable booking created from a confirmed hold.
type Appointment struct {
	ID        string            `json:"appointment_id"`
	HoldID    string            `json:"hold_id"`
	DoctorID  string            `json:"doctor_id"`
	ClinicID  string            `json:"clinic_id"`
	PatientID string            `json:"patient_id"`
	Start     time.Time         `json:"start_ts"`
	End       time.Time         `json:"end_ts"`
	Status    AppointmentStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Slot returns the slot the appointment occupies.
func (a Appointment) Slot() Slot {
	return Slot{DoctorID: a.DoctorID, ClinicID: a.ClinicID, Start: a.Start, End: a.End}
}

// Live reports whether the appointment still occupies its slot.
func (a Appointment) Live() bool {
	return a.Status != AppointmentCancelled
}

func appointmentFromHold(id string, h Hold, at time.Time) Appointment {
	return Appointment{
		ID:        id,
		HoldID:    h.ID,
		DoctorID:  h.Slot.DoctorID,
		ClinicID:  h.Slot.ClinicID,
		PatientID: h.HolderID,
		Start:     h.Slot.Start,
		End:       h.Slot.End,
		Status:    AppointmentConfirmed,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// EventType names a patient notification.
type EventType string

const (
	EventHoldExpired          EventType = "hold.expired"
	EventHoldReleased         EventType = "hold.released"
	EventAppointmentConfirmed EventType = "appointment.confirmed"
	EventAppointmentCancelled EventType = "appointment.cancelled"
)

// Event is delivered to the notifier after a state change commits.
type Event struct {
	Type          EventType `json:"type"`
	HoldID        string    `json:"hold_id,omitempty"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	Slot          Slot      `json:"slot"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// RepairKind names a reconciliation fix.
type RepairKind string

const (
	RepairHoldConfirmed       RepairKind = "hold_confirmed"
	RepairHoldReleased        RepairKind = "hold_released"
	RepairAppointmentRestored RepairKind = "appointment_restored"
	RepairSlotBlocked         RepairKind = "slot_blocked"
	RepairSlotUnblocked       RepairKind = "slot_unblocked"
)

// Repair describes one reconciliation change for the audit trail.
type Repair struct {
	Kind          RepairKind
	HoldID        string
	AppointmentID string
	Slots         []SlotKey
	At            time.Time
}

// ForbiddenAttempt records an identity mismatch on a hold or appointment.
type ForbiddenAttempt struct {
	Operation     string
	HoldID        string
	AppointmentID string
	CallerID      string
	OwnerID       string
	Slot          SlotKey
	At            time.Time
}
