package events

import (
	"strings"
	"time"

	"github.com/Parth354/HealBridge-sub002/internal/booking"
)

// SlotEventV1 is the patient-facing payload for hold and appointment changes.
type SlotEventV1 struct {
	Kind          string    `json:"kind"`
	PatientID     string    `json:"patient_id"`
	HoldID        string    `json:"hold_id,omitempty"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	DoctorID      string    `json:"doctor_id"`
	ClinicID      string    `json:"clinic_id"`
	StartTS       time.Time `json:"start_ts"`
	EndTS         time.Time `json:"end_ts"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// EventType maps "hold.expired" to "booking.hold.expired.v1".
func (e SlotEventV1) EventType() string {
	kind := strings.TrimSpace(e.Kind)
	if kind == "" {
		return ""
	}
	return "booking." + kind + ".v1"
}

// NewSlotEvent converts an engine event into its canonical payload.
func NewSlotEvent(patientID string, evt booking.Event) SlotEventV1 {
	return SlotEventV1{
		Kind:          string(evt.Type),
		PatientID:     patientID,
		HoldID:        evt.HoldID,
		AppointmentID: evt.AppointmentID,
		DoctorID:      evt.Slot.DoctorID,
		ClinicID:      evt.Slot.ClinicID,
		StartTS:       evt.Slot.Start.UTC(),
		EndTS:         evt.Slot.End.UTC(),
		OccurredAt:    evt.OccurredAt.UTC(),
	}
}
