package events

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Parth354/HealBridge-sub002/internal/booking"
)

// Envelope is the message body consumers receive for one patient-facing
// booking change.
type Envelope struct {
	EventID       uuid.UUID   `json:"event_id"`
	EventType     string      `json:"event_type"`
	PatientID     string      `json:"patient_id"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	QueuedAt      time.Time   `json:"queued_at"`
	Event         SlotEventV1 `json:"event"`
}

// EnvelopeOption customizes a generated envelope (useful in tests).
type EnvelopeOption func(*Envelope)

// WithEventID overrides the generated event id.
func WithEventID(id uuid.UUID) EnvelopeOption {
	return func(e *Envelope) {
		if id != uuid.Nil {
			e.EventID = id
		}
	}
}

// WithQueuedAt overrides the queue timestamp.
func WithQueuedAt(ts time.Time) EnvelopeOption {
	return func(e *Envelope) {
		if !ts.IsZero() {
			e.QueuedAt = ts.UTC()
		}
	}
}

var (
	ErrMissingPatient = errors.New("events: patient id is required")
	ErrMissingKind    = errors.New("events: event kind is required")

	nowFunc = time.Now
)

// NewEnvelope wraps evt for patientID. The appointment id, or the hold id
// before confirmation, becomes the correlation id.
func NewEnvelope(patientID string, evt booking.Event, opts ...EnvelopeOption) (Envelope, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return Envelope{}, ErrMissingPatient
	}
	payload := NewSlotEvent(patientID, evt)
	eventType := payload.EventType()
	if eventType == "" {
		return Envelope{}, ErrMissingKind
	}
	correlationID := evt.AppointmentID
	if correlationID == "" {
		correlationID = evt.HoldID
	}
	env := Envelope{
		EventID:       uuid.New(),
		EventType:     eventType,
		PatientID:     patientID,
		CorrelationID: correlationID,
		QueuedAt:      nowFunc().UTC(),
		Event:         payload,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&env)
		}
	}
	return env, nil
}

// Aggregate keys a patient's events so consumers can keep them in order.
func (e Envelope) Aggregate() string {
	return "patient:" + e.PatientID
}
