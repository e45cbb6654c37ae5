package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Parth354/HealBridge-sub002/internal/booking"
)

func TestNewEnvelope(t *testing.T) {
	fixedNow := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	prevNow := nowFunc
	nowFunc = func() time.Time { return fixedNow }
	t.Cleanup(func() { nowFunc = prevNow })

	id := uuid.MustParse("9a20d7d1-bf6a-4d33-bd55-5d25a816f1a8")
	env, err := NewEnvelope(" p-1 ", sampleEvent(), WithEventID(id))
	require.NoError(t, err)

	assert.Equal(t, id, env.EventID)
	assert.Equal(t, "booking.appointment.confirmed.v1", env.EventType)
	assert.Equal(t, "p-1", env.PatientID)
	assert.Equal(t, "patient:p-1", env.Aggregate())
	assert.Equal(t, "appt-1", env.CorrelationID)
	assert.Equal(t, fixedNow, env.QueuedAt)
	assert.Equal(t, "doc-1", env.Event.DoctorID)
	assert.Equal(t, "p-1", env.Event.PatientID)
}

func TestNewEnvelopeCorrelatesHoldBeforeConfirmation(t *testing.T) {
	evt := sampleEvent()
	evt.Type = booking.EventHoldExpired
	evt.AppointmentID = ""

	env, err := NewEnvelope("p-1", evt)
	require.NoError(t, err)

	assert.Equal(t, "hold-1", env.CorrelationID)
	assert.Equal(t, "booking.hold.expired.v1", env.EventType)
	assert.NotEqual(t, uuid.Nil, env.EventID)
}

func TestNewEnvelopeValidation(t *testing.T) {
	_, err := NewEnvelope("  ", sampleEvent())
	assert.True(t, errors.Is(err, ErrMissingPatient))

	evt := sampleEvent()
	evt.Type = ""
	_, err = NewEnvelope("p-1", evt)
	assert.True(t, errors.Is(err, ErrMissingKind))
}

func TestWithQueuedAtOption(t *testing.T) {
	target := time.Date(2026, 3, 2, 9, 30, 0, 0, time.FixedZone("IST", 5*3600+1800))
	env, err := NewEnvelope("p-1", sampleEvent(), WithQueuedAt(target))
	require.NoError(t, err)
	assert.True(t, env.QueuedAt.Equal(target))
	assert.Equal(t, time.UTC, env.QueuedAt.Location())
}

func TestOutboxEntryDecodesEnvelope(t *testing.T) {
	env, err := NewEnvelope("p-1", sampleEvent())
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := OutboxEntry{ID: env.EventID, Payload: data}.Envelope()
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, env.Event.AppointmentID, decoded.Event.AppointmentID)

	_, err = OutboxEntry{Payload: []byte("not json")}.Envelope()
	assert.Error(t, err)
}
