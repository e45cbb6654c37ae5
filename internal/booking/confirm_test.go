package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmCreatesAppointment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)
	env.clock.Advance(2 * time.Minute)

	appt, err := env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	require.NoError(t, err)

	assert.NotEmpty(t, appt.ID)
	assert.Equal(t, hold.ID, appt.HoldID)
	assert.Equal(t, "patient-x", appt.PatientID)
	assert.Equal(t, AppointmentConfirmed, appt.Status)
	assert.True(t, appt.Start.Equal(slotA.Start))
	assert.Equal(t, HoldConfirmed, env.hold(t, hold.ID).Status)
	assert.True(t, env.blocked(t, slotA))
	assert.Equal(t, 0, env.catalog.restoredCount(slotA))
	assert.Equal(t, []EventType{EventAppointmentConfirmed}, env.notifier.types())

	// The slot is permanently taken once confirmed.
	env.clock.Advance(time.Hour)
	_, err = env.engine.Holds.CreateHold(ctx, slotA, "patient-y")
	assert.True(t, errors.Is(err, ErrSlotUnavailable))
}

func TestConfirmAtExpiryBoundarySucceeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)

	env.clock.Set(hold.ExpiresAt)
	_, err = env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	assert.NoError(t, err)
}

func TestConfirmAfterTTLReturnsExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)

	env.clock.Advance(301 * time.Second)
	_, err = env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHoldExpired))
	assert.Equal(t, CodeExpired, CodeOf(err))

	_, ok, err := env.store.AppointmentByHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// The slot is holdable again at t=301s.
	next, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-y")
	require.NoError(t, err)
	assert.Equal(t, HoldActive, next.Status)
	assert.Equal(t, HoldExpired, env.hold(t, hold.ID).Status)
}

func TestConfirmByOtherPatientIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)

	_, err = env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-y")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotHolder))
	assert.Equal(t, CodeForbidden, CodeOf(err))

	current := env.hold(t, hold.ID)
	assert.Equal(t, HoldActive, current.Status)
	assert.False(t, current.Overdue(env.clock.Now()))
	require.Len(t, env.audit.forbidden, 1)
	assert.Equal(t, "confirm", env.audit.forbidden[0].Operation)
	assert.Equal(t, "patient-x", env.audit.forbidden[0].OwnerID)

	_, err = env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	assert.NoError(t, err)
}

func TestConfirmUnknownHold(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Confirmer.Confirm(context.Background(), "missing", "patient-x")
	assert.True(t, errors.Is(err, ErrHoldNotFound))
}

func TestConfirmIsIdempotentForHolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)

	first, err := env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	require.NoError(t, err)
	second, err := env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []EventType{EventAppointmentConfirmed}, env.notifier.types())
}

func TestConfirmAfterCancelReturnsConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)
	appt, err := env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	require.NoError(t, err)
	_, err = env.engine.Ledger.Cancel(ctx, appt.ID, "patient-x")
	require.NoError(t, err)

	_, err = env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	assert.True(t, errors.Is(err, ErrAppointmentCancelled))
	assert.Equal(t, CodeConflict, CodeOf(err))

	got, err := env.engine.Ledger.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, AppointmentCancelled, got.Status)
	assert.False(t, env.blocked(t, slotA))
}

func TestConfirmReleasedHoldReturnsExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)
	require.NoError(t, env.engine.Holds.ReleaseHold(ctx, hold.ID, "patient-x"))

	_, err = env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	assert.True(t, errors.Is(err, ErrHoldExpired))
	assert.Equal(t, 1, env.catalog.restoredCount(slotA))
}

func TestConfirmTerminalHoldRestoresStaleCatalogMark(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)

	// Simulate an expiry whose catalog restore never happened.
	ok, err := env.store.UpdateHoldStatus(ctx, hold.ID, HoldActive, HoldExpired, env.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, env.blocked(t, slotA))

	_, err = env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	assert.True(t, errors.Is(err, ErrHoldExpired))
	assert.False(t, env.blocked(t, slotA))
}

func TestConfirmRacesSweepAtExpiry(t *testing.T) {
	tests := []struct {
		name        string
		offset      time.Duration
		wantConfirm bool
	}{
		{name: "at expires_at confirm wins", offset: 0, wantConfirm: true},
		{name: "past expires_at sweep wins", offset: time.Millisecond, wantConfirm: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 25; i++ {
				env := newTestEnv(t)
				ctx := context.Background()

				hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
				require.NoError(t, err)
				env.clock.Set(hold.ExpiresAt.Add(tt.offset))

				var wg sync.WaitGroup
				var confirmErr, sweepErr error
				var swept int
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, confirmErr = env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
				}()
				go func() {
					defer wg.Done()
					swept, sweepErr = env.engine.Sweeper.SweepOnce(ctx)
				}()
				wg.Wait()
				require.NoError(t, sweepErr)

				_, hasAppt, err := env.store.AppointmentByHold(ctx, hold.ID)
				require.NoError(t, err)
				status := env.hold(t, hold.ID).Status

				if tt.wantConfirm {
					assert.NoError(t, confirmErr)
					assert.Equal(t, 0, swept)
					assert.Equal(t, HoldConfirmed, status)
					assert.True(t, hasAppt)
				} else {
					assert.True(t, errors.Is(confirmErr, ErrHoldExpired))
					assert.Equal(t, 1, swept)
					assert.Equal(t, HoldExpired, status)
					assert.False(t, hasAppt, "no appointment may exist once expiry was observed")
				}
			}
		})
	}
}

func TestConfirmWriteFailureBeforeCommitKeepsHoldActive(t *testing.T) {
	mem := NewMemoryStore()
	env := newTestEnvWithStore(t, &flakyStore{MemoryStore: mem}, mem)
	ctx := context.Background()

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)

	_, err = env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	require.Error(t, err)
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.True(t, errors.Is(err, errConnReset))

	assert.Equal(t, HoldActive, env.hold(t, hold.ID).Status)
	_, ok, err := mem.AppointmentByHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, env.blocked(t, slotA))
	assert.Empty(t, env.notifier.types())
}

func TestConfirmWriteFailureAfterCommitReportsAppointment(t *testing.T) {
	mem := NewMemoryStore()
	env := newTestEnvWithStore(t, &flakyStore{MemoryStore: mem, afterCommit: true}, mem)
	ctx := context.Background()

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)

	appt, err := env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	require.NoError(t, err)
	assert.Equal(t, hold.ID, appt.HoldID)
	assert.Equal(t, HoldConfirmed, env.hold(t, hold.ID).Status)
	assert.Equal(t, []EventType{EventAppointmentConfirmed}, env.notifier.types())
}

func TestConfirmRestoresMissingAppointment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)
	ok, err := env.store.UpdateHoldStatus(ctx, hold.ID, HoldActive, HoldConfirmed, env.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	appt, err := env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	require.NoError(t, err)
	assert.Equal(t, hold.ID, appt.HoldID)
	assert.Contains(t, env.audit.repairKinds(), RepairAppointmentRestored)
}

func TestConfirmNotifyFailureDoesNotRollBack(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = errors.New("queue down")
	ctx := context.Background()

	hold, err := env.engine.Holds.CreateHold(ctx, slotA, "patient-x")
	require.NoError(t, err)

	appt, err := env.engine.Confirmer.Confirm(ctx, hold.ID, "patient-x")
	require.NoError(t, err)
	got, err := env.engine.Ledger.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, AppointmentConfirmed, got.Status)
}
