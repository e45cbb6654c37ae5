package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// HoldManager creates and releases holds.
type HoldManager struct {
	*core
}

// TTL reports the configured hold lifetime.
func (m *HoldManager) TTL() time.Duration {
	return m.settings.holdTTL
}

// CreateHold reserves slot for holderID. It fails with ErrSlotUnavailable when
// the slot already has an active hold or a live appointment. An active hold
// whose TTL already elapsed is expired here first, so the slot does not stay
// stuck until the next sweep.
func (m *HoldManager) CreateHold(ctx context.Context, slot Slot, holderID string) (hold Hold, err error) {
	slot = slot.Normalized()
	key := slot.Key()
	ctx, span := startSpan(ctx, "booking.create_hold", slotAttrs(key)...)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(holderID) == "" {
		return Hold{}, ErrNotHolder
	}
	if err := m.catalog.Lookup(ctx, slot); err != nil {
		m.metrics.ObserveHold("not_found")
		return Hold{}, err
	}

	unlock, err := m.enter(ctx, key, "create_hold")
	if err != nil {
		m.metrics.ObserveHold("busy")
		return Hold{}, err
	}
	hold, pending, err := m.createLocked(ctx, slot, holderID)
	unlock()

	m.notify(ctx, pending...)
	if err != nil {
		if CodeOf(err) == CodeConflict {
			m.metrics.ObserveHold("conflict")
		} else {
			m.metrics.ObserveHold("error")
		}
		return Hold{}, err
	}
	m.metrics.ObserveHold("created")
	span.SetAttributes(attribute.String("healbridge.hold_id", hold.ID))
	m.logger.Info("hold created", "hold_id", hold.ID, "slot", key.String(), "holder_id", holderID, "expires_at", hold.ExpiresAt)
	return hold, nil
}

func (m *HoldManager) createLocked(ctx context.Context, slot Slot, holderID string) (Hold, []notification, error) {
	key := slot.Key()
	now := m.clock.Now()
	var pending []notification

	active, ok, err := m.store.ActiveHold(ctx, key)
	if err != nil {
		return Hold{}, nil, fmt.Errorf("booking: create hold: %w", err)
	}
	if ok {
		if !active.Overdue(now) {
			return Hold{}, nil, ErrSlotUnavailable
		}
		expired, err := m.expireLocked(ctx, active, now, "lazy")
		if err != nil {
			return Hold{}, nil, err
		}
		if expired {
			pending = append(pending, notification{active.HolderID, Event{
				Type:       EventHoldExpired,
				HoldID:     active.ID,
				Slot:       active.Slot,
				OccurredAt: now,
			}})
		}
	}

	if _, ok, err := m.store.LiveAppointment(ctx, key); err != nil {
		return Hold{}, pending, fmt.Errorf("booking: create hold: %w", err)
	} else if ok {
		return Hold{}, pending, ErrSlotUnavailable
	}

	hold := Hold{
		ID:        uuid.NewString(),
		Slot:      slot,
		HolderID:  holderID,
		Status:    HoldActive,
		CreatedAt: now,
		ExpiresAt: now.Add(m.settings.holdTTL),
		UpdatedAt: now,
	}
	if err := m.store.InsertHold(ctx, hold); err != nil {
		if CodeOf(err) == CodeConflict {
			return Hold{}, pending, err
		}
		return Hold{}, pending, fmt.Errorf("booking: create hold: %w", err)
	}
	if err := m.catalog.MarkUnavailable(ctx, key); err != nil {
		// No active hold may exist without its catalog mark.
		if _, rbErr := m.store.UpdateHoldStatus(ctx, hold.ID, HoldActive, HoldReleased, now); rbErr != nil {
			m.logger.Error("roll back unmarked hold failed", "hold_id", hold.ID, "error", rbErr)
		}
		return Hold{}, pending, err
	}
	return hold, pending, nil
}

// ReleaseHold cancels holderID's hold and frees the slot. Releasing a hold
// that is already terminal is a no-op.
func (m *HoldManager) ReleaseHold(ctx context.Context, holdID, holderID string) (err error) {
	ctx, span := startSpan(ctx, "booking.release_hold", attribute.String("healbridge.hold_id", holdID))
	defer func() { endSpan(span, err) }()

	hold, err := m.store.GetHold(ctx, holdID)
	if err != nil {
		return wrapLookup("release hold", err)
	}
	if hold.HolderID != holderID {
		m.metrics.ObserveRelease("forbidden")
		return m.forbidden(ctx, ForbiddenAttempt{
			Operation: "release_hold",
			HoldID:    hold.ID,
			CallerID:  holderID,
			OwnerID:   hold.HolderID,
			Slot:      hold.Slot.Key(),
		})
	}
	if hold.Status.Terminal() {
		m.metrics.ObserveRelease("noop")
		return nil
	}

	unlock, err := m.enter(ctx, hold.Slot.Key(), "release_hold")
	if err != nil {
		return err
	}
	released, err := m.releaseLocked(ctx, hold)
	unlock()
	if err != nil {
		return err
	}
	if !released {
		m.metrics.ObserveRelease("noop")
		return nil
	}

	m.metrics.ObserveRelease("released")
	m.logger.Info("hold released", "hold_id", hold.ID, "slot", hold.Slot.Key().String())
	m.notify(ctx, notification{hold.HolderID, Event{
		Type:       EventHoldReleased,
		HoldID:     hold.ID,
		Slot:       hold.Slot,
		OccurredAt: m.clock.Now(),
	}})
	return nil
}

func (m *HoldManager) releaseLocked(ctx context.Context, hold Hold) (bool, error) {
	ok, err := m.store.UpdateHoldStatus(ctx, hold.ID, HoldActive, HoldReleased, m.clock.Now())
	if err != nil {
		return false, fmt.Errorf("booking: release hold: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := m.catalog.MarkAvailable(ctx, hold.Slot.Key()); err != nil {
		return true, err
	}
	return true, nil
}

// GetHold returns a hold to its holder.
func (m *HoldManager) GetHold(ctx context.Context, holdID, holderID string) (Hold, error) {
	hold, err := m.store.GetHold(ctx, holdID)
	if err != nil {
		return Hold{}, wrapLookup("get hold", err)
	}
	if hold.HolderID != holderID {
		return Hold{}, m.forbidden(ctx, ForbiddenAttempt{
			Operation: "get_hold",
			HoldID:    hold.ID,
			CallerID:  holderID,
			OwnerID:   hold.HolderID,
			Slot:      hold.Slot.Key(),
		})
	}
	return hold, nil
}

// wrapLookup passes engine errors through and wraps infrastructure failures.
func wrapLookup(op string, err error) error {
	if CodeOf(err) != CodeInternal {
		return err
	}
	return fmt.Errorf("booking: %s: %w", op, err)
}
