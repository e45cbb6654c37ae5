package booking

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"time"
)

// Catalog is the engine's view of the published slot catalog. It never
// creates slots; it only reads what the template service published and
// records which slots are taken.
type Catalog struct {
	store Store
	loc   *time.Location
}

// NewCatalog builds a catalog whose days are cut in loc.
func NewCatalog(store Store, loc *time.Location) *Catalog {
	if store == nil {
		panic("booking: store required")
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Catalog{store: store, loc: loc}
}

// DayBounds returns the [start, end) instants of date's calendar day in the catalog zone.
func (c *Catalog) DayBounds(date time.Time) (time.Time, time.Time) {
	return dayBounds(c.loc, date)
}

func dayBounds(loc *time.Location, date time.Time) (time.Time, time.Time) {
	y, m, d := date.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// ListAvailable returns the open slots for a doctor at a clinic on date,
// ordered by start. The sequence is lazy and restartable: each range reads
// the store again. An unknown doctor/clinic is an error; an empty day is not.
func (c *Catalog) ListAvailable(ctx context.Context, doctorID, clinicID string, date time.Time) (iter.Seq2[Slot, error], error) {
	ok, err := c.store.PracticeExists(ctx, doctorID, clinicID)
	if err != nil {
		return nil, fmt.Errorf("booking: list available: %w", err)
	}
	if !ok {
		return nil, ErrPracticeNotFound
	}
	from, to := c.DayBounds(date)
	return func(yield func(Slot, error) bool) {
		slots, err := c.store.AvailableSlots(ctx, doctorID, clinicID, from, to)
		if err != nil {
			yield(Slot{}, fmt.Errorf("booking: list available: %w", err))
			return
		}
		for _, slot := range slots {
			if !yield(slot, nil) {
				return
			}
		}
	}, nil
}

// Publish loads slots produced by the availability template service. The
// batch is rejected if any slot is malformed or two slots of one doctor and
// clinic overlap.
func (c *Catalog) Publish(ctx context.Context, slots []Slot) error {
	batch := make([]Slot, 0, len(slots))
	for _, slot := range slots {
		slot = slot.Normalized()
		if !slot.Valid() {
			return ErrInvalidSlot
		}
		batch = append(batch, slot)
	}
	sort.Slice(batch, func(i, j int) bool {
		a, b := batch[i], batch[j]
		if a.DoctorID != b.DoctorID {
			return a.DoctorID < b.DoctorID
		}
		if a.ClinicID != b.ClinicID {
			return a.ClinicID < b.ClinicID
		}
		return a.Start.Before(b.Start)
	})
	for i := 1; i < len(batch); i++ {
		prev, cur := batch[i-1], batch[i]
		if prev.DoctorID == cur.DoctorID && prev.ClinicID == cur.ClinicID &&
			cur.Start.Before(prev.End) && prev.Key() != cur.Key() {
			return ErrSlotOverlap
		}
	}
	if err := c.store.PublishSlots(ctx, batch); err != nil {
		return wrapLookup("publish slots", err)
	}
	return nil
}

// Lookup verifies slot belongs to the published catalog.
func (c *Catalog) Lookup(ctx context.Context, slot Slot) error {
	if !slot.Valid() {
		return ErrSlotNotFound
	}
	ok, err := c.store.PracticeExists(ctx, slot.DoctorID, slot.ClinicID)
	if err != nil {
		return fmt.Errorf("booking: lookup slot: %w", err)
	}
	if !ok {
		return ErrPracticeNotFound
	}
	ok, err = c.store.SlotExists(ctx, slot.Key())
	if err != nil {
		return fmt.Errorf("booking: lookup slot: %w", err)
	}
	if !ok {
		return ErrSlotNotFound
	}
	return nil
}

// MarkUnavailable blocks the slot. Blocking an already blocked slot is a no-op.
func (c *Catalog) MarkUnavailable(ctx context.Context, key SlotKey) error {
	if _, err := c.store.BlockSlot(ctx, key); err != nil {
		return fmt.Errorf("booking: mark unavailable %s: %w", key, err)
	}
	return nil
}

// MarkAvailable unblocks the slot. Unblocking an open slot is a no-op.
func (c *Catalog) MarkAvailable(ctx context.Context, key SlotKey) error {
	if _, err := c.store.UnblockSlot(ctx, key); err != nil {
		return fmt.Errorf("booking: mark available %s: %w", key, err)
	}
	return nil
}

func (c *Catalog) IsBlocked(ctx context.Context, key SlotKey) (bool, error) {
	blocked, err := c.store.IsBlocked(ctx, key)
	if err != nil {
		return false, fmt.Errorf("booking: is blocked %s: %w", key, err)
	}
	return blocked, nil
}

var _ SlotCatalog = (*Catalog)(nil)
