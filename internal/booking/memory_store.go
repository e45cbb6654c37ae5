package booking

import (
	"context"
	"sort"
	"sync"
	"time"
)

type practiceKey struct {
	doctorID string
	clinicID string
}

// MemoryStore keeps the engine state in process. It is used for development
// and tests; the mutex guards map access only.
type MemoryStore struct {
	mu           sync.RWMutex
	practices    map[practiceKey]struct{}
	catalog      map[SlotKey]Slot
	blocks       map[SlotKey]struct{}
	holds        map[string]Hold
	activeBySlot map[SlotKey]string
	appointments map[string]Appointment
	liveBySlot   map[SlotKey]string
	apptByHold   map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		practices:    make(map[practiceKey]struct{}),
		catalog:      make(map[SlotKey]Slot),
		blocks:       make(map[SlotKey]struct{}),
		holds:        make(map[string]Hold),
		activeBySlot: make(map[SlotKey]string),
		appointments: make(map[string]Appointment),
		liveBySlot:   make(map[SlotKey]string),
		apptByHold:   make(map[string]string),
	}
}

// RegisterPractice records a doctor/clinic pairing with no slots yet.
func (s *MemoryStore) RegisterPractice(doctorID, clinicID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.practices[practiceKey{doctorID, clinicID}] = struct{}{}
}

// PublishSlots loads template output into the catalog. Re-publishing a slot is
// a no-op; a slot overlapping a different published slot rejects the batch.
func (s *MemoryStore) PublishSlots(_ context.Context, slots []Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range slots {
		if _, ok := s.overlapping(slot.Normalized()); ok {
			return ErrSlotOverlap
		}
	}
	for _, slot := range slots {
		slot = slot.Normalized()
		s.practices[practiceKey{slot.DoctorID, slot.ClinicID}] = struct{}{}
		s.catalog[slot.Key()] = slot
	}
	return nil
}

// overlapping returns a published slot for the same doctor and clinic that
// overlaps slot without being identical to it.
func (s *MemoryStore) overlapping(slot Slot) (Slot, bool) {
	for key, existing := range s.catalog {
		if key == slot.Key() || existing.DoctorID != slot.DoctorID || existing.ClinicID != slot.ClinicID {
			continue
		}
		if existing.Start.Before(slot.End) && slot.Start.Before(existing.End) {
			return existing, true
		}
	}
	return Slot{}, false
}

func (s *MemoryStore) PracticeExists(_ context.Context, doctorID, clinicID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.practices[practiceKey{doctorID, clinicID}]
	return ok, nil
}

func (s *MemoryStore) SlotExists(_ context.Context, key SlotKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.catalog[key]
	return ok, nil
}

func (s *MemoryStore) AvailableSlots(_ context.Context, doctorID, clinicID string, from, to time.Time) ([]Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Slot
	for key, slot := range s.catalog {
		if slot.DoctorID != doctorID || slot.ClinicID != clinicID {
			continue
		}
		if slot.Start.Before(from) || !slot.Start.Before(to) {
			continue
		}
		if _, blocked := s.blocks[key]; blocked {
			continue
		}
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *MemoryStore) BlockSlot(_ context.Context, key SlotKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[key]; ok {
		return false, nil
	}
	s.blocks[key] = struct{}{}
	return true, nil
}

func (s *MemoryStore) UnblockSlot(_ context.Context, key SlotKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[key]; !ok {
		return false, nil
	}
	delete(s.blocks, key)
	return true, nil
}

func (s *MemoryStore) IsBlocked(_ context.Context, key SlotKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[key]
	return ok, nil
}

func (s *MemoryStore) BlockedSlots(_ context.Context) ([]SlotKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SlotKey, 0, len(s.blocks))
	for key := range s.blocks {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *MemoryStore) InsertHold(_ context.Context, h Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := h.Slot.Key()
	if h.Status == HoldActive {
		if _, taken := s.activeBySlot[key]; taken {
			return ErrSlotUnavailable
		}
		s.activeBySlot[key] = h.ID
	}
	s.holds[h.ID] = h
	return nil
}

func (s *MemoryStore) GetHold(_ context.Context, id string) (Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holds[id]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return h, nil
}

func (s *MemoryStore) ActiveHold(_ context.Context, key SlotKey) (Hold, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeBySlot[key]
	if !ok {
		return Hold{}, false, nil
	}
	return s.holds[id], true, nil
}

func (s *MemoryStore) UpdateHoldStatus(_ context.Context, id string, from, to HoldStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateHoldLocked(id, from, to, at), nil
}

func (s *MemoryStore) updateHoldLocked(id string, from, to HoldStatus, at time.Time) bool {
	h, ok := s.holds[id]
	if !ok || h.Status != from {
		return false
	}
	h.Status = to
	h.UpdatedAt = at
	s.holds[id] = h
	key := h.Slot.Key()
	if to != HoldActive && s.activeBySlot[key] == id {
		delete(s.activeBySlot, key)
	}
	return true
}

func (s *MemoryStore) ListOverdueHolds(_ context.Context, now time.Time, limit int) ([]Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Hold
	for _, id := range s.activeBySlot {
		if h := s.holds[id]; h.Overdue(now) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListOrphanedConfirmedHolds(_ context.Context, limit int) ([]Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Hold
	for id, h := range s.holds {
		if h.Status != HoldConfirmed {
			continue
		}
		if _, ok := s.apptByHold[id]; ok {
			continue
		}
		// Another appointment owns the slot; nothing can be restored.
		if _, taken := s.liveBySlot[h.Slot.Key()]; taken {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ConfirmHold(_ context.Context, holdID string, appt Appointment, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	if !ok {
		return ErrHoldNotFound
	}
	if h.Status != HoldActive {
		return ErrHoldExpired
	}
	if err := s.checkAppointmentLocked(appt); err != nil {
		return err
	}
	s.updateHoldLocked(holdID, HoldActive, HoldConfirmed, at)
	s.putAppointmentLocked(appt)
	return nil
}

func (s *MemoryStore) InsertAppointment(_ context.Context, appt Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAppointmentLocked(appt); err != nil {
		return err
	}
	s.putAppointmentLocked(appt)
	return nil
}

func (s *MemoryStore) checkAppointmentLocked(appt Appointment) error {
	if _, ok := s.apptByHold[appt.HoldID]; ok {
		return ErrSlotUnavailable
	}
	if _, ok := s.liveBySlot[appt.Slot().Key()]; ok && appt.Live() {
		return ErrSlotUnavailable
	}
	return nil
}

func (s *MemoryStore) putAppointmentLocked(appt Appointment) {
	s.appointments[appt.ID] = appt
	s.apptByHold[appt.HoldID] = appt.ID
	if appt.Live() {
		s.liveBySlot[appt.Slot().Key()] = appt.ID
	}
}

func (s *MemoryStore) GetAppointment(_ context.Context, id string) (Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return Appointment{}, ErrAppointmentNotFound
	}
	return a, nil
}

func (s *MemoryStore) AppointmentByHold(_ context.Context, holdID string) (Appointment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.apptByHold[holdID]
	if !ok {
		return Appointment{}, false, nil
	}
	return s.appointments[id], true, nil
}

func (s *MemoryStore) LiveAppointment(_ context.Context, key SlotKey) (Appointment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.liveBySlot[key]
	if !ok {
		return Appointment{}, false, nil
	}
	return s.appointments[id], true, nil
}

func (s *MemoryStore) UpdateAppointmentStatus(_ context.Context, id string, from, to AppointmentStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = at
	s.appointments[id] = a
	key := a.Slot().Key()
	if !a.Live() && s.liveBySlot[key] == id {
		delete(s.liveBySlot, key)
	}
	return true, nil
}

func (s *MemoryStore) AppointmentsByDoctor(_ context.Context, doctorID string, from, to time.Time) ([]Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Appointment
	for _, a := range s.appointments {
		if a.DoctorID != doctorID || a.Start.Before(from) || !a.Start.Before(to) {
			continue
		}
		out = append(out, a)
	}
	sortAppointments(out)
	return out, nil
}

func (s *MemoryStore) AppointmentsByPatient(_ context.Context, patientID string) ([]Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Appointment
	for _, a := range s.appointments {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return out, nil
}

func sortAppointments(out []Appointment) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Start.Before(out[j].Start)
	})
}

var _ Store = (*MemoryStore)(nil)
