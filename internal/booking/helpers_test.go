package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Parth354/HealBridge-sub002/internal/clock"
	"github.com/Parth354/HealBridge-sub002/internal/slotlock"
	"github.com/Parth354/HealBridge-sub002/pkg/logging"
)

var (
	testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	slotA   = Slot{
		DoctorID: "doc-1",
		ClinicID: "clinic-1",
		Start:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
	slotB = Slot{
		DoctorID: "doc-1",
		ClinicID: "clinic-1",
		Start:    time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		End:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
)

type testEnv struct {
	engine   *Engine
	store    Store
	mem      *MemoryStore
	clock    *clock.Manual
	catalog  *spyCatalog
	notifier *recordingNotifier
	audit    *recordingAudit
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mem := NewMemoryStore()
	return newTestEnvWithStore(t, mem, mem, opts...)
}

func newTestEnvWithStore(t *testing.T, store Store, mem *MemoryStore, opts ...Option) *testEnv {
	t.Helper()
	require.NoError(t, mem.PublishSlots(context.Background(), []Slot{slotA, slotB}))

	clk := clock.NewManual(testNow)
	spy := newSpyCatalog(NewCatalog(store, time.UTC))
	notifier := &recordingNotifier{}
	audit := &recordingAudit{}
	engine := New(Deps{
		Store:    store,
		Locker:   slotlock.NewMemoryLocker(),
		Catalog:  spy,
		Clock:    clk,
		Notifier: notifier,
		Audit:    audit,
		Logger:   logging.Discard(),
	}, append([]Option{WithHoldTTL(300 * time.Second)}, opts...)...)

	return &testEnv{
		engine:   engine,
		store:    store,
		mem:      mem,
		clock:    clk,
		catalog:  spy,
		notifier: notifier,
		audit:    audit,
	}
}

func (e *testEnv) blocked(t *testing.T, slot Slot) bool {
	t.Helper()
	ok, err := e.store.IsBlocked(context.Background(), slot.Key())
	require.NoError(t, err)
	return ok
}

func (e *testEnv) hold(t *testing.T, id string) Hold {
	t.Helper()
	h, err := e.store.GetHold(context.Background(), id)
	require.NoError(t, err)
	return h
}

// spyCatalog counts catalog mark calls that actually changed state.
type spyCatalog struct {
	*Catalog
	mu          sync.Mutex
	restored    map[SlotKey]int
	markedTaken map[SlotKey]int
	failMark    error
}

func newSpyCatalog(c *Catalog) *spyCatalog {
	return &spyCatalog{Catalog: c, restored: map[SlotKey]int{}, markedTaken: map[SlotKey]int{}}
}

func (s *spyCatalog) MarkAvailable(ctx context.Context, key SlotKey) error {
	changed, err := s.store.UnblockSlot(ctx, key)
	if err != nil {
		return err
	}
	if changed {
		s.mu.Lock()
		s.restored[key]++
		s.mu.Unlock()
	}
	return nil
}

func (s *spyCatalog) MarkUnavailable(ctx context.Context, key SlotKey) error {
	if s.failMark != nil {
		return s.failMark
	}
	changed, err := s.store.BlockSlot(ctx, key)
	if err != nil {
		return err
	}
	if changed {
		s.mu.Lock()
		s.markedTaken[key]++
		s.mu.Unlock()
	}
	return nil
}

func (s *spyCatalog) restoredCount(slot Slot) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restored[slot.Key()]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	to     []string
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, patientID string, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.to = append(n.to, patientID)
	return n.err
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingAudit struct {
	mu        sync.Mutex
	forbidden []ForbiddenAttempt
	repairs   []Repair
}

func (a *recordingAudit) RecordForbidden(_ context.Context, attempt ForbiddenAttempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forbidden = append(a.forbidden, attempt)
	return nil
}

func (a *recordingAudit) RecordRepair(_ context.Context, repair Repair) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.repairs = append(a.repairs, repair)
	return nil
}

func (a *recordingAudit) repairKinds() []RepairKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RepairKind, 0, len(a.repairs))
	for _, r := range a.repairs {
		out = append(out, r.Kind)
	}
	return out
}

var errConnReset = errors.New("read tcp: connection reset by peer")

// flakyStore fails ConfirmHold either before or after the write commits.
type flakyStore struct {
	*MemoryStore
	afterCommit bool
}

func (f *flakyStore) ConfirmHold(ctx context.Context, holdID string, appt Appointment, at time.Time) error {
	if !f.afterCommit {
		return errConnReset
	}
	if err := f.MemoryStore.ConfirmHold(ctx, holdID, appt, at); err != nil {
		return err
	}
	return errConnReset
}
