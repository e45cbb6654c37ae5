// Package booking implements slot holds and their conversion into confirmed
// appointments. Every read-then-write on a slot runs inside that slot's
// critical section; different slots never contend.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Parth354/HealBridge-sub002/internal/clock"
	"github.com/Parth354/HealBridge-sub002/internal/observability/metrics"
	"github.com/Parth354/HealBridge-sub002/internal/slotlock"
	"github.com/Parth354/HealBridge-sub002/pkg/logging"
)

var bookingTracer = otel.Tracer("healbridge.internal.booking")

const (
	DefaultHoldTTL           = 5 * time.Minute
	DefaultLockTimeout       = 2 * time.Second
	DefaultSweepBatchSize    = 100
	DefaultReconcileInterval = 5 * time.Minute
)

// Notifier delivers patient events. Implementations must not block for long;
// errors are logged and never undo the change that produced the event.
type Notifier interface {
	Notify(ctx context.Context, patientID string, event Event) error
}

// AuditSink records abuse signals and consistency repairs.
type AuditSink interface {
	RecordForbidden(ctx context.Context, attempt ForbiddenAttempt) error
	RecordRepair(ctx context.Context, repair Repair) error
}

// Deps are the collaborators shared by every engine component.
type Deps struct {
	Store    Store
	Locker   slotlock.Locker
	// Catalog overrides the store-backed catalog used for slot marks.
	Catalog  SlotCatalog
	Clock    clock.Clock
	Notifier Notifier
	Audit    AuditSink
	Metrics  *metrics.BookingMetrics
	Logger   *logging.Logger
	Location *time.Location
}

// Option tunes engine timing.
type Option func(*settings)

type settings struct {
	holdTTL           time.Duration
	lockTimeout       time.Duration
	sweepInterval     time.Duration
	sweepBatchSize    int
	reconcileInterval time.Duration
}

// WithHoldTTL sets how long a hold stays confirmable.
func WithHoldTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.holdTTL = ttl
		}
	}
}

// WithLockTimeout bounds the wait for a slot's critical section.
func WithLockTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithSweepInterval sets the expiry sweep period. Values above TTL/2 are clamped.
func WithSweepInterval(d time.Duration) Option {
	return func(s *settings) {
		s.sweepInterval = d
	}
}

// WithSweepBatchSize caps how many holds one sweep or reconcile pass handles.
func WithSweepBatchSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.sweepBatchSize = n
		}
	}
}

// WithReconcileInterval sets the period of the background consistency pass.
func WithReconcileInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.reconcileInterval = d
		}
	}
}

// Engine groups the booking components over one store.
type Engine struct {
	Catalog    *Catalog
	Holds      *HoldManager
	Confirmer  *Coordinator
	Ledger     *Ledger
	Sweeper    *Sweeper
	Reconciler *Reconciler
}

// New wires the engine. Store and Locker are required.
func New(deps Deps, opts ...Option) *Engine {
	cfg := settings{
		holdTTL:           DefaultHoldTTL,
		lockTimeout:       DefaultLockTimeout,
		sweepBatchSize:    DefaultSweepBatchSize,
		reconcileInterval: DefaultReconcileInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if limit := cfg.holdTTL / 2; cfg.sweepInterval <= 0 || cfg.sweepInterval > limit {
		cfg.sweepInterval = limit
	}

	c := newCore(deps, cfg)
	catalog := NewCatalog(deps.Store, deps.Location)
	if c.catalog == nil {
		c.catalog = catalog
	}
	ledger := &Ledger{core: c}
	reconciler := &Reconciler{core: c, ledger: ledger, interval: cfg.reconcileInterval}
	return &Engine{
		Catalog:    catalog,
		Holds:      &HoldManager{core: c},
		Confirmer:  &Coordinator{core: c, ledger: ledger, reconciler: reconciler},
		Ledger:     ledger,
		Sweeper:    &Sweeper{core: c, interval: cfg.sweepInterval, batchSize: cfg.sweepBatchSize},
		Reconciler: reconciler,
	}
}

// SlotCatalog is the slot-marking surface the engine writes through.
type SlotCatalog interface {
	Lookup(ctx context.Context, slot Slot) error
	MarkUnavailable(ctx context.Context, key SlotKey) error
	MarkAvailable(ctx context.Context, key SlotKey) error
	IsBlocked(ctx context.Context, key SlotKey) (bool, error)
}

// core carries the shared collaborators and helpers.
type core struct {
	store    Store
	catalog  SlotCatalog
	locker   slotlock.Locker
	clock    clock.Clock
	notifier Notifier
	audit    AuditSink
	metrics  *metrics.BookingMetrics
	logger   *logging.Logger
	loc      *time.Location
	settings settings
}

func newCore(deps Deps, cfg settings) *core {
	if deps.Store == nil {
		panic("booking: store required")
	}
	if deps.Locker == nil {
		panic("booking: locker required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &core{
		store:    deps.Store,
		catalog:  deps.Catalog,
		locker:   deps.Locker,
		clock:    deps.Clock,
		notifier: deps.Notifier,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		loc:      deps.Location,
		settings: cfg,
	}
}

// enter acquires the slot's critical section within the lock timeout. Timeouts
// surface as ErrSlotBusy so callers can retry instead of queueing.
func (c *core) enter(ctx context.Context, key SlotKey, operation string) (slotlock.Unlock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, c.settings.lockTimeout)
	defer cancel()

	started := time.Now()
	unlock, err := c.locker.Acquire(lockCtx, key.String())
	wait := time.Since(started)
	if err != nil {
		if errors.Is(err, slotlock.ErrTimeout) && ctx.Err() == nil {
			c.metrics.ObserveLockWait(operation, "timeout", wait)
			c.logger.Warn("slot busy", "operation", operation, "slot", key.String(), "waited", wait)
			return nil, ErrSlotBusy
		}
		c.metrics.ObserveLockWait(operation, "error", wait)
		return nil, fmt.Errorf("booking: %s: lock slot: %w", operation, err)
	}
	c.metrics.ObserveLockWait(operation, "acquired", wait)
	return unlock, nil
}

// expireLocked moves an active hold to EXPIRED and frees its slot. The caller
// must hold the slot's section. It reports false when the hold was no longer active.
func (c *core) expireLocked(ctx context.Context, h Hold, now time.Time, source string) (bool, error) {
	ok, err := c.store.UpdateHoldStatus(ctx, h.ID, HoldActive, HoldExpired, now)
	if err != nil {
		return false, fmt.Errorf("booking: expire hold %s: %w", h.ID, err)
	}
	if !ok {
		return false, nil
	}
	if err := c.catalog.MarkAvailable(ctx, h.Slot.Key()); err != nil {
		return true, fmt.Errorf("booking: expire hold %s: %w", h.ID, err)
	}
	c.metrics.ObserveExpiration(source)
	c.logger.Info("hold expired", "hold_id", h.ID, "slot", h.Slot.Key().String(), "source", source)
	return true, nil
}

// freeIfOrphaned restores a blocked slot that has neither an active hold nor
// a live appointment. The caller must hold the slot's section.
func (c *core) freeIfOrphaned(ctx context.Context, key SlotKey) (bool, error) {
	blocked, err := c.catalog.IsBlocked(ctx, key)
	if err != nil || !blocked {
		return false, err
	}
	if _, ok, err := c.store.ActiveHold(ctx, key); err != nil || ok {
		return false, err
	}
	if _, ok, err := c.store.LiveAppointment(ctx, key); err != nil || ok {
		return false, err
	}
	if err := c.catalog.MarkAvailable(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

type notification struct {
	patientID string
	event     Event
}

// notify hands events to the notifier after the state change is committed
// and the slot section released. Failures are logged and counted only.
func (c *core) notify(ctx context.Context, pending ...notification) {
	if c.notifier == nil {
		return
	}
	for _, n := range pending {
		if err := c.notifier.Notify(ctx, n.patientID, n.event); err != nil {
			c.metrics.ObserveNotifyFailure(string(n.event.Type))
			c.logger.Error("notify patient failed", "event", n.event.Type, "hold_id", n.event.HoldID, "appointment_id", n.event.AppointmentID, "error", err)
		}
	}
}

// forbidden logs and audits an identity mismatch before returning ErrNotHolder.
func (c *core) forbidden(ctx context.Context, attempt ForbiddenAttempt) error {
	attempt.At = c.clock.Now()
	c.logger.Warn("forbidden booking attempt",
		"operation", attempt.Operation,
		"hold_id", attempt.HoldID,
		"appointment_id", attempt.AppointmentID,
		"caller_id", attempt.CallerID,
		"slot", attempt.Slot.String(),
	)
	if c.audit != nil {
		if err := c.audit.RecordForbidden(ctx, attempt); err != nil {
			c.logger.Error("audit forbidden attempt failed", "operation", attempt.Operation, "error", err)
		}
	}
	return ErrNotHolder
}

func (c *core) recordRepair(ctx context.Context, repair Repair) {
	repair.At = c.clock.Now()
	c.metrics.ObserveRepair(string(repair.Kind))
	c.logger.Warn("booking state repaired", "kind", repair.Kind, "hold_id", repair.HoldID, "appointment_id", repair.AppointmentID)
	if c.audit != nil {
		if err := c.audit.RecordRepair(ctx, repair); err != nil {
			c.logger.Error("audit repair failed", "kind", repair.Kind, "error", err)
		}
	}
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := bookingTracer.Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil && CodeOf(err) == CodeInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if err != nil {
		span.SetAttributes(attribute.String("healbridge.booking.error_code", string(CodeOf(err))))
	}
	span.End()
}

func slotAttrs(key SlotKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("healbridge.doctor_id", key.DoctorID),
		attribute.String("healbridge.clinic_id", key.ClinicID),
		attribute.Int64("healbridge.slot_start_ms", key.Start),
	}
}
