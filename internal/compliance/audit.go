// Package compliance keeps the booking audit trail: identity mismatches that
// may signal abuse, and every repair the reconciler makes.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Parth354/HealBridge-sub002/internal/booking"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// EventForbiddenAttempt is logged when a caller acts on a hold or appointment it does not own.
	EventForbiddenAttempt AuditEventType = "security.forbidden_attempt"
	// EventReconciliationRepair is logged when reconciliation changes stored state.
	EventReconciliationRepair AuditEventType = "booking.reconciliation_repair"
)

// AuditEvent represents an immutable audit record.
type AuditEvent struct {
	ID            string          `json:"id"`
	EventType     AuditEventType  `json:"event_type"`
	ActorID       string          `json:"actor_id,omitempty"`
	OwnerID       string          `json:"owner_id,omitempty"`
	HoldID        string          `json:"hold_id,omitempty"`
	AppointmentID string          `json:"appointment_id,omitempty"`
	SlotKeys      []string        `json:"slot_keys,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AuditDetails contains event-specific details.
type AuditDetails struct {
	// For forbidden attempts
	Operation string `json:"operation,omitempty"`

	// For repairs
	RepairKind string `json:"repair_kind,omitempty"`
}

// AuditService writes audit events to booking_audit_events.
type AuditService struct {
	db *sql.DB
}

// NewAuditService creates a new audit service.
func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// LogEvent records an audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.SlotKeys == nil {
		event.SlotKeys = []string{}
	}

	query := `
		INSERT INTO booking_audit_events (
			id, event_type, actor_id, owner_id, hold_id,
			appointment_id, slot_keys, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		nullString(event.ActorID),
		nullString(event.OwnerID),
		nullString(event.HoldID),
		nullString(event.AppointmentID),
		pq.Array(event.SlotKeys),
		[]byte(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}

	return nil
}

// RecordForbidden logs an identity mismatch.
func (s *AuditService) RecordForbidden(ctx context.Context, attempt booking.ForbiddenAttempt) error {
	detailsJSON, _ := json.Marshal(AuditDetails{Operation: attempt.Operation})

	var slots []string
	if attempt.Slot != (booking.SlotKey{}) {
		slots = []string{attempt.Slot.String()}
	}
	return s.LogEvent(ctx, AuditEvent{
		EventType:     EventForbiddenAttempt,
		ActorID:       attempt.CallerID,
		OwnerID:       attempt.OwnerID,
		HoldID:        attempt.HoldID,
		AppointmentID: attempt.AppointmentID,
		SlotKeys:      slots,
		Details:       detailsJSON,
		CreatedAt:     attempt.At.UTC(),
	})
}

// RecordRepair logs a reconciliation change.
func (s *AuditService) RecordRepair(ctx context.Context, repair booking.Repair) error {
	detailsJSON, _ := json.Marshal(AuditDetails{RepairKind: string(repair.Kind)})

	slots := make([]string, 0, len(repair.Slots))
	for _, k := range repair.Slots {
		slots = append(slots, k.String())
	}
	return s.LogEvent(ctx, AuditEvent{
		EventType:     EventReconciliationRepair,
		HoldID:        repair.HoldID,
		AppointmentID: repair.AppointmentID,
		SlotKeys:      slots,
		Details:       detailsJSON,
		CreatedAt:     repair.At.UTC(),
	})
}

// QueryEvents retrieves audit events with filters.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, actor_id, owner_id, hold_id,
			   appointment_id, slot_keys, details, created_at
		FROM booking_audit_events
		WHERE 1 = 1
	`
	var args []interface{}
	argIdx := 1

	if filter.ActorID != "" {
		query += fmt.Sprintf(" AND actor_id = $%d", argIdx)
		args = append(args, filter.ActorID)
		argIdx++
	}
	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var actorID, ownerID, holdID, apptID sql.NullString
		var details []byte
		err := rows.Scan(
			&e.ID, &e.EventType, &actorID, &ownerID, &holdID,
			&apptID, pq.Array(&e.SlotKeys), &details, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		e.ActorID = actorID.String
		e.OwnerID = ownerID.String
		e.HoldID = holdID.String
		e.AppointmentID = apptID.String
		e.Details = details
		events = append(events, e)
	}

	return events, rows.Err()
}

// AuditFilter specifies criteria for querying audit events.
type AuditFilter struct {
	ActorID   string
	EventType AuditEventType
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ booking.AuditSink = (*AuditService)(nil)
