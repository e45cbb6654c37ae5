package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx pool so pgxmock can stand in for it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists catalog marks, holds and appointments. Partial
// unique indexes back the one-active-hold and one-live-appointment rules.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store over a pgx pool.
func NewPostgresStore(db DB) *PostgresStore {
	if db == nil {
		panic("booking: pgx pool required")
	}
	return &PostgresStore{db: db}
}

const (
	holdColumns        = `id, doctor_id, clinic_id, start_ts, end_ts, holder_id, status, created_at, expires_at, updated_at`
	appointmentColumns = `id, hold_id, doctor_id, clinic_id, patient_id, start_ts, end_ts, status, created_at, updated_at`
	slotMatch          = `doctor_id = $1 AND clinic_id = $2 AND start_ts = $3 AND end_ts = $4`
)

func slotArgs(key SlotKey) []any {
	s := SlotFromKey(key)
	return []any{s.DoctorID, s.ClinicID, s.Start, s.End}
}

func (s *PostgresStore) PublishSlots(ctx context.Context, slots []Slot) error {
	if len(slots) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, slot := range slots {
			slot = slot.Normalized()
			if _, err := tx.Exec(ctx, `
				INSERT INTO practitioner_clinics (doctor_id, clinic_id)
				VALUES ($1, $2)
				ON CONFLICT (doctor_id, clinic_id) DO NOTHING`,
				slot.DoctorID, slot.ClinicID,
			); err != nil {
				return fmt.Errorf("booking: publish practice: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO catalog_slots (doctor_id, clinic_id, start_ts, end_ts)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (doctor_id, clinic_id, start_ts, end_ts) DO NOTHING`,
				slot.DoctorID, slot.ClinicID, slot.Start, slot.End,
			); err != nil {
				if isExclusionViolation(err) {
					return ErrSlotOverlap
				}
				return fmt.Errorf("booking: publish slot: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) PracticeExists(ctx context.Context, doctorID, clinicID string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM practitioner_clinics WHERE doctor_id = $1 AND clinic_id = $2)`,
		doctorID, clinicID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("booking: practice exists: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) SlotExists(ctx context.Context, key SlotKey) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM catalog_slots WHERE `+slotMatch+`)`, slotArgs(key)...).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("booking: slot exists: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) AvailableSlots(ctx context.Context, doctorID, clinicID string, from, to time.Time) ([]Slot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.doctor_id, c.clinic_id, c.start_ts, c.end_ts
		FROM catalog_slots c
		WHERE c.doctor_id = $1 AND c.clinic_id = $2 AND c.start_ts >= $3 AND c.start_ts < $4
		  AND NOT EXISTS (
			SELECT 1 FROM slot_blocks b
			WHERE b.doctor_id = c.doctor_id AND b.clinic_id = c.clinic_id
			  AND b.start_ts = c.start_ts AND b.end_ts = c.end_ts)
		ORDER BY c.start_ts ASC`,
		doctorID, clinicID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("booking: available slots: %w", err)
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		var slot Slot
		if err := rows.Scan(&slot.DoctorID, &slot.ClinicID, &slot.Start, &slot.End); err != nil {
			return nil, fmt.Errorf("booking: scan slot: %w", err)
		}
		slot.Start, slot.End = slot.Start.UTC(), slot.End.UTC()
		out = append(out, slot)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BlockSlot(ctx context.Context, key SlotKey) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO slot_blocks (doctor_id, clinic_id, start_ts, end_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (doctor_id, clinic_id, start_ts, end_ts) DO NOTHING`,
		slotArgs(key)...,
	)
	if err != nil {
		return false, fmt.Errorf("booking: block slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UnblockSlot(ctx context.Context, key SlotKey) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM slot_blocks WHERE `+slotMatch, slotArgs(key)...)
	if err != nil {
		return false, fmt.Errorf("booking: unblock slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) IsBlocked(ctx context.Context, key SlotKey) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM slot_blocks WHERE `+slotMatch+`)`, slotArgs(key)...).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("booking: is blocked: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) BlockedSlots(ctx context.Context) ([]SlotKey, error) {
	rows, err := s.db.Query(ctx, `
		SELECT doctor_id, clinic_id, start_ts, end_ts
		FROM slot_blocks
		ORDER BY start_ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("booking: blocked slots: %w", err)
	}
	defer rows.Close()

	var out []SlotKey
	for rows.Next() {
		var slot Slot
		if err := rows.Scan(&slot.DoctorID, &slot.ClinicID, &slot.Start, &slot.End); err != nil {
			return nil, fmt.Errorf("booking: scan blocked slot: %w", err)
		}
		out = append(out, slot.Key())
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertHold(ctx context.Context, h Hold) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO slot_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		h.ID, h.Slot.DoctorID, h.Slot.ClinicID, h.Slot.Start, h.Slot.End,
		h.HolderID, string(h.Status), h.CreatedAt, h.ExpiresAt, h.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotUnavailable
		}
		return fmt.Errorf("booking: insert hold: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHold(ctx context.Context, id string) (Hold, error) {
	h, err := scanHold(s.db.QueryRow(ctx, `SELECT `+holdColumns+` FROM slot_holds WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Hold{}, ErrHoldNotFound
	}
	if err != nil {
		return Hold{}, fmt.Errorf("booking: get hold: %w", err)
	}
	return h, nil
}

func (s *PostgresStore) ActiveHold(ctx context.Context, key SlotKey) (Hold, bool, error) {
	h, err := scanHold(s.db.QueryRow(ctx,
		`SELECT `+holdColumns+` FROM slot_holds WHERE `+slotMatch+` AND status = 'active'`,
		slotArgs(key)...,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Hold{}, false, nil
	}
	if err != nil {
		return Hold{}, false, fmt.Errorf("booking: active hold: %w", err)
	}
	return h, true, nil
}

func (s *PostgresStore) UpdateHoldStatus(ctx context.Context, id string, from, to HoldStatus, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE slot_holds SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), at, id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("booking: update hold status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListOverdueHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error) {
	if limit <= 0 {
		limit = DefaultSweepBatchSize
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+holdColumns+`
		FROM slot_holds
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("booking: list overdue holds: %w", err)
	}
	defer rows.Close()
	return collectHolds(rows)
}

func (s *PostgresStore) ListOrphanedConfirmedHolds(ctx context.Context, limit int) ([]Hold, error) {
	if limit <= 0 {
		limit = DefaultSweepBatchSize
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+holdColumns+`
		FROM slot_holds h
		WHERE h.status = 'confirmed'
		  AND NOT EXISTS (SELECT 1 FROM appointments a WHERE a.hold_id = h.id)
		  AND NOT EXISTS (
			SELECT 1 FROM appointments l
			WHERE l.doctor_id = h.doctor_id AND l.clinic_id = h.clinic_id
			  AND l.start_ts = h.start_ts AND l.end_ts = h.end_ts
			  AND l.status <> 'cancelled')
		ORDER BY h.updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("booking: list orphaned holds: %w", err)
	}
	defer rows.Close()
	return collectHolds(rows)
}

// ConfirmHold flips the hold and inserts the appointment in one transaction.
func (s *PostgresStore) ConfirmHold(ctx context.Context, holdID string, appt Appointment, at time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE slot_holds SET status = 'confirmed', updated_at = $1
			WHERE id = $2 AND status = 'active'`, at, holdID)
		if err != nil {
			return fmt.Errorf("booking: confirm hold: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrHoldExpired
		}
		return insertAppointment(ctx, tx, appt)
	})
}

func (s *PostgresStore) InsertAppointment(ctx context.Context, appt Appointment) error {
	return insertAppointment(ctx, s.db, appt)
}

func insertAppointment(ctx context.Context, db execer, appt Appointment) error {
	_, err := db.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		appt.ID, appt.HoldID, appt.DoctorID, appt.ClinicID, appt.PatientID,
		appt.Start, appt.End, string(appt.Status), appt.CreatedAt, appt.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotUnavailable
		}
		return fmt.Errorf("booking: insert appointment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	a, err := scanAppointment(s.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, ErrAppointmentNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("booking: get appointment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) AppointmentByHold(ctx context.Context, holdID string) (Appointment, bool, error) {
	a, err := scanAppointment(s.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE hold_id = $1`, holdID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, false, nil
	}
	if err != nil {
		return Appointment{}, false, fmt.Errorf("booking: appointment by hold: %w", err)
	}
	return a, true, nil
}

func (s *PostgresStore) LiveAppointment(ctx context.Context, key SlotKey) (Appointment, bool, error) {
	a, err := scanAppointment(s.db.QueryRow(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE `+slotMatch+` AND status <> 'cancelled'`,
		slotArgs(key)...,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, false, nil
	}
	if err != nil {
		return Appointment{}, false, fmt.Errorf("booking: live appointment: %w", err)
	}
	return a, true, nil
}

func (s *PostgresStore) UpdateAppointmentStatus(ctx context.Context, id string, from, to AppointmentStatus, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), at, id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("booking: update appointment status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AppointmentsByDoctor(ctx context.Context, doctorID string, from, to time.Time) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1 AND start_ts >= $2 AND start_ts < $3
		ORDER BY start_ts ASC, created_at ASC`, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("booking: appointments by doctor: %w", err)
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (s *PostgresStore) AppointmentsByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_ts ASC, created_at ASC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("booking: appointments by patient: %w", err)
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("booking: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("booking: commit: %w", err)
	}
	return nil
}

func scanHold(row pgx.Row) (Hold, error) {
	var h Hold
	var status string
	err := row.Scan(&h.ID, &h.Slot.DoctorID, &h.Slot.ClinicID, &h.Slot.Start, &h.Slot.End,
		&h.HolderID, &status, &h.CreatedAt, &h.ExpiresAt, &h.UpdatedAt)
	if err != nil {
		return Hold{}, err
	}
	h.Status = HoldStatus(status)
	h.Slot.Start, h.Slot.End = h.Slot.Start.UTC(), h.Slot.End.UTC()
	h.CreatedAt, h.ExpiresAt, h.UpdatedAt = h.CreatedAt.UTC(), h.ExpiresAt.UTC(), h.UpdatedAt.UTC()
	return h, nil
}

func collectHolds(rows pgx.Rows) ([]Hold, error) {
	var out []Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("booking: scan hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanAppointment(row pgx.Row) (Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.HoldID, &a.DoctorID, &a.ClinicID, &a.PatientID,
		&a.Start, &a.End, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Appointment{}, err
	}
	a.Status = AppointmentStatus(status)
	a.Start, a.End = a.Start.UTC(), a.End.UTC()
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("booking: scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

var _ Store = (*PostgresStore)(nil)
