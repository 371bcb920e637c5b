package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const appointmentColumns = `id, patient_id, provider_id, slot_id, status, cancel_reason, note, confirmed_at, cancelled_at, created_at, updated_at`

// CreateAppointment inserts a freshly booked appointment. A concurrent
// booking by the same patient on the same slot trips the partial unique
// index and surfaces as ErrSlotAlreadyBooked.
func (s *Store) CreateAppointment(ctx context.Context, q DB, a *Appointment) error {
	_, err := q.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, provider_id, slot_id, status, note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	`, a.ID, a.PatientID, a.ProviderID, a.SlotID, a.Status, a.Note)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotAlreadyBooked
		}
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

func (s *Store) GetAppointment(ctx context.Context, q DB, id uuid.UUID) (*Appointment, error) {
	row := q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// ConfirmAppointment flips BOOKED to CONFIRMED. The status guard makes the
// transition safe against a concurrent cancel: zero rows means the state
// moved underneath the caller.
func (s *Store) ConfirmAppointment(ctx context.Context, q DB, id uuid.UUID) (*Appointment, error) {
	row := q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2, confirmed_at = now(), updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING `+appointmentColumns,
		id, StatusConfirmed, StatusBooked)
	return scanAppointment(row)
}

// CancelAppointment transitions from a known prior status into one of the
// cancelled states, recording the reason and timestamp.
func (s *Store) CancelAppointment(ctx context.Context, q DB, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	row := q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2, cancel_reason = $3, cancelled_at = now(), updated_at = now()
		WHERE id = $1 AND status = $4
		RETURNING `+appointmentColumns,
		id, to, reason, from)
	return scanAppointment(row)
}

// ReassignAppointmentSlot moves the appointment's slot back-reference. The
// caller holds the offer-group row lock, so a plain guarded update suffices.
func (s *Store) ReassignAppointmentSlot(ctx context.Context, q DB, id, newSlotID uuid.UUID) (*Appointment, error) {
	row := q.QueryRow(ctx, `
		UPDATE appointments
		SET slot_id = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns,
		id, newSlotID)
	return scanAppointment(row)
}

// PurgeOfferHistory removes the appointment's reschedule groups and offers so
// the appointment row itself can go. Offers first, then their groups.
func (s *Store) PurgeOfferHistory(ctx context.Context, q DB, appointmentID uuid.UUID) error {
	if _, err := q.Exec(ctx, `
		DELETE FROM reschedule_offers
		WHERE group_id IN (
			SELECT id FROM reschedule_offer_groups WHERE appointment_id = $1
		)
	`, appointmentID); err != nil {
		return fmt.Errorf("purge offers: %w", err)
	}
	if _, err := q.Exec(ctx, `
		DELETE FROM reschedule_offer_groups
		WHERE appointment_id = $1
	`, appointmentID); err != nil {
		return fmt.Errorf("purge offer groups: %w", err)
	}
	return nil
}

func (s *Store) DeleteAppointment(ctx context.Context, q DB, id uuid.UUID) error {
	tag, err := q.Exec(ctx, `
		DELETE FROM appointments
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// ListActiveAppointmentsBySlot returns the bookings still occupying a slot,
// newest last so displacement picks the most recent overflow first.
func (s *Store) ListActiveAppointmentsBySlot(ctx context.Context, q DB, slotID uuid.UUID) ([]Appointment, error) {
	rows, err := q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE slot_id = $1
		  AND status IN ($2, $3, $4)
		ORDER BY created_at
	`, slotID, StatusBooked, StatusConfirmed, StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("list active appointments by slot: %w", err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetAppointmentDetail hydrates an appointment with its current slot.
func (s *Store) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := s.GetAppointment(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	slot, err := s.GetSlot(ctx, s.db, appt.SlotID)
	if err != nil {
		return nil, err
	}

	return &AppointmentDetail{Appointment: *appt, Slot: slot}, nil
}

func (s *Store) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	rows, err := s.db.Query(ctx, `
		SELECT a.id, a.patient_id, a.provider_id, a.slot_id, a.status, a.cancel_reason, a.note,
		       a.confirmed_at, a.cancelled_at, a.created_at, a.updated_at,
		       s.id, s.session_id, s.provider_id, s.date, s.start_minute, s.end_minute,
		       s.capacity, s.booked_count, s.status, s.created_at, s.updated_at
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id
		WHERE a.patient_id = $1
		ORDER BY s.date DESC, s.start_minute DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	defer rows.Close()

	var result []AppointmentDetail
	for rows.Next() {
		var d AppointmentDetail
		var slot Slot
		if err := rows.Scan(
			&d.ID, &d.PatientID, &d.ProviderID, &d.SlotID, &d.Status, &d.CancelReason, &d.Note,
			&d.ConfirmedAt, &d.CancelledAt, &d.CreatedAt, &d.UpdatedAt,
			&slot.ID, &slot.SessionID, &slot.ProviderID, &slot.Date, &slot.StartMinute, &slot.EndMinute,
			&slot.Capacity, &slot.BookedCount, &slot.Status, &slot.CreatedAt, &slot.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan appointment detail: %w", err)
		}
		d.Slot = &slot
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Event logging

func (s *Store) InsertEvent(ctx context.Context, q DB, ev EventLog) error {
	_, err := q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
