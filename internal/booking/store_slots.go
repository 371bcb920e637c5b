package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const slotColumns = `id, session_id, provider_id, date, start_minute, end_minute, capacity, booked_count, status, created_at, updated_at`

const sessionColumns = `id, provider_id, date, start_minute, end_minute, modality, time_band, location_key, created_at, updated_at`

func (s *Store) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (s *Store) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (s *Store) GetSlot(ctx context.Context, q DB, id uuid.UUID) (*Slot, error) {
	row := q.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

// ReserveSlot is the ledger's atomic increment. The WHERE clause is the
// compare-and-set: once capacity is exhausted no concurrent reserve can
// match a row, so two racing calls never both succeed on the last unit.
func (s *Store) ReserveSlot(ctx context.Context, q DB, id uuid.UUID) (*Slot, error) {
	row := q.QueryRow(ctx, `
		UPDATE slots
		SET booked_count = booked_count + 1,
		    status = CASE WHEN booked_count + 1 >= capacity THEN 'FULL' ELSE 'AVAILABLE' END,
		    updated_at = now()
		WHERE id = $1
		  AND status <> 'UNAVAILABLE'
		  AND booked_count < capacity
		RETURNING `+slotColumns,
		id)

	slot, err := scanSlot(row)
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, ErrSlotNotFound) {
		return nil, fmt.Errorf("reserve slot: %w", err)
	}

	// No row matched: tell the caller why.
	current, getErr := s.GetSlot(ctx, q, id)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status == SlotUnavailable {
		return nil, ErrSlotUnavailable
	}
	return nil, ErrSlotFull
}

// ReleaseSlot is the ledger's atomic decrement, floored at zero. A released
// slot is never left FULL; a retired slot stays retired so draining it does
// not reopen it for booking.
func (s *Store) ReleaseSlot(ctx context.Context, q DB, id uuid.UUID) (*Slot, error) {
	row := q.QueryRow(ctx, `
		UPDATE slots
		SET booked_count = GREATEST(booked_count - 1, 0),
		    status = CASE WHEN status = 'UNAVAILABLE' THEN 'UNAVAILABLE' ELSE 'AVAILABLE' END,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+slotColumns,
		id)
	return scanSlot(row)
}

// ReapRetiredSlot removes a retired slot once its last booking has drained.
// A retired slot still referenced by offer history stays in place, blocked
// from new bookings by its UNAVAILABLE status.
func (s *Store) ReapRetiredSlot(ctx context.Context, q DB, slot *Slot) (bool, error) {
	if slot == nil || slot.Status != SlotUnavailable || slot.BookedCount > 0 {
		return false, nil
	}
	return s.DeleteSlotIfUnreferenced(ctx, q, slot.ID)
}

// CreateSlot inserts one slot; a duplicate time range in the same session is
// skipped, which makes bulk generation idempotent.
func (s *Store) CreateSlot(ctx context.Context, q DB, slot *Slot) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO slots (id, session_id, provider_id, date, start_minute, end_minute, capacity, booked_count, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, now(), now())
		ON CONFLICT (session_id, start_minute, end_minute) DO NOTHING
	`, slot.ID, slot.SessionID, slot.ProviderID, slot.Date, slot.StartMinute, slot.EndMinute, slot.Capacity, slot.Status)
	if err != nil {
		return false, fmt.Errorf("create slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListSlotsBySession(ctx context.Context, q DB, sessionID uuid.UUID) ([]Slot, error) {
	rows, err := q.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE session_id = $1
		ORDER BY start_minute
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list slots by session: %w", err)
	}
	defer rows.Close()
	return collectSlots(rows)
}

// UpdateSlotCapacity changes a slot's capacity and recomputes its status.
// Callers must displace overflow bookings; until they are moved booked_count
// may exceed the new capacity and the slot reads FULL.
func (s *Store) UpdateSlotCapacity(ctx context.Context, q DB, id uuid.UUID, capacity int) (*Slot, error) {
	row := q.QueryRow(ctx, `
		UPDATE slots
		SET capacity = $2,
		    status = CASE
		        WHEN status = 'UNAVAILABLE' THEN 'UNAVAILABLE'
		        WHEN booked_count >= $2 THEN 'FULL'
		        ELSE 'AVAILABLE'
		    END,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+slotColumns,
		id, capacity)
	return scanSlot(row)
}

func (s *Store) MarkSlotUnavailable(ctx context.Context, q DB, id uuid.UUID) error {
	tag, err := q.Exec(ctx, `
		UPDATE slots
		SET status = 'UNAVAILABLE', updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark slot unavailable: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// DeleteSlotIfUnreferenced removes an empty slot unless appointments or
// reschedule offers still point at it. Returns whether a row was deleted.
func (s *Store) DeleteSlotIfUnreferenced(ctx context.Context, q DB, id uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx, `
		DELETE FROM slots
		WHERE id = $1
		  AND booked_count = 0
		  AND NOT EXISTS (SELECT 1 FROM appointments a WHERE a.slot_id = $1)
		  AND NOT EXISTS (SELECT 1 FROM reschedule_offers o WHERE o.slot_id = $1)
		  AND NOT EXISTS (SELECT 1 FROM reschedule_offer_groups g WHERE g.fallback_slot_id = $1)
	`, id)
	if err != nil {
		return false, fmt.Errorf("delete slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CandidateSlot is a relocation target with the time band of its session,
// used by the WAVE ranking strategy.
type CandidateSlot struct {
	Slot
	TimeBand TimeBand
}

// ListCandidateSlots returns bookable slots for a provider from the given
// date/minute forward (forward-only policy) up to a horizon, chronologically
// ordered. Excluded ids are the slots being vacated.
func (s *Store) ListCandidateSlots(ctx context.Context, q DB, providerID uuid.UUID, fromDate time.Time, fromMinute int, horizon time.Time, excluded []uuid.UUID, limit int) ([]CandidateSlot, error) {
	if excluded == nil {
		excluded = []uuid.UUID{}
	}
	rows, err := q.Query(ctx, `
		SELECT s.id, s.session_id, s.provider_id, s.date, s.start_minute, s.end_minute,
		       s.capacity, s.booked_count, s.status, s.created_at, s.updated_at,
		       se.time_band
		FROM slots s
		JOIN sessions se ON se.id = s.session_id
		WHERE s.provider_id = $1
		  AND s.status = 'AVAILABLE'
		  AND s.booked_count < s.capacity
		  AND s.date >= $2
		  AND s.date <= $3
		  AND (s.date > $2 OR s.start_minute >= $4)
		  AND s.id <> ALL($5)
		ORDER BY s.date, s.start_minute
		LIMIT $6
	`, providerID, fromDate, horizon, fromMinute, excluded, limit)
	if err != nil {
		return nil, fmt.Errorf("list candidate slots: %w", err)
	}
	defer rows.Close()

	var result []CandidateSlot
	for rows.Next() {
		var c CandidateSlot
		if err := rows.Scan(
			&c.ID, &c.SessionID, &c.ProviderID, &c.Date, &c.StartMinute, &c.EndMinute,
			&c.Capacity, &c.BookedCount, &c.Status, &c.CreatedAt, &c.UpdatedAt,
			&c.TimeBand,
		); err != nil {
			return nil, fmt.Errorf("scan candidate slot: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Sessions and overrides

func (s *Store) CreateSession(ctx context.Context, q DB, sess *Session) error {
	_, err := q.Exec(ctx, `
		INSERT INTO sessions (id, provider_id, date, start_minute, end_minute, modality, time_band, location_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`, sess.ID, sess.ProviderID, sess.Date, sess.StartMinute, sess.EndMinute, sess.Modality, sess.TimeBand, sess.LocationKey)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSessionByKey(ctx context.Context, q DB, key SessionKey) (*Session, error) {
	row := q.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE provider_id = $1 AND date = $2 AND modality = $3 AND time_band = $4 AND location_key = $5
	`, key.ProviderID, key.Date, key.Modality, key.TimeBand, key.LocationKey)
	return scanSession(row)
}

func (s *Store) UpdateSessionWindow(ctx context.Context, q DB, id uuid.UUID, startMinute, endMinute int) (*Session, error) {
	row := q.QueryRow(ctx, `
		UPDATE sessions
		SET start_minute = $2, end_minute = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+sessionColumns,
		id, startMinute, endMinute)
	return scanSession(row)
}

// UpsertSessionOverride records the fact that a session's window or capacity
// diverges from its rule-generated default. Later writes only overwrite the
// fields they carry.
func (s *Store) UpsertSessionOverride(ctx context.Context, q DB, ov *SessionOverride) error {
	_, err := q.Exec(ctx, `
		INSERT INTO session_overrides (id, provider_id, date, modality, time_band, location_key, start_minute, end_minute, capacity, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (provider_id, date, modality, time_band, location_key) DO UPDATE
		SET start_minute = COALESCE(EXCLUDED.start_minute, session_overrides.start_minute),
		    end_minute   = COALESCE(EXCLUDED.end_minute, session_overrides.end_minute),
		    capacity     = COALESCE(EXCLUDED.capacity, session_overrides.capacity),
		    reason       = COALESCE(EXCLUDED.reason, session_overrides.reason),
		    updated_at   = now()
	`, ov.ID, ov.ProviderID, ov.Date, ov.Modality, ov.TimeBand, ov.LocationKey,
		ov.StartMinute, ov.EndMinute, ov.Capacity, ov.Reason)
	if err != nil {
		return fmt.Errorf("upsert session override: %w", err)
	}
	return nil
}

// GetSessionOverride returns nil when no override exists for the key.
func (s *Store) GetSessionOverride(ctx context.Context, q DB, key SessionKey) (*SessionOverride, error) {
	row := q.QueryRow(ctx, `
		SELECT id, provider_id, date, modality, time_band, location_key, start_minute, end_minute, capacity, reason, created_at, updated_at
		FROM session_overrides
		WHERE provider_id = $1 AND date = $2 AND modality = $3 AND time_band = $4 AND location_key = $5
	`, key.ProviderID, key.Date, key.Modality, key.TimeBand, key.LocationKey)

	var ov SessionOverride
	err := row.Scan(
		&ov.ID, &ov.ProviderID, &ov.Date, &ov.Modality, &ov.TimeBand, &ov.LocationKey,
		&ov.StartMinute, &ov.EndMinute, &ov.Capacity, &ov.Reason, &ov.CreatedAt, &ov.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session override: %w", err)
	}
	return &ov, nil
}

func collectSlots(rows pgx.Rows) ([]Slot, error) {
	var result []Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *slot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
