package reschedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clinicore/booking-engine/internal/booking"
)

const groupColumns = `id, appointment_id, patient_id, provider_id, fallback_slot_id, expires_at, status, reason, decided_slot_id, created_at, updated_at`

const offerColumns = `id, group_id, slot_id, rank, status, created_at, updated_at`

// Store holds the offer-group and offer queries. Like the booking store, its
// methods take an explicit querier so they compose into a caller's
// transaction.
type Store struct {
	db booking.Pool
}

func NewStore(db booking.Pool) *Store {
	return &Store{db: db}
}

// CreateGroup inserts a PENDING group. The partial unique index on
// (appointment_id) WHERE status='PENDING' turns a concurrent duplicate into
// ErrDuplicateActiveGroup.
func (s *Store) CreateGroup(ctx context.Context, q booking.DB, g *OfferGroup) error {
	_, err := q.Exec(ctx, `
		INSERT INTO reschedule_offer_groups (id, appointment_id, patient_id, provider_id, fallback_slot_id, expires_at, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`, g.ID, g.AppointmentID, g.PatientID, g.ProviderID, g.FallbackSlotID, g.ExpiresAt, g.Status, g.Reason)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateActiveGroup
		}
		return fmt.Errorf("create offer group: %w", err)
	}
	return nil
}

func (s *Store) CreateOffer(ctx context.Context, q booking.DB, o *Offer) error {
	_, err := q.Exec(ctx, `
		INSERT INTO reschedule_offers (id, group_id, slot_id, rank, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
	`, o.ID, o.GroupID, o.SlotID, o.Rank, o.Status)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return nil
}

// GetActiveGroup returns the PENDING, unexpired group for an appointment.
func (s *Store) GetActiveGroup(ctx context.Context, q booking.DB, appointmentID uuid.UUID, now time.Time) (*OfferGroup, error) {
	row := q.QueryRow(ctx, `
		SELECT `+groupColumns+`
		FROM reschedule_offer_groups
		WHERE appointment_id = $1 AND status = $2 AND expires_at > $3
	`, appointmentID, GroupPending, now)
	return scanGroup(row)
}

// GetPendingGroupForUpdate row-locks the PENDING group for an appointment,
// expired or not. The lock serializes accept, decline and the reconciler so
// exactly one finalization wins.
func (s *Store) GetPendingGroupForUpdate(ctx context.Context, q booking.DB, appointmentID uuid.UUID) (*OfferGroup, error) {
	row := q.QueryRow(ctx, `
		SELECT `+groupColumns+`
		FROM reschedule_offer_groups
		WHERE appointment_id = $1 AND status = $2
		FOR UPDATE
	`, appointmentID, GroupPending)
	return scanGroup(row)
}

// GetGroupForUpdate row-locks a group by id and reports its current status.
func (s *Store) GetGroupForUpdate(ctx context.Context, q booking.DB, id uuid.UUID) (*OfferGroup, error) {
	row := q.QueryRow(ctx, `
		SELECT `+groupColumns+`
		FROM reschedule_offer_groups
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanGroup(row)
}

// ListExpiredPendingGroups returns up to limit PENDING groups past expiry,
// soonest-expired first. Read outside any transaction; each group is
// re-validated under its own row lock before mutation.
func (s *Store) ListExpiredPendingGroups(ctx context.Context, now time.Time, limit int) ([]OfferGroup, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+groupColumns+`
		FROM reschedule_offer_groups
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3
	`, GroupPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired pending groups: %w", err)
	}
	defer rows.Close()

	var result []OfferGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListOffersByGroup returns a group's offers in rank order.
func (s *Store) ListOffersByGroup(ctx context.Context, q booking.DB, groupID uuid.UUID) ([]Offer, error) {
	return s.listOffers(ctx, q, groupID, "rank")
}

// ListOffersBySlotID returns a group's offers ordered by slot id, the
// presentation order of pending offers.
func (s *Store) ListOffersBySlotID(ctx context.Context, q booking.DB, groupID uuid.UUID) ([]Offer, error) {
	return s.listOffers(ctx, q, groupID, "slot_id")
}

func (s *Store) listOffers(ctx context.Context, q booking.DB, groupID uuid.UUID, order string) ([]Offer, error) {
	rows, err := q.Query(ctx, `
		SELECT `+offerColumns+`
		FROM reschedule_offers
		WHERE group_id = $1
		ORDER BY `+order,
		groupID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	var result []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// FinalizeGroup moves a group out of PENDING exactly once. Returns false if
// another transaction finalized it first.
func (s *Store) FinalizeGroup(ctx context.Context, q booking.DB, id uuid.UUID, status GroupStatus, decidedSlotID *uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE reschedule_offer_groups
		SET status = $2, decided_slot_id = $3, updated_at = now()
		WHERE id = $1 AND status = $4
	`, id, status, decidedSlotID, GroupPending)
	if err != nil {
		return false, fmt.Errorf("finalize offer group: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateOfferStatus(ctx context.Context, q booking.DB, offerID uuid.UUID, status OfferStatus) error {
	_, err := q.Exec(ctx, `
		UPDATE reschedule_offers
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, offerID, status)
	if err != nil {
		return fmt.Errorf("update offer status: %w", err)
	}
	return nil
}

// CloseRemainingOffers moves every still-pending offer of a group, except
// one, into the given terminal status. Pass uuid.Nil to close all of them.
func (s *Store) CloseRemainingOffers(ctx context.Context, q booking.DB, groupID, except uuid.UUID, status OfferStatus) error {
	_, err := q.Exec(ctx, `
		UPDATE reschedule_offers
		SET status = $3, updated_at = now()
		WHERE group_id = $1 AND id <> $2 AND status = $4
	`, groupID, except, status, OfferPending)
	if err != nil {
		return fmt.Errorf("close remaining offers: %w", err)
	}
	return nil
}

func scanGroup(row pgx.Row) (*OfferGroup, error) {
	var g OfferGroup
	err := row.Scan(
		&g.ID,
		&g.AppointmentID,
		&g.PatientID,
		&g.ProviderID,
		&g.FallbackSlotID,
		&g.ExpiresAt,
		&g.Status,
		&g.Reason,
		&g.DecidedSlotID,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveGroup
		}
		return nil, err
	}
	return &g, nil
}

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	err := row.Scan(&o.ID, &o.GroupID, &o.SlotID, &o.Rank, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	return &o, nil
}
