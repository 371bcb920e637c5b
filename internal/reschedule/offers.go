package reschedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/booking-engine/internal/booking"
	"github.com/clinicore/booking-engine/pkg/logging"
)

const (
	EventOffersCreated        = "RESCHEDULE_OFFERS_CREATED"
	EventOfferAccepted        = "RESCHEDULE_OFFER_ACCEPTED"
	EventRescheduleDeclined   = "RESCHEDULE_DECLINED"
	EventAppointmentAutoMoved = "APPOINTMENT_AUTO_MOVED"
	EventOfferGroupExhausted  = "OFFER_GROUP_EXHAUSTED"
)

// Engine creates offer groups for displaced appointments and finalizes them
// on patient decisions. Every finalization path locks the group row first,
// so a decision races cleanly against the auto-move reconciler.
type Engine struct {
	store    *Store
	bookings *booking.Store
	logger   *logging.Logger
	nowFn    func() time.Time
}

func NewEngine(store *Store, bookings *booking.Store, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		store:    store,
		bookings: bookings,
		logger:   logger,
		nowFn:    time.Now,
	}
}

type CreateOffersInput struct {
	AppointmentID    uuid.UUID
	PatientID        uuid.UUID
	ProviderID       uuid.UUID
	CandidateSlotIDs []uuid.UUID
	FallbackSlotID   uuid.UUID
	ExpiresAt        time.Time
	Reason           *string
}

// CreateOffers opens its own transaction around CreateOffersInTx.
func (e *Engine) CreateOffers(ctx context.Context, in CreateOffersInput) (*OfferGroup, error) {
	var group *OfferGroup
	err := e.bookings.InTx(ctx, func(q booking.DB) error {
		g, err := e.CreateOffersInTx(ctx, q, in)
		if err != nil {
			return err
		}
		group = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// CreateOffersInTx creates one offer group plus one offer row per candidate
// inside the caller's transaction. The session resizer calls this so that
// displacement and offer creation commit together.
func (e *Engine) CreateOffersInTx(ctx context.Context, q booking.DB, in CreateOffersInput) (*OfferGroup, error) {
	if len(in.CandidateSlotIDs) == 0 || len(in.CandidateSlotIDs) > MaxCandidates {
		return nil, ErrCandidateCount
	}

	now := e.nowFn()

	if existing, err := e.store.GetActiveGroup(ctx, q, in.AppointmentID, now); err == nil && existing != nil {
		return nil, ErrDuplicateActiveGroup
	} else if err != nil && !errors.Is(err, ErrNoActiveGroup) {
		return nil, err
	}

	// Every candidate plus the fallback must be a real slot.
	fallbackOffered := false
	for _, slotID := range in.CandidateSlotIDs {
		if _, err := e.bookings.GetSlot(ctx, q, slotID); err != nil {
			return nil, fmt.Errorf("candidate slot %s: %w", slotID, err)
		}
		if slotID == in.FallbackSlotID {
			fallbackOffered = true
		}
	}
	if !fallbackOffered {
		if _, err := e.bookings.GetSlot(ctx, q, in.FallbackSlotID); err != nil {
			return nil, fmt.Errorf("fallback slot %s: %w", in.FallbackSlotID, err)
		}
		// Policy choice, not a contract: a fallback outside the offered
		// candidate set is allowed but unexpected.
		e.logger.Warn("fallback slot is not among offered candidates",
			"appointment_id", in.AppointmentID, "fallback_slot_id", in.FallbackSlotID)
	}

	group := &OfferGroup{
		ID:             uuid.New(),
		AppointmentID:  in.AppointmentID,
		PatientID:      in.PatientID,
		ProviderID:     in.ProviderID,
		FallbackSlotID: in.FallbackSlotID,
		ExpiresAt:      in.ExpiresAt,
		Status:         GroupPending,
		Reason:         in.Reason,
	}
	if err := e.store.CreateGroup(ctx, q, group); err != nil {
		return nil, err
	}

	for i, slotID := range in.CandidateSlotIDs {
		offer := &Offer{
			ID:      uuid.New(),
			GroupID: group.ID,
			SlotID:  slotID,
			Rank:    i,
			Status:  OfferPending,
		}
		if err := e.store.CreateOffer(ctx, q, offer); err != nil {
			return nil, err
		}
	}

	e.logEvent(ctx, q, in.AppointmentID, EventOffersCreated, map[string]any{
		"group_id":   group.ID.String(),
		"candidates": len(in.CandidateSlotIDs),
		"expires_at": in.ExpiresAt,
	})

	e.logger.Info("offer group created",
		"group_id", group.ID, "appointment_id", in.AppointmentID,
		"candidates", len(in.CandidateSlotIDs))
	return group, nil
}

// PendingOffers is the read model for a patient's open decision.
type PendingOffers struct {
	Active bool
	Group  *OfferGroup
	Offers []Offer
}

// GetPendingOffers returns the active group and its pending offers, ordered
// by slot id. Inactive (absent, finalized or expired) yields Active=false.
func (e *Engine) GetPendingOffers(ctx context.Context, appointmentID uuid.UUID, patientID *uuid.UUID) (*PendingOffers, error) {
	pool := e.bookings.Pool()

	group, err := e.store.GetActiveGroup(ctx, pool, appointmentID, e.nowFn())
	if err != nil {
		if errors.Is(err, ErrNoActiveGroup) {
			return &PendingOffers{Active: false}, nil
		}
		return nil, err
	}
	if patientID != nil && group.PatientID != *patientID {
		return nil, booking.ErrForbidden
	}

	all, err := e.store.ListOffersBySlotID(ctx, pool, group.ID)
	if err != nil {
		return nil, err
	}

	offers := make([]Offer, 0, len(all))
	for _, o := range all {
		if o.Status == OfferPending {
			offers = append(offers, o)
		}
	}

	return &PendingOffers{Active: true, Group: group, Offers: offers}, nil
}

// Accept finalizes a group on the patient's chosen slot: reserves the new
// slot, releases the old one, reassigns the appointment and closes every
// other offer, all in one transaction.
func (e *Engine) Accept(ctx context.Context, appointmentID, patientID, chosenSlotID uuid.UUID) (*OfferGroup, error) {
	var finalized *OfferGroup

	err := e.bookings.InTx(ctx, func(q booking.DB) error {
		group, err := e.store.GetPendingGroupForUpdate(ctx, q, appointmentID)
		if err != nil {
			return err
		}
		if group.PatientID != patientID {
			return booking.ErrForbidden
		}
		if group.Expired(e.nowFn()) {
			// The reconciler owns expired groups; the decision came too late.
			return ErrGroupExpired
		}

		offers, err := e.store.ListOffersByGroup(ctx, q, group.ID)
		if err != nil {
			return err
		}
		var chosen *Offer
		for i := range offers {
			if offers[i].SlotID == chosenSlotID && offers[i].Status == OfferPending {
				chosen = &offers[i]
				break
			}
		}
		if chosen == nil {
			return ErrOfferNotFound
		}

		if _, err := e.bookings.ReserveSlot(ctx, q, chosenSlotID); err != nil {
			return err
		}

		appt, err := e.bookings.GetAppointment(ctx, q, appointmentID)
		if err != nil {
			return err
		}
		released, err := e.bookings.ReleaseSlot(ctx, q, appt.SlotID)
		if err != nil {
			return err
		}
		if _, err := e.bookings.ReassignAppointmentSlot(ctx, q, appointmentID, chosenSlotID); err != nil {
			return err
		}
		// Reap after the reassign so the old slot is no longer referenced.
		if _, err := e.bookings.ReapRetiredSlot(ctx, q, released); err != nil {
			return err
		}

		if err := e.store.UpdateOfferStatus(ctx, q, chosen.ID, OfferAccepted); err != nil {
			return err
		}
		if err := e.store.CloseRemainingOffers(ctx, q, group.ID, chosen.ID, OfferDeclined); err != nil {
			return err
		}

		ok, err := e.store.FinalizeGroup(ctx, q, group.ID, GroupAccepted, &chosenSlotID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrGroupFinalized
		}

		group.Status = GroupAccepted
		group.DecidedSlotID = &chosenSlotID
		finalized = group

		e.logEvent(ctx, q, appointmentID, EventOfferAccepted, map[string]any{
			"group_id":  group.ID.String(),
			"slot_id":   chosenSlotID.String(),
			"from_slot": appt.SlotID.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("offer accepted",
		"appointment_id", appointmentID, "group_id", finalized.ID, "slot_id", chosenSlotID)
	return finalized, nil
}

// Decline finalizes the group without moving the appointment: the patient
// keeps the original, possibly out-of-window slot. The event log records the
// declined displacement for operator follow-up; no automatic re-offer runs.
func (e *Engine) Decline(ctx context.Context, appointmentID, patientID uuid.UUID) (*OfferGroup, error) {
	var finalized *OfferGroup

	err := e.bookings.InTx(ctx, func(q booking.DB) error {
		group, err := e.store.GetPendingGroupForUpdate(ctx, q, appointmentID)
		if err != nil {
			return err
		}
		if group.PatientID != patientID {
			return booking.ErrForbidden
		}
		if group.Expired(e.nowFn()) {
			return ErrGroupExpired
		}

		if err := e.store.CloseRemainingOffers(ctx, q, group.ID, uuid.Nil, OfferDeclined); err != nil {
			return err
		}

		ok, err := e.store.FinalizeGroup(ctx, q, group.ID, GroupDeclined, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrGroupFinalized
		}

		group.Status = GroupDeclined
		finalized = group

		e.logEvent(ctx, q, appointmentID, EventRescheduleDeclined, map[string]any{
			"group_id": group.ID.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("offer group declined", "appointment_id", appointmentID, "group_id", finalized.ID)
	return finalized, nil
}

func (e *Engine) logEvent(ctx context.Context, q booking.DB, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}

	apptID := appointmentID
	ev := booking.EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
	}
	if err := e.bookings.InsertEvent(ctx, q, ev); err != nil {
		e.logger.Error("insert event log", "event_type", eventType,
			"appointment_id", appointmentID, "error", err)
	}
}
