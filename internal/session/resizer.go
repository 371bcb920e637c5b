package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/booking-engine/internal/booking"
	"github.com/clinicore/booking-engine/internal/reschedule"
	"github.com/clinicore/booking-engine/pkg/logging"
)

const (
	EventSessionExpanded        = "SESSION_EXPANDED"
	EventSessionShrunk          = "SESSION_SHRUNK"
	EventSessionCapacityUpdated = "SESSION_CAPACITY_UPDATED"
)

const maxCandidateFetch = 25

// OfferCreator is how the resizer hands displaced appointments to the offer
// engine, inside the resize transaction so displacement and offers commit
// together.
type OfferCreator interface {
	CreateOffersInTx(ctx context.Context, q booking.DB, in reschedule.CreateOffersInput) (*reschedule.OfferGroup, error)
}

// Options carry the schedule policy knobs from config.
type Options struct {
	DefaultSlotMinutes   int
	DefaultSlotCapacity  int
	BufferMinutes        int
	Location             *time.Location
	OfferTTL             time.Duration
	CandidateHorizonDays int
}

// Resizer mutates a session's time window or per-slot capacity, regenerating
// or retiring slots and routing every displaced appointment through the
// reschedule offer engine. All three operations run in one transaction: a
// protected appointment anywhere in the impact set aborts the whole resize.
type Resizer struct {
	store  *booking.Store
	offers OfferCreator
	logger *logging.Logger
	opts   Options
	nowFn  func() time.Time
}

func NewResizer(store *booking.Store, offers OfferCreator, logger *logging.Logger, opts Options) *Resizer {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.DefaultSlotMinutes <= 0 {
		opts.DefaultSlotMinutes = 15
	}
	if opts.DefaultSlotCapacity <= 0 {
		opts.DefaultSlotCapacity = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.OfferTTL <= 0 {
		opts.OfferTTL = 24 * time.Hour
	}
	if opts.CandidateHorizonDays <= 0 {
		opts.CandidateHorizonDays = 7
	}
	return &Resizer{
		store:  store,
		offers: offers,
		logger: logger,
		opts:   opts,
		nowFn:  time.Now,
	}
}

// Result describes what a resize did.
type Result struct {
	SessionID     uuid.UUID
	SlotsCreated  int
	SlotsRemoved  int
	SlotsRetired  int
	Displaced     int
	OfferGroupIDs []uuid.UUID
}

func validateWindow(startMinute, endMinute int) error {
	if startMinute < 0 || endMinute > 24*60 {
		return fmt.Errorf("%w: minutes must lie in [0, 1440]", booking.ErrValidation)
	}
	if startMinute >= endMinute {
		return fmt.Errorf("%w: start minute must precede end minute", booking.ErrValidation)
	}
	return nil
}

// Expand widens the session window and generates slots for the newly covered
// minutes. Slot duration and capacity are inferred from an existing slot in
// the session; generation is idempotent against duplicate time ranges.
func (r *Resizer) Expand(ctx context.Context, key booking.SessionKey, newStart, newEnd int) (*Result, error) {
	if err := validateWindow(newStart, newEnd); err != nil {
		return nil, err
	}

	var result Result
	err := r.store.InTx(ctx, func(q booking.DB) error {
		sess, err := r.store.GetSessionByKey(ctx, q, key)
		if err != nil {
			return err
		}
		if newStart > sess.StartMinute || newEnd < sess.EndMinute {
			return fmt.Errorf("%w: expand must cover the current window [%d, %d)",
				booking.ErrValidation, sess.StartMinute, sess.EndMinute)
		}
		if newStart == sess.StartMinute && newEnd == sess.EndMinute {
			return fmt.Errorf("%w: expand must widen the window on at least one side",
				booking.ErrValidation)
		}
		result.SessionID = sess.ID

		if err := r.recordOverride(ctx, q, sess, &newStart, &newEnd, nil); err != nil {
			return err
		}
		oldStart, oldEnd := sess.StartMinute, sess.EndMinute
		if _, err := r.store.UpdateSessionWindow(ctx, q, sess.ID, newStart, newEnd); err != nil {
			return err
		}

		duration, capacity, err := r.slotShape(ctx, q, sess)
		if err != nil {
			return err
		}

		created, err := r.generateSlots(ctx, q, sess, newStart, oldStart, duration, capacity)
		if err != nil {
			return err
		}
		result.SlotsCreated += created

		created, err = r.generateSlots(ctx, q, sess, oldEnd, newEnd, duration, capacity)
		if err != nil {
			return err
		}
		result.SlotsCreated += created

		r.logEvent(ctx, q, EventSessionExpanded, map[string]any{
			"session_id":    sess.ID.String(),
			"window":        []int{newStart, newEnd},
			"slots_created": result.SlotsCreated,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("session expanded",
		"session_id", result.SessionID, "start", newStart, "end", newEnd,
		"slots_created", result.SlotsCreated)
	return &result, nil
}

// Shrink narrows the window. Slots falling outside the new bounds are
// retired; their non-protected appointments each get a reschedule offer
// group. Any protected appointment in the impact set rejects the whole
// operation.
func (r *Resizer) Shrink(ctx context.Context, key booking.SessionKey, newStart, newEnd int, strategy Strategy) (*Result, error) {
	if err := validateWindow(newStart, newEnd); err != nil {
		return nil, err
	}

	var result Result
	err := r.store.InTx(ctx, func(q booking.DB) error {
		sess, err := r.store.GetSessionByKey(ctx, q, key)
		if err != nil {
			return err
		}
		if newStart < sess.StartMinute || newEnd > sess.EndMinute {
			return fmt.Errorf("%w: shrink must stay within the current window [%d, %d)",
				booking.ErrValidation, sess.StartMinute, sess.EndMinute)
		}
		result.SessionID = sess.ID

		if err := r.recordOverride(ctx, q, sess, &newStart, &newEnd, nil); err != nil {
			return err
		}
		if _, err := r.store.UpdateSessionWindow(ctx, q, sess.ID, newStart, newEnd); err != nil {
			return err
		}

		slots, err := r.store.ListSlotsBySession(ctx, q, sess.ID)
		if err != nil {
			return err
		}

		var impacted []booking.Slot
		for _, slot := range slots {
			if slot.StartMinute < newStart || slot.EndMinute > newEnd {
				impacted = append(impacted, slot)
			}
		}

		displaced, err := r.collectDisplaced(ctx, q, impacted)
		if err != nil {
			return err
		}

		excluded := make([]uuid.UUID, 0, len(impacted))
		for _, slot := range impacted {
			excluded = append(excluded, slot.ID)
		}

		for _, d := range displaced {
			groupID, err := r.offerRelocation(ctx, q, sess, d.slot, d.appt, strategy, excluded)
			if err != nil {
				return err
			}
			result.Displaced++
			result.OfferGroupIDs = append(result.OfferGroupIDs, groupID)
		}

		for _, slot := range impacted {
			deleted, err := r.store.DeleteSlotIfUnreferenced(ctx, q, slot.ID)
			if err != nil {
				return err
			}
			if deleted {
				result.SlotsRemoved++
				continue
			}
			// Still referenced: block new bookings, let the offer cycle
			// drain it.
			if err := r.store.MarkSlotUnavailable(ctx, q, slot.ID); err != nil {
				return err
			}
			result.SlotsRetired++
		}

		r.logEvent(ctx, q, EventSessionShrunk, map[string]any{
			"session_id": sess.ID.String(),
			"window":     []int{newStart, newEnd},
			"strategy":   string(strategy),
			"displaced":  result.Displaced,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("session shrunk",
		"session_id", result.SessionID, "start", newStart, "end", newEnd,
		"strategy", strategy, "displaced", result.Displaced,
		"slots_removed", result.SlotsRemoved, "slots_retired", result.SlotsRetired)
	return &result, nil
}

// UpdateCapacity changes every slot's capacity in the session. When the new
// capacity falls below a slot's booked count, the most recently booked
// appointments overflow and are displaced through the offer engine. The
// overflow keeps holding the old slot's units until the offer cycle moves it.
func (r *Resizer) UpdateCapacity(ctx context.Context, key booking.SessionKey, newCapacity int, strategy Strategy) (*Result, error) {
	if newCapacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be at least 1", booking.ErrValidation)
	}

	var result Result
	err := r.store.InTx(ctx, func(q booking.DB) error {
		sess, err := r.store.GetSessionByKey(ctx, q, key)
		if err != nil {
			return err
		}
		result.SessionID = sess.ID

		if err := r.recordOverride(ctx, q, sess, nil, nil, &newCapacity); err != nil {
			return err
		}

		slots, err := r.store.ListSlotsBySession(ctx, q, sess.ID)
		if err != nil {
			return err
		}

		var overflowing []booking.Slot
		for _, slot := range slots {
			if slot.BookedCount > newCapacity {
				overflowing = append(overflowing, slot)
			}
		}

		var displaced []displacedAppointment
		for _, slot := range overflowing {
			appts, err := r.store.ListActiveAppointmentsBySlot(ctx, q, slot.ID)
			if err != nil {
				return err
			}
			// Last booked, first displaced.
			overflow := slot.BookedCount - newCapacity
			for i := len(appts) - 1; i >= 0 && overflow > 0; i-- {
				if err := booking.AssertNotProtected(appts[i].Status, slot.Date, slot.StartMinute,
					r.nowFn(), r.opts.Location, r.opts.BufferMinutes); err != nil {
					return fmt.Errorf("appointment %s: %w", appts[i].ID, err)
				}
				displaced = append(displaced, displacedAppointment{slot: slot, appt: appts[i]})
				overflow--
			}
		}

		for _, slot := range slots {
			if _, err := r.store.UpdateSlotCapacity(ctx, q, slot.ID, newCapacity); err != nil {
				return err
			}
		}

		excluded := make([]uuid.UUID, 0, len(overflowing))
		for _, slot := range overflowing {
			excluded = append(excluded, slot.ID)
		}
		for _, d := range displaced {
			groupID, err := r.offerRelocation(ctx, q, sess, d.slot, d.appt, strategy, excluded)
			if err != nil {
				return err
			}
			result.Displaced++
			result.OfferGroupIDs = append(result.OfferGroupIDs, groupID)
		}

		r.logEvent(ctx, q, EventSessionCapacityUpdated, map[string]any{
			"session_id": sess.ID.String(),
			"capacity":   newCapacity,
			"strategy":   string(strategy),
			"displaced":  result.Displaced,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("session capacity updated",
		"session_id", result.SessionID, "capacity", newCapacity,
		"strategy", strategy, "displaced", result.Displaced)
	return &result, nil
}

type displacedAppointment struct {
	slot booking.Slot
	appt booking.Appointment
}

// collectDisplaced gathers every active appointment on the impacted slots,
// failing on the first protected one so the caller aborts before any
// mutation is visible.
func (r *Resizer) collectDisplaced(ctx context.Context, q booking.DB, impacted []booking.Slot) ([]displacedAppointment, error) {
	now := r.nowFn()

	var displaced []displacedAppointment
	for _, slot := range impacted {
		appts, err := r.store.ListActiveAppointmentsBySlot(ctx, q, slot.ID)
		if err != nil {
			return nil, err
		}
		for _, appt := range appts {
			if err := booking.AssertNotProtected(appt.Status, slot.Date, slot.StartMinute,
				now, r.opts.Location, r.opts.BufferMinutes); err != nil {
				return nil, fmt.Errorf("appointment %s: %w", appt.ID, err)
			}
			displaced = append(displaced, displacedAppointment{slot: slot, appt: appt})
		}
	}
	return displaced, nil
}

// offerRelocation builds the ranked candidate set for one displaced
// appointment and opens its offer group. The fallback is the earliest
// candidate at or after the original start (the query is forward-only and
// chronologically ordered, so that is the first row).
func (r *Resizer) offerRelocation(ctx context.Context, q booking.DB, sess *booking.Session, slot booking.Slot, appt booking.Appointment, strategy Strategy, excluded []uuid.UUID) (uuid.UUID, error) {
	horizon := slot.Date.AddDate(0, 0, r.opts.CandidateHorizonDays)
	cands, err := r.store.ListCandidateSlots(ctx, q, sess.ProviderID, slot.Date, slot.StartMinute, horizon, excluded, maxCandidateFetch)
	if err != nil {
		return uuid.Nil, err
	}
	if len(cands) == 0 {
		return uuid.Nil, fmt.Errorf("appointment %s: %w", appt.ID, ErrNoRelocationCandidates)
	}

	ranked := rankCandidates(strategy, &slot, sess.TimeBand, cands)
	n := len(ranked)
	if n > reschedule.MaxCandidates {
		n = reschedule.MaxCandidates
	}
	candidateIDs := make([]uuid.UUID, 0, n)
	for _, c := range ranked[:n] {
		candidateIDs = append(candidateIDs, c.ID)
	}

	reason := fmt.Sprintf("session resize (%s)", strategy)
	group, err := r.offers.CreateOffersInTx(ctx, q, reschedule.CreateOffersInput{
		AppointmentID:    appt.ID,
		PatientID:        appt.PatientID,
		ProviderID:       sess.ProviderID,
		CandidateSlotIDs: candidateIDs,
		FallbackSlotID:   cands[0].ID,
		ExpiresAt:        r.nowFn().Add(r.opts.OfferTTL),
		Reason:           &reason,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return group.ID, nil
}

// generateSlots fills [from, to) with back-to-back slots of the given
// duration. Existing time ranges are skipped, not duplicated.
func (r *Resizer) generateSlots(ctx context.Context, q booking.DB, sess *booking.Session, from, to, duration, capacity int) (int, error) {
	created := 0
	for start := from; start+duration <= to; start += duration {
		slot := &booking.Slot{
			ID:          uuid.New(),
			SessionID:   sess.ID,
			ProviderID:  sess.ProviderID,
			Date:        sess.Date,
			StartMinute: start,
			EndMinute:   start + duration,
			Capacity:    capacity,
			Status:      booking.SlotAvailable,
		}
		ok, err := r.store.CreateSlot(ctx, q, slot)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// slotShape infers duration and capacity for new slots from an existing slot
// in the session, preferring a recorded capacity override, with config
// defaults when the session is empty.
func (r *Resizer) slotShape(ctx context.Context, q booking.DB, sess *booking.Session) (duration, capacity int, err error) {
	duration = r.opts.DefaultSlotMinutes
	capacity = r.opts.DefaultSlotCapacity

	slots, err := r.store.ListSlotsBySession(ctx, q, sess.ID)
	if err != nil {
		return 0, 0, err
	}
	if len(slots) > 0 {
		duration = slots[0].EndMinute - slots[0].StartMinute
		capacity = slots[0].Capacity
	}

	ov, err := r.store.GetSessionOverride(ctx, q, sess.Key())
	if err != nil {
		return 0, 0, err
	}
	if ov != nil && ov.Capacity != nil {
		capacity = *ov.Capacity
	}
	return duration, capacity, nil
}

func (r *Resizer) recordOverride(ctx context.Context, q booking.DB, sess *booking.Session, startMinute, endMinute, capacity *int) error {
	return r.store.UpsertSessionOverride(ctx, q, &booking.SessionOverride{
		ID:          uuid.New(),
		ProviderID:  sess.ProviderID,
		Date:        sess.Date,
		Modality:    sess.Modality,
		TimeBand:    sess.TimeBand,
		LocationKey: sess.LocationKey,
		StartMinute: startMinute,
		EndMinute:   endMinute,
		Capacity:    capacity,
	})
}

func (r *Resizer) logEvent(ctx context.Context, q booking.DB, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}
	if err := r.store.InsertEvent(ctx, q, booking.EventLog{EventType: eventType, Payload: data}); err != nil {
		r.logger.Error("insert event log", "event_type", eventType, "error", err)
	}
}
