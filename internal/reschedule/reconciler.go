package reschedule

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/booking-engine/internal/booking"
	"github.com/clinicore/booking-engine/internal/metrics"
	"github.com/clinicore/booking-engine/internal/redisclient"
	"github.com/clinicore/booking-engine/pkg/logging"
)

const reconcilerLeaseName = "automove-reconciler"

// Reconciler is the periodic sweep over expired, still-pending offer groups.
// Each group is resolved in its own transaction so one failure never stalls
// the rest of the batch, and every mutation re-validates state under the
// group's row lock, which makes concurrent reconcilers safe.
type Reconciler struct {
	store     *Store
	bookings  *booking.Store
	leaser    redisclient.Leaser
	logger    *logging.Logger
	metrics   *metrics.ReconcilerMetrics
	interval  time.Duration
	batchSize int
	nowFn     func() time.Time
}

func NewReconciler(store *Store, bookings *booking.Store, leaser redisclient.Leaser, logger *logging.Logger, m *metrics.ReconcilerMetrics, interval time.Duration, batchSize int) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		store:     store,
		bookings:  bookings,
		leaser:    leaser,
		logger:    logger,
		metrics:   m,
		interval:  interval,
		batchSize: batchSize,
		nowFn:     time.Now,
	}
}

// Stats aggregates one sweep.
type Stats struct {
	Processed int
	Moved     int
	Exhausted int
}

// Run ticks until the context is cancelled. One sweep runs immediately on
// start.
func (r *Reconciler) Run(ctx context.Context) {
	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	run := func(runCtx context.Context) error {
		stats, err := r.RunOnce(runCtx)
		if err != nil {
			return err
		}
		if stats.Processed > 0 {
			r.logger.Info("reconciler sweep complete",
				"processed", stats.Processed, "moved", stats.Moved, "exhausted", stats.Exhausted)
		}
		return nil
	}

	var err error
	if r.leaser != nil {
		err = r.leaser.WithLease(ctx, reconcilerLeaseName, run)
		if errors.Is(err, redisclient.ErrLeaseNotAcquired) {
			r.logger.Debug("reconciler tick skipped, lease held elsewhere")
			return
		}
	} else {
		err = run(ctx)
	}
	if err != nil {
		r.logger.Error("reconciler sweep failed", "error", err)
	}
}

// RunOnce processes one batch of expired groups. Per-group failures are
// logged and skipped; the returned error covers only the batch query itself.
func (r *Reconciler) RunOnce(ctx context.Context) (Stats, error) {
	start := r.nowFn()

	groups, err := r.store.ListExpiredPendingGroups(ctx, start, r.batchSize)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for i := range groups {
		moved, resolved, err := r.resolveGroup(ctx, groups[i].ID)
		if err != nil {
			r.logger.Error("auto-move failed for group",
				"group_id", groups[i].ID, "appointment_id", groups[i].AppointmentID, "error", err)
			continue
		}
		if !resolved {
			// Another process finalized it between the batch read and our lock.
			continue
		}
		stats.Processed++
		if moved {
			stats.Moved++
		} else {
			stats.Exhausted++
		}
	}

	r.metrics.ObserveRun(stats.Processed, stats.Moved, stats.Exhausted, time.Since(start).Seconds())
	return stats, nil
}

// resolveGroup finalizes one expired group: auto-move onto the best offered
// slot with capacity, degrading to the fallback, or EXPIRED when nothing has
// room. Returns moved=false resolved=false when the group was no longer
// PENDING.
func (r *Reconciler) resolveGroup(ctx context.Context, groupID uuid.UUID) (moved, resolved bool, err error) {
	err = r.bookings.InTx(ctx, func(q booking.DB) error {
		group, err := r.store.GetGroupForUpdate(ctx, q, groupID)
		if err != nil {
			return err
		}
		if group.Status != GroupPending {
			return nil
		}
		resolved = true

		offers, err := r.store.ListOffersByGroup(ctx, q, group.ID)
		if err != nil {
			return err
		}

		chosenSlot, chosenOffer, err := r.reserveBest(ctx, q, group, offers)
		if err != nil {
			return err
		}

		if chosenSlot == uuid.Nil {
			// Capacity truly exhausted everywhere, fallback included.
			if err := r.store.CloseRemainingOffers(ctx, q, group.ID, uuid.Nil, OfferExpired); err != nil {
				return err
			}
			if _, err := r.store.FinalizeGroup(ctx, q, group.ID, GroupExpired, nil); err != nil {
				return err
			}
			r.logEvent(ctx, q, group.AppointmentID, EventOfferGroupExhausted, map[string]any{
				"group_id": group.ID.String(),
			})
			return nil
		}

		appt, err := r.bookings.GetAppointment(ctx, q, group.AppointmentID)
		if err != nil {
			return err
		}
		released, err := r.bookings.ReleaseSlot(ctx, q, appt.SlotID)
		if err != nil {
			return err
		}
		if _, err := r.bookings.ReassignAppointmentSlot(ctx, q, group.AppointmentID, chosenSlot); err != nil {
			return err
		}
		// Reap after the reassign so the old slot is no longer referenced.
		if _, err := r.bookings.ReapRetiredSlot(ctx, q, released); err != nil {
			return err
		}

		except := uuid.Nil
		if chosenOffer != nil {
			if err := r.store.UpdateOfferStatus(ctx, q, chosenOffer.ID, OfferAutoMoved); err != nil {
				return err
			}
			except = chosenOffer.ID
		}
		if err := r.store.CloseRemainingOffers(ctx, q, group.ID, except, OfferExpired); err != nil {
			return err
		}
		if _, err := r.store.FinalizeGroup(ctx, q, group.ID, GroupAutoMoved, &chosenSlot); err != nil {
			return err
		}

		moved = true
		r.logEvent(ctx, q, group.AppointmentID, EventAppointmentAutoMoved, map[string]any{
			"group_id":  group.ID.String(),
			"slot_id":   chosenSlot.String(),
			"from_slot": appt.SlotID.String(),
		})
		r.logger.Info("appointment auto-moved",
			"appointment_id", group.AppointmentID, "group_id", group.ID, "slot_id", chosenSlot)
		return nil
	})
	return moved, resolved, err
}

// reserveBest walks the offers in rank order and finally the fallback slot,
// reserving the first one with capacity. uuid.Nil means nothing had room.
func (r *Reconciler) reserveBest(ctx context.Context, q booking.DB, group *OfferGroup, offers []Offer) (uuid.UUID, *Offer, error) {
	fallbackTried := false

	for i := range offers {
		o := &offers[i]
		if o.Status != OfferPending {
			continue
		}
		if o.SlotID == group.FallbackSlotID {
			fallbackTried = true
		}
		if _, err := r.bookings.ReserveSlot(ctx, q, o.SlotID); err != nil {
			if errors.Is(err, booking.ErrSlotFull) ||
				errors.Is(err, booking.ErrSlotUnavailable) ||
				errors.Is(err, booking.ErrSlotNotFound) {
				continue
			}
			return uuid.Nil, nil, err
		}
		return o.SlotID, o, nil
	}

	if !fallbackTried {
		if _, err := r.bookings.ReserveSlot(ctx, q, group.FallbackSlotID); err != nil {
			if errors.Is(err, booking.ErrSlotFull) ||
				errors.Is(err, booking.ErrSlotUnavailable) ||
				errors.Is(err, booking.ErrSlotNotFound) {
				return uuid.Nil, nil, nil
			}
			return uuid.Nil, nil, err
		}
		return group.FallbackSlotID, nil, nil
	}

	return uuid.Nil, nil, nil
}

func (r *Reconciler) logEvent(ctx context.Context, q booking.DB, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}

	apptID := appointmentID
	ev := booking.EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
	}
	if err := r.bookings.InsertEvent(ctx, q, ev); err != nil {
		r.logger.Error("insert event log", "event_type", eventType,
			"appointment_id", appointmentID, "error", err)
	}
}
