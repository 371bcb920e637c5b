package reschedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/booking-engine/internal/booking"
)

func newTestReconciler(t *testing.T) (*Reconciler, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	bookings := booking.NewStore(mock)
	r := NewReconciler(NewStore(mock), bookings, nil, nil, nil, time.Minute, 50)
	r.nowFn = func() time.Time { return testNow }
	return r, mock
}

func expectFailedReserve(mock pgxmock.PgxPoolIface, slotID uuid.UUID) {
	mock.ExpectQuery(`UPDATE slots`).WithArgs(slotID).WillReturnRows(emptySlotRows())
	mock.ExpectQuery(`FROM slots`).WithArgs(slotID).
		WillReturnRows(testSlotRows(slotID, 1, 1, booking.SlotFull))
}

func TestRunOnceFallsBackWhenOfferedSlotsAreFull(t *testing.T) {
	r, mock := newTestReconciler(t)

	apptID := uuid.New()
	oldSlot := uuid.New()
	c1, c2 := uuid.New(), uuid.New()
	fallback := uuid.New()

	group := OfferGroup{
		ID: uuid.New(), AppointmentID: apptID, PatientID: uuid.New(),
		ProviderID: uuid.New(), FallbackSlotID: fallback,
		ExpiresAt: testNow.Add(-time.Minute), Status: GroupPending,
	}
	offers := []Offer{
		{ID: uuid.New(), GroupID: group.ID, SlotID: c1, Rank: 0, Status: OfferPending},
		{ID: uuid.New(), GroupID: group.ID, SlotID: c2, Rank: 1, Status: OfferPending},
	}

	mock.ExpectQuery(`FROM reschedule_offer_groups`).
		WithArgs(GroupPending, testNow, 50).
		WillReturnRows(groupRows(&group))

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(group.ID).WillReturnRows(groupRows(&group))
	mock.ExpectQuery(`FROM reschedule_offers`).WithArgs(group.ID).WillReturnRows(offerRowsFor(offers...))
	expectFailedReserve(mock, c1)
	expectFailedReserve(mock, c2)
	mock.ExpectQuery(`UPDATE slots`).WithArgs(fallback).
		WillReturnRows(testSlotRows(fallback, 3, 1, booking.SlotAvailable))
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(testAppointmentRows(apptID, group.PatientID, group.ProviderID, oldSlot, booking.StatusConfirmed))
	mock.ExpectQuery(`UPDATE slots`).WithArgs(oldSlot).
		WillReturnRows(testSlotRows(oldSlot, 1, 0, booking.SlotAvailable))
	mock.ExpectQuery(`UPDATE appointments`).WithArgs(apptID, fallback).
		WillReturnRows(testAppointmentRows(apptID, group.PatientID, group.ProviderID, fallback, booking.StatusConfirmed))
	// Fallback has no offer row, so every pending offer closes as EXPIRED.
	mock.ExpectExec(`UPDATE reschedule_offers`).WithArgs(group.ID, uuid.Nil, OfferExpired, OfferPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`UPDATE reschedule_offer_groups`).WithArgs(group.ID, GroupAutoMoved, &fallback, GroupPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Moved: 1}, stats)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceReapsRetiredSourceSlot(t *testing.T) {
	r, mock := newTestReconciler(t)

	apptID := uuid.New()
	oldSlot := uuid.New()
	c1 := uuid.New()

	group := OfferGroup{
		ID: uuid.New(), AppointmentID: apptID, PatientID: uuid.New(),
		ProviderID: uuid.New(), FallbackSlotID: c1,
		ExpiresAt: testNow.Add(-time.Minute), Status: GroupPending,
	}
	offer := Offer{ID: uuid.New(), GroupID: group.ID, SlotID: c1, Rank: 0, Status: OfferPending}

	mock.ExpectQuery(`FROM reschedule_offer_groups`).
		WithArgs(GroupPending, testNow, 50).
		WillReturnRows(groupRows(&group))

	// Auto-move drains the last booking of a slot retired by a shrink; the
	// slot is deleted rather than turned AVAILABLE again.
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(group.ID).WillReturnRows(groupRows(&group))
	mock.ExpectQuery(`FROM reschedule_offers`).WithArgs(group.ID).WillReturnRows(offerRowsFor(offer))
	mock.ExpectQuery(`UPDATE slots`).WithArgs(c1).
		WillReturnRows(testSlotRows(c1, 2, 1, booking.SlotAvailable))
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(testAppointmentRows(apptID, group.PatientID, group.ProviderID, oldSlot, booking.StatusBooked))
	mock.ExpectQuery(`UPDATE slots`).WithArgs(oldSlot).
		WillReturnRows(testSlotRows(oldSlot, 1, 0, booking.SlotUnavailable))
	mock.ExpectQuery(`UPDATE appointments`).WithArgs(apptID, c1).
		WillReturnRows(testAppointmentRows(apptID, group.PatientID, group.ProviderID, c1, booking.StatusBooked))
	mock.ExpectExec(`DELETE FROM slots`).WithArgs(oldSlot).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`UPDATE reschedule_offers`).WithArgs(offer.ID, OfferAutoMoved).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE reschedule_offers`).WithArgs(group.ID, offer.ID, OfferExpired, OfferPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`UPDATE reschedule_offer_groups`).WithArgs(group.ID, GroupAutoMoved, &c1, GroupPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Moved: 1}, stats)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceExpiresGroupWhenNothingHasCapacity(t *testing.T) {
	r, mock := newTestReconciler(t)

	apptID := uuid.New()
	c1 := uuid.New()
	fallback := uuid.New()

	group := OfferGroup{
		ID: uuid.New(), AppointmentID: apptID, PatientID: uuid.New(),
		ProviderID: uuid.New(), FallbackSlotID: fallback,
		ExpiresAt: testNow.Add(-time.Minute), Status: GroupPending,
	}
	offers := []Offer{
		{ID: uuid.New(), GroupID: group.ID, SlotID: c1, Rank: 0, Status: OfferPending},
	}

	mock.ExpectQuery(`FROM reschedule_offer_groups`).
		WithArgs(GroupPending, testNow, 50).
		WillReturnRows(groupRows(&group))

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(group.ID).WillReturnRows(groupRows(&group))
	mock.ExpectQuery(`FROM reschedule_offers`).WithArgs(group.ID).WillReturnRows(offerRowsFor(offers...))
	expectFailedReserve(mock, c1)
	expectFailedReserve(mock, fallback)
	// No appointment update: the original slot assignment stands.
	mock.ExpectExec(`UPDATE reschedule_offers`).WithArgs(group.ID, uuid.Nil, OfferExpired, OfferPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE reschedule_offer_groups`).
		WithArgs(group.ID, GroupExpired, pgxmock.AnyArg(), GroupPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Exhausted: 1}, stats)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceSkipsGroupFinalizedSinceBatchRead(t *testing.T) {
	r, mock := newTestReconciler(t)

	group := OfferGroup{
		ID: uuid.New(), AppointmentID: uuid.New(), PatientID: uuid.New(),
		ProviderID: uuid.New(), FallbackSlotID: uuid.New(),
		ExpiresAt: testNow.Add(-time.Minute), Status: GroupPending,
	}

	mock.ExpectQuery(`FROM reschedule_offer_groups`).
		WithArgs(GroupPending, testNow, 50).
		WillReturnRows(groupRows(&group))

	accepted := group
	accepted.Status = GroupAccepted

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(group.ID).WillReturnRows(groupRows(&accepted))
	mock.ExpectCommit()

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceIsolatesPerGroupFailures(t *testing.T) {
	r, mock := newTestReconciler(t)

	broken := OfferGroup{
		ID: uuid.New(), AppointmentID: uuid.New(), PatientID: uuid.New(),
		ProviderID: uuid.New(), FallbackSlotID: uuid.New(),
		ExpiresAt: testNow.Add(-2 * time.Minute), Status: GroupPending,
	}
	apptID := uuid.New()
	oldSlot := uuid.New()
	c1 := uuid.New()
	healthy := OfferGroup{
		ID: uuid.New(), AppointmentID: apptID, PatientID: uuid.New(),
		ProviderID: uuid.New(), FallbackSlotID: c1,
		ExpiresAt: testNow.Add(-time.Minute), Status: GroupPending,
	}
	offer := Offer{ID: uuid.New(), GroupID: healthy.ID, SlotID: c1, Rank: 0, Status: OfferPending}

	batch := groupRows(&broken)
	batch.AddRow(healthy.ID, healthy.AppointmentID, healthy.PatientID, healthy.ProviderID,
		healthy.FallbackSlotID, healthy.ExpiresAt, healthy.Status, healthy.Reason,
		healthy.DecidedSlotID, testNow, testNow)

	mock.ExpectQuery(`FROM reschedule_offer_groups`).
		WithArgs(GroupPending, testNow, 50).
		WillReturnRows(batch)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(broken.ID).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(healthy.ID).WillReturnRows(groupRows(&healthy))
	mock.ExpectQuery(`FROM reschedule_offers`).WithArgs(healthy.ID).WillReturnRows(offerRowsFor(offer))
	mock.ExpectQuery(`UPDATE slots`).WithArgs(c1).
		WillReturnRows(testSlotRows(c1, 2, 1, booking.SlotAvailable))
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(testAppointmentRows(apptID, healthy.PatientID, healthy.ProviderID, oldSlot, booking.StatusBooked))
	mock.ExpectQuery(`UPDATE slots`).WithArgs(oldSlot).
		WillReturnRows(testSlotRows(oldSlot, 1, 0, booking.SlotAvailable))
	mock.ExpectQuery(`UPDATE appointments`).WithArgs(apptID, c1).
		WillReturnRows(testAppointmentRows(apptID, healthy.PatientID, healthy.ProviderID, c1, booking.StatusBooked))
	mock.ExpectExec(`UPDATE reschedule_offers`).WithArgs(offer.ID, OfferAutoMoved).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE reschedule_offers`).WithArgs(healthy.ID, offer.ID, OfferExpired, OfferPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`UPDATE reschedule_offer_groups`).WithArgs(healthy.ID, GroupAutoMoved, &c1, GroupPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Moved: 1}, stats)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceNoExpiredGroups(t *testing.T) {
	r, mock := newTestReconciler(t)

	mock.ExpectQuery(`FROM reschedule_offer_groups`).
		WithArgs(GroupPending, testNow, 50).
		WillReturnRows(emptyGroupRows())

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	require.NoError(t, mock.ExpectationsWereMet())
}
