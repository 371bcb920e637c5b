package booking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewService(NewStore(mock), nil, nil), mock
}

func patientRows(id uuid.UUID) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "name", "email", "created_at", "updated_at"}).
		AddRow(id, "Pat Doe", nil, time.Now(), time.Now())
}

func slotRow(id uuid.UUID, capacity, booked int, status SlotStatus) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "session_id", "provider_id", "date", "start_minute", "end_minute",
		"capacity", "booked_count", "status", "created_at", "updated_at",
	}).AddRow(id, uuid.New(), uuid.New(), time.Now(), 540, 555, capacity, booked, status, time.Now(), time.Now())
}

func appointmentRow(id, patientID, providerID, slotID uuid.UUID, status AppointmentStatus) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "patient_id", "provider_id", "slot_id", "status", "cancel_reason",
		"note", "confirmed_at", "cancelled_at", "created_at", "updated_at",
	}).AddRow(id, patientID, providerID, slotID, status, nil, nil, nil, nil, time.Now(), time.Now())
}

func TestBookReservesAndCreatesAtomically(t *testing.T) {
	svc, mock := newTestService(t)

	patientID := uuid.New()
	slotID := uuid.New()

	mock.ExpectQuery(`FROM patients`).WithArgs(patientID).WillReturnRows(patientRows(patientID))
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM slots`).WithArgs(slotID).WillReturnRows(slotRow(slotID, 2, 0, SlotAvailable))
	mock.ExpectQuery(`UPDATE slots`).WithArgs(slotID).WillReturnRows(slotRow(slotID, 2, 1, SlotAvailable))
	mock.ExpectExec(`INSERT INTO appointments`).
		WithArgs(pgxmock.AnyArg(), patientID, pgxmock.AnyArg(), slotID, StatusBooked, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(EventAppointmentBooked, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	appt, err := svc.Book(context.Background(), patientID, slotID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, appt.Status)
	assert.Equal(t, slotID, appt.SlotID)
	assert.Equal(t, patientID, appt.PatientID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBookFailsWhenSlotFull(t *testing.T) {
	svc, mock := newTestService(t)

	patientID := uuid.New()
	slotID := uuid.New()

	mock.ExpectQuery(`FROM patients`).WithArgs(patientID).WillReturnRows(patientRows(patientID))
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM slots`).WithArgs(slotID).WillReturnRows(slotRow(slotID, 2, 2, SlotFull))
	mock.ExpectRollback()

	_, err := svc.Book(context.Background(), patientID, slotID, nil)
	assert.ErrorIs(t, err, ErrSlotFull)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBookFailsWhenSlotUnavailable(t *testing.T) {
	svc, mock := newTestService(t)

	patientID := uuid.New()
	slotID := uuid.New()

	mock.ExpectQuery(`FROM patients`).WithArgs(patientID).WillReturnRows(patientRows(patientID))
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM slots`).WithArgs(slotID).WillReturnRows(slotRow(slotID, 2, 0, SlotUnavailable))
	mock.ExpectRollback()

	_, err := svc.Book(context.Background(), patientID, slotID, nil)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBookLosesReserveRace(t *testing.T) {
	svc, mock := newTestService(t)

	patientID := uuid.New()
	slotID := uuid.New()

	// Pre-check sees one free unit, but the conditional update matches no
	// row: a concurrent booking took the last unit first.
	mock.ExpectQuery(`FROM patients`).WithArgs(patientID).WillReturnRows(patientRows(patientID))
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM slots`).WithArgs(slotID).WillReturnRows(slotRow(slotID, 1, 0, SlotAvailable))
	mock.ExpectQuery(`UPDATE slots`).WithArgs(slotID).WillReturnRows(pgxmock.NewRows([]string{
		"id", "session_id", "provider_id", "date", "start_minute", "end_minute",
		"capacity", "booked_count", "status", "created_at", "updated_at",
	}))
	mock.ExpectQuery(`FROM slots`).WithArgs(slotID).WillReturnRows(slotRow(slotID, 1, 1, SlotFull))
	mock.ExpectRollback()

	_, err := svc.Book(context.Background(), patientID, slotID, nil)
	assert.ErrorIs(t, err, ErrSlotFull)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelByPatientReleasesSlot(t *testing.T) {
	svc, mock := newTestService(t)

	patientID := uuid.New()
	providerID := uuid.New()
	slotID := uuid.New()
	apptID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, patientID, providerID, slotID, StatusBooked))
	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(apptID, StatusCancelledByPatient, pgxmock.AnyArg(), StatusBooked).
		WillReturnRows(appointmentRow(apptID, patientID, providerID, slotID, StatusCancelledByPatient))
	mock.ExpectQuery(`UPDATE slots`).WithArgs(slotID).
		WillReturnRows(slotRow(slotID, 2, 0, SlotAvailable))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(EventAppointmentCancelled, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	appt, err := svc.CancelByPatient(context.Background(), patientID, apptID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledByPatient, appt.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelByPatientForbiddenForOtherPatient(t *testing.T) {
	svc, mock := newTestService(t)

	owner := uuid.New()
	caller := uuid.New()
	apptID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, owner, uuid.New(), uuid.New(), StatusBooked))
	mock.ExpectRollback()

	_, err := svc.CancelByPatient(context.Background(), caller, apptID, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelTwiceFailsAlreadyCancelled(t *testing.T) {
	svc, mock := newTestService(t)

	patientID := uuid.New()
	apptID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, patientID, uuid.New(), uuid.New(), StatusCancelledByPatient))
	mock.ExpectRollback()

	_, err := svc.CancelByPatient(context.Background(), patientID, apptID, nil)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelByDoctorChecksProviderOwnership(t *testing.T) {
	svc, mock := newTestService(t)

	providerID := uuid.New()
	apptID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, uuid.New(), providerID, uuid.New(), StatusConfirmed))
	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(apptID, StatusCancelledByDoctor, pgxmock.AnyArg(), StatusConfirmed).
		WillReturnRows(appointmentRow(apptID, uuid.New(), providerID, uuid.New(), StatusCancelledByDoctor))
	mock.ExpectQuery(`UPDATE slots`).WithArgs(pgxmock.AnyArg()).
		WillReturnRows(slotRow(uuid.New(), 2, 1, SlotAvailable))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(EventAppointmentCancelled, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	reason := "provider unavailable"
	appt, err := svc.CancelByDoctor(context.Background(), providerID, apptID, &reason)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledByDoctor, appt.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmRequiresBookedStatus(t *testing.T) {
	svc, mock := newTestService(t)

	providerID := uuid.New()
	apptID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, uuid.New(), providerID, uuid.New(), StatusConfirmed))
	mock.ExpectRollback()

	_, err := svc.Confirm(context.Background(), providerID, apptID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmHappyPath(t *testing.T) {
	svc, mock := newTestService(t)

	providerID := uuid.New()
	apptID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, uuid.New(), providerID, uuid.New(), StatusBooked))
	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(apptID, StatusConfirmed, StatusBooked).
		WillReturnRows(appointmentRow(apptID, uuid.New(), providerID, uuid.New(), StatusConfirmed))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(EventAppointmentConfirmed, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	appt, err := svc.Confirm(context.Background(), providerID, apptID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, appt.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByPatientOnlyWhenCancelled(t *testing.T) {
	svc, mock := newTestService(t)

	patientID := uuid.New()
	apptID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, patientID, uuid.New(), uuid.New(), StatusBooked))
	mock.ExpectRollback()

	err := svc.DeleteByPatient(context.Background(), patientID, apptID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByPatientHappyPath(t *testing.T) {
	svc, mock := newTestService(t)

	patientID := uuid.New()
	apptID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, patientID, uuid.New(), uuid.New(), StatusCancelledByPatient))
	mock.ExpectExec(`DELETE FROM reschedule_offers`).WithArgs(apptID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM reschedule_offer_groups`).WithArgs(apptID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM appointments`).WithArgs(apptID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery(`FROM slots`).WithArgs(pgxmock.AnyArg()).
		WillReturnRows(slotRow(uuid.New(), 2, 0, SlotAvailable))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(EventAppointmentDeleted, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := svc.DeleteByPatient(context.Background(), patientID, apptID)
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByPatientPurgesOfferHistory(t *testing.T) {
	svc, mock := newTestService(t)

	patientID := uuid.New()
	apptID := uuid.New()
	slotID := uuid.New()

	// A declined displacement leaves a finalized group and its offers behind;
	// they go in the same transaction as the appointment row.
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, patientID, uuid.New(), slotID, StatusCancelledByPatient))
	mock.ExpectExec(`DELETE FROM reschedule_offers`).WithArgs(apptID).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM reschedule_offer_groups`).WithArgs(apptID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM appointments`).WithArgs(apptID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	// The slot was retired during a shrink; with its last booking gone the
	// row itself is removed.
	mock.ExpectQuery(`FROM slots`).WithArgs(slotID).
		WillReturnRows(slotRow(slotID, 2, 0, SlotUnavailable))
	mock.ExpectExec(`DELETE FROM slots`).WithArgs(slotID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(EventAppointmentDeleted, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := svc.DeleteByPatient(context.Background(), patientID, apptID)
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseSlotKeepsRetiredSlotsRetired(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store := NewStore(mock)

	slotID := uuid.New()
	mock.ExpectQuery(`CASE WHEN status = 'UNAVAILABLE' THEN 'UNAVAILABLE'`).
		WithArgs(slotID).
		WillReturnRows(slotRow(slotID, 2, 0, SlotUnavailable))

	slot, err := store.ReleaseSlot(context.Background(), mock, slotID)
	require.NoError(t, err)
	assert.Equal(t, SlotUnavailable, slot.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelReapsDrainedRetiredSlot(t *testing.T) {
	svc, mock := newTestService(t)

	patientID := uuid.New()
	providerID := uuid.New()
	slotID := uuid.New()
	apptID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM appointments`).WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, patientID, providerID, slotID, StatusBooked))
	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(apptID, StatusCancelledByPatient, pgxmock.AnyArg(), StatusBooked).
		WillReturnRows(appointmentRow(apptID, patientID, providerID, slotID, StatusCancelledByPatient))
	mock.ExpectQuery(`UPDATE slots`).WithArgs(slotID).
		WillReturnRows(slotRow(slotID, 2, 0, SlotUnavailable))
	// The cancelled appointment still references the slot, so the guarded
	// delete matches nothing and the slot simply stays retired.
	mock.ExpectExec(`DELETE FROM slots`).WithArgs(slotID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(EventAppointmentCancelled, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	appt, err := svc.CancelByPatient(context.Background(), patientID, apptID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledByPatient, appt.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}
