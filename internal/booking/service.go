package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clinicore/booking-engine/internal/metrics"
	"github.com/clinicore/booking-engine/pkg/logging"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentDeleted   = "APPOINTMENT_DELETED"
)

// Service is the booking engine: it creates, confirms, cancels and deletes
// individual appointments against a single slot, going through the store's
// conditional reserve/release for every capacity change.
type Service struct {
	store   *Store
	logger  *logging.Logger
	metrics *metrics.BookingMetrics
}

func NewService(store *Store, logger *logging.Logger, m *metrics.BookingMetrics) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, logger: logger, metrics: m}
}

// Store exposes the underlying store for collaborating engines.
func (s *Service) Store() *Store {
	return s.store
}

// Book reserves one unit of capacity and creates the appointment in the same
// transaction, so a reserve success and the appointment row are never split.
func (s *Service) Book(ctx context.Context, patientID, slotID uuid.UUID, note *string) (*Appointment, error) {
	if _, err := s.store.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	var created *Appointment

	err := s.store.InTx(ctx, func(q DB) error {
		slot, err := s.store.GetSlot(ctx, q, slotID)
		if err != nil {
			return err
		}
		if slot.Status == SlotUnavailable {
			return ErrSlotUnavailable
		}
		if !slot.HasCapacity() {
			return ErrSlotFull
		}

		if _, err := s.store.ReserveSlot(ctx, q, slotID); err != nil {
			return err
		}

		appt := &Appointment{
			ID:         uuid.New(),
			PatientID:  patientID,
			ProviderID: slot.ProviderID,
			SlotID:     slotID,
			Status:     StatusBooked,
			Note:       note,
		}
		if err := s.store.CreateAppointment(ctx, q, appt); err != nil {
			return err
		}
		created = appt

		s.logEvent(ctx, q, appt.ID, EventAppointmentBooked, map[string]any{
			"slot_id":    slotID.String(),
			"patient_id": patientID.String(),
		})
		return nil
	})
	if err != nil {
		s.metrics.ObserveBooking(bookingOutcome(err))
		return nil, err
	}

	s.metrics.ObserveBooking("success")
	s.logger.Info("appointment booked",
		"appointment_id", created.ID, "slot_id", slotID, "patient_id", patientID)
	return created, nil
}

// CancelByPatient releases the slot capacity and marks the appointment
// cancelled, atomically.
func (s *Service) CancelByPatient(ctx context.Context, patientID, appointmentID uuid.UUID, reason *string) (*Appointment, error) {
	appt, err := s.cancel(ctx, appointmentID, StatusCancelledByPatient, reason, func(a *Appointment) error {
		if a.PatientID != patientID {
			return ErrForbidden
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveCancellation("patient")
	return appt, nil
}

func (s *Service) CancelByDoctor(ctx context.Context, doctorID, appointmentID uuid.UUID, reason *string) (*Appointment, error) {
	appt, err := s.cancel(ctx, appointmentID, StatusCancelledByDoctor, reason, func(a *Appointment) error {
		if a.ProviderID != doctorID {
			return ErrForbidden
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveCancellation("doctor")
	return appt, nil
}

func (s *Service) cancel(ctx context.Context, appointmentID uuid.UUID, to AppointmentStatus, reason *string, owns func(*Appointment) error) (*Appointment, error) {
	var cancelled *Appointment

	err := s.store.InTx(ctx, func(q DB) error {
		appt, err := s.store.GetAppointment(ctx, q, appointmentID)
		if err != nil {
			return err
		}
		if err := owns(appt); err != nil {
			return err
		}
		if appt.Status.Cancelled() {
			return ErrAlreadyCancelled
		}
		if appt.Status == StatusCompleted {
			return ErrInvalidTransition
		}

		updated, err := s.store.CancelAppointment(ctx, q, appointmentID, appt.Status, to, reason)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				// Row existed moments ago; the status moved under us.
				return ErrConflict
			}
			return err
		}

		released, err := s.store.ReleaseSlot(ctx, q, appt.SlotID)
		if err != nil {
			return err
		}
		if _, err := s.store.ReapRetiredSlot(ctx, q, released); err != nil {
			return err
		}
		cancelled = updated

		s.logEvent(ctx, q, appointmentID, EventAppointmentCancelled, map[string]any{
			"to":      string(to),
			"slot_id": appt.SlotID.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("appointment cancelled", "appointment_id", appointmentID, "status", cancelled.Status)
	return cancelled, nil
}

// Confirm moves a BOOKED appointment to CONFIRMED.
func (s *Service) Confirm(ctx context.Context, doctorID, appointmentID uuid.UUID) (*Appointment, error) {
	var confirmed *Appointment

	err := s.store.InTx(ctx, func(q DB) error {
		appt, err := s.store.GetAppointment(ctx, q, appointmentID)
		if err != nil {
			return err
		}
		if appt.ProviderID != doctorID {
			return ErrForbidden
		}
		if appt.Status != StatusBooked {
			return ErrInvalidTransition
		}

		updated, err := s.store.ConfirmAppointment(ctx, q, appointmentID)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return ErrConflict
			}
			return err
		}
		confirmed = updated

		s.logEvent(ctx, q, appointmentID, EventAppointmentConfirmed, map[string]any{})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// DeleteByPatient removes an appointment that is already cancelled.
func (s *Service) DeleteByPatient(ctx context.Context, patientID, appointmentID uuid.UUID) error {
	return s.store.InTx(ctx, func(q DB) error {
		appt, err := s.store.GetAppointment(ctx, q, appointmentID)
		if err != nil {
			return err
		}
		if appt.PatientID != patientID {
			return ErrForbidden
		}
		if !appt.Status.Cancelled() {
			return ErrInvalidTransition
		}

		if err := s.store.PurgeOfferHistory(ctx, q, appointmentID); err != nil {
			return err
		}
		if err := s.store.DeleteAppointment(ctx, q, appointmentID); err != nil {
			return err
		}

		// Deleting the appointment may have dropped the last reference to a
		// retired slot.
		slot, err := s.store.GetSlot(ctx, q, appt.SlotID)
		if err != nil {
			if !errors.Is(err, ErrSlotNotFound) {
				return err
			}
		} else if _, err := s.store.ReapRetiredSlot(ctx, q, slot); err != nil {
			return err
		}

		s.logEvent(ctx, q, appointmentID, EventAppointmentDeleted, map[string]any{
			"patient_id": patientID.String(),
		})
		return nil
	})
}

// GetAppointment retrieves an appointment hydrated with its current slot.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.store.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// ListAppointmentsByPatient retrieves a patient's appointments, newest first.
func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListAppointmentsByPatient(ctx, patientID, limit, offset)
}

func (s *Service) logEvent(ctx context.Context, q DB, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
	}

	if err := s.store.InsertEvent(ctx, q, ev); err != nil {
		s.logger.Error("insert event log", "event_type", eventType,
			"appointment_id", appointmentID, "error", err)
	}
}

func bookingOutcome(err error) string {
	switch {
	case errors.Is(err, ErrSlotFull):
		return "slot_full"
	case errors.Is(err, ErrSlotAlreadyBooked):
		return "already_booked"
	case errors.Is(err, ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, ErrSlotNotFound), errors.Is(err, ErrPatientNotFound):
		return "not_found"
	default:
		return "error"
	}
}
