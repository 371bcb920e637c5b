package booking

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	ErrSlotUnavailable   = errors.New("slot is not available for booking")
	ErrSlotFull          = errors.New("slot is at capacity")
	ErrSlotAlreadyBooked = errors.New("patient already holds an active booking for this slot")

	ErrForbidden         = errors.New("caller does not own this appointment")
	ErrAlreadyCancelled  = errors.New("appointment is already cancelled")
	ErrInvalidTransition = errors.New("appointment status does not allow this operation")
	ErrConflict          = errors.New("state changed concurrently, please retry")
	ErrValidation        = errors.New("validation failed")

	// ErrAppointmentProtected matches any ProtectedError via errors.Is.
	ErrAppointmentProtected = errors.New("appointment is protected against disruptive changes")
)

type ProtectedReason string

const (
	ProtectedByStatus ProtectedReason = "frozen_status"
	ProtectedByBuffer ProtectedReason = "buffer_window"
)

// ProtectedError carries why an appointment may not be moved.
type ProtectedError struct {
	Reason ProtectedReason
	Status AppointmentStatus
}

func (e *ProtectedError) Error() string {
	switch e.Reason {
	case ProtectedByStatus:
		return fmt.Sprintf("appointment in status %s may not be modified", e.Status)
	case ProtectedByBuffer:
		return "appointment starts within the protected buffer window"
	default:
		return "appointment is protected"
	}
}

func (e *ProtectedError) Is(target error) bool {
	return target == ErrAppointmentProtected
}
