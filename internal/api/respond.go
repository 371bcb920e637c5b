package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clinicore/booking-engine/internal/booking"
	"github.com/clinicore/booking-engine/internal/reschedule"
	"github.com/clinicore/booking-engine/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeDomainError maps engine errors onto transport statuses. Every branch
// carries a stable code so clients can switch on it without parsing details.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, booking.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, booking.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, booking.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, reschedule.ErrNoActiveGroup):
		writeError(w, http.StatusNotFound, "no_active_offer_group", err.Error())
	case errors.Is(err, reschedule.ErrOfferNotFound):
		writeError(w, http.StatusNotFound, "offer_not_found", err.Error())
	case errors.Is(err, booking.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, booking.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, booking.ErrSlotFull):
		writeError(w, http.StatusConflict, "slot_full", err.Error())
	case errors.Is(err, booking.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, booking.ErrSlotAlreadyBooked):
		writeError(w, http.StatusConflict, "slot_already_booked", err.Error())
	case errors.Is(err, booking.ErrAlreadyCancelled):
		writeError(w, http.StatusConflict, "already_cancelled", err.Error())
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrAppointmentProtected):
		writeError(w, http.StatusConflict, "appointment_protected", err.Error())
	case errors.Is(err, reschedule.ErrDuplicateActiveGroup):
		writeError(w, http.StatusConflict, "duplicate_offer_group", err.Error())
	case errors.Is(err, reschedule.ErrGroupExpired):
		writeError(w, http.StatusConflict, "offer_group_expired", err.Error())
	case errors.Is(err, reschedule.ErrGroupFinalized):
		writeError(w, http.StatusConflict, "offer_group_finalized", err.Error())
	case errors.Is(err, session.ErrNoRelocationCandidates):
		writeError(w, http.StatusConflict, "no_relocation_candidates", err.Error())
	case errors.Is(err, booking.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
