package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

func getPendingOffersHandler(svc OfferService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, ok := parseIDParam(w, r, "invalid_appointment_id", "id must be a valid UUID")
		if !ok {
			return
		}

		var patientID *uuid.UUID
		if raw := r.URL.Query().Get("patient_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			patientID = &id
		}

		pending, err := svc.GetPendingOffers(r.Context(), appointmentID, patientID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toPendingOffersResponse(pending))
	}
}

func acceptOfferHandler(svc OfferService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, ok := parseIDParam(w, r, "invalid_appointment_id", "id must be a valid UUID")
		if !ok {
			return
		}

		var req OfferDecisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		slotID, err := uuid.Parse(req.SlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
			return
		}

		group, err := svc.Accept(r.Context(), appointmentID, patientID, slotID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toGroupResponse(group))
	}
}

func declineOfferHandler(svc OfferService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, ok := parseIDParam(w, r, "invalid_appointment_id", "id must be a valid UUID")
		if !ok {
			return
		}

		var req OfferDecisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		group, err := svc.Decline(r.Context(), appointmentID, patientID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toGroupResponse(group))
	}
}
