package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/booking-engine/internal/booking"
	sess "github.com/clinicore/booking-engine/internal/session"
)

func parseSessionKey(req SessionKeyRequest) (booking.SessionKey, string) {
	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		return booking.SessionKey{}, "provider_id must be a valid UUID"
	}
	date, err := time.Parse(time.DateOnly, req.Date)
	if err != nil {
		return booking.SessionKey{}, "date must be YYYY-MM-DD"
	}
	if req.LocationKey == "" {
		return booking.SessionKey{}, "location_key is required"
	}
	return booking.SessionKey{
		ProviderID:  providerID,
		Date:        date,
		Modality:    booking.Modality(req.Modality),
		TimeBand:    booking.TimeBand(req.TimeBand),
		LocationKey: req.LocationKey,
	}, ""
}

func expandSessionHandler(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExpandSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		key, problem := parseSessionKey(req.SessionKeyRequest)
		if problem != "" {
			writeError(w, http.StatusBadRequest, "invalid_session_key", problem)
			return
		}

		result, err := svc.Expand(r.Context(), key, req.StartMinute, req.EndMinute)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toResizeResponse(result))
	}
}

func shrinkSessionHandler(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ShrinkSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		key, problem := parseSessionKey(req.SessionKeyRequest)
		if problem != "" {
			writeError(w, http.StatusBadRequest, "invalid_session_key", problem)
			return
		}

		strategy, err := sess.ParseStrategy(req.Strategy)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		result, err := svc.Shrink(r.Context(), key, req.StartMinute, req.EndMinute, strategy)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toResizeResponse(result))
	}
}

func updateCapacityHandler(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateCapacityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		key, problem := parseSessionKey(req.SessionKeyRequest)
		if problem != "" {
			writeError(w, http.StatusBadRequest, "invalid_session_key", problem)
			return
		}

		strategy, err := sess.ParseStrategy(req.Strategy)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		result, err := svc.UpdateCapacity(r.Context(), key, req.Capacity, strategy)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toResizeResponse(result))
	}
}
