package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/booking-engine/internal/booking"
	"github.com/clinicore/booking-engine/internal/reschedule"
	sess "github.com/clinicore/booking-engine/internal/session"
)

type BookSlotRequest struct {
	PatientID string  `json:"patient_id"`
	Note      *string `json:"note,omitempty"`
}

type ConfirmRequest struct {
	ProviderID string `json:"provider_id"`
}

type CancelRequest struct {
	PatientID string  `json:"patient_id"`
	Reason    *string `json:"reason,omitempty"`
}

type CancelByDoctorRequest struct {
	ProviderID string  `json:"provider_id"`
	Reason     *string `json:"reason,omitempty"`
}

type AppointmentResponse struct {
	ID           uuid.UUID  `json:"id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	ProviderID   uuid.UUID  `json:"provider_id"`
	SlotID       uuid.UUID  `json:"slot_id"`
	Status       string     `json:"status"`
	CancelReason *string    `json:"cancel_reason,omitempty"`
	Note         *string    `json:"note,omitempty"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type SlotResponse struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	ProviderID  uuid.UUID `json:"provider_id"`
	Date        string    `json:"date"`
	StartMinute int       `json:"start_minute"`
	EndMinute   int       `json:"end_minute"`
	Capacity    int       `json:"capacity"`
	BookedCount int       `json:"booked_count"`
	Status      string    `json:"status"`
}

type AppointmentDetailResponse struct {
	AppointmentResponse
	Slot *SlotResponse `json:"slot,omitempty"`
}

type SessionKeyRequest struct {
	ProviderID  string `json:"provider_id"`
	Date        string `json:"date"`
	Modality    string `json:"modality"`
	TimeBand    string `json:"time_band"`
	LocationKey string `json:"location_key"`
}

type ExpandSessionRequest struct {
	SessionKeyRequest
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

type ShrinkSessionRequest struct {
	SessionKeyRequest
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Strategy    string `json:"strategy,omitempty"`
}

type UpdateCapacityRequest struct {
	SessionKeyRequest
	Capacity int    `json:"capacity"`
	Strategy string `json:"strategy,omitempty"`
}

type ResizeResponse struct {
	SessionID     uuid.UUID   `json:"session_id"`
	SlotsCreated  int         `json:"slots_created"`
	SlotsRemoved  int         `json:"slots_removed"`
	SlotsRetired  int         `json:"slots_retired"`
	Displaced     int         `json:"displaced"`
	OfferGroupIDs []uuid.UUID `json:"offer_group_ids,omitempty"`
}

type OfferDecisionRequest struct {
	PatientID string `json:"patient_id"`
	SlotID    string `json:"slot_id,omitempty"`
}

type OfferResponse struct {
	SlotID uuid.UUID `json:"slot_id"`
	Rank   int       `json:"rank"`
	Status string    `json:"status"`
}

type OfferGroupResponse struct {
	ID             uuid.UUID  `json:"id"`
	AppointmentID  uuid.UUID  `json:"appointment_id"`
	FallbackSlotID uuid.UUID  `json:"fallback_slot_id"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Status         string     `json:"status"`
	Reason         *string    `json:"reason,omitempty"`
	DecidedSlotID  *uuid.UUID `json:"decided_slot_id,omitempty"`
}

type PendingOffersResponse struct {
	Active bool                `json:"active"`
	Group  *OfferGroupResponse `json:"group,omitempty"`
	Offers []OfferResponse     `json:"offers,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:           a.ID,
		PatientID:    a.PatientID,
		ProviderID:   a.ProviderID,
		SlotID:       a.SlotID,
		Status:       string(a.Status),
		CancelReason: a.CancelReason,
		Note:         a.Note,
		ConfirmedAt:  a.ConfirmedAt,
		CancelledAt:  a.CancelledAt,
		CreatedAt:    a.CreatedAt,
	}
}

func toSlotResponse(s *booking.Slot) *SlotResponse {
	if s == nil {
		return nil
	}
	return &SlotResponse{
		ID:          s.ID,
		SessionID:   s.SessionID,
		ProviderID:  s.ProviderID,
		Date:        s.Date.Format(time.DateOnly),
		StartMinute: s.StartMinute,
		EndMinute:   s.EndMinute,
		Capacity:    s.Capacity,
		BookedCount: s.BookedCount,
		Status:      string(s.Status),
	}
}

func toDetailResponse(d *booking.AppointmentDetail) AppointmentDetailResponse {
	return AppointmentDetailResponse{
		AppointmentResponse: toAppointmentResponse(&d.Appointment),
		Slot:                toSlotResponse(d.Slot),
	}
}

func toResizeResponse(r *sess.Result) ResizeResponse {
	return ResizeResponse{
		SessionID:     r.SessionID,
		SlotsCreated:  r.SlotsCreated,
		SlotsRemoved:  r.SlotsRemoved,
		SlotsRetired:  r.SlotsRetired,
		Displaced:     r.Displaced,
		OfferGroupIDs: r.OfferGroupIDs,
	}
}

func toGroupResponse(g *reschedule.OfferGroup) *OfferGroupResponse {
	if g == nil {
		return nil
	}
	return &OfferGroupResponse{
		ID:             g.ID,
		AppointmentID:  g.AppointmentID,
		FallbackSlotID: g.FallbackSlotID,
		ExpiresAt:      g.ExpiresAt,
		Status:         string(g.Status),
		Reason:         g.Reason,
		DecidedSlotID:  g.DecidedSlotID,
	}
}

func toPendingOffersResponse(p *reschedule.PendingOffers) PendingOffersResponse {
	resp := PendingOffersResponse{
		Active: p.Active,
		Group:  toGroupResponse(p.Group),
	}
	for _, o := range p.Offers {
		resp.Offers = append(resp.Offers, OfferResponse{
			SlotID: o.SlotID,
			Rank:   o.Rank,
			Status: string(o.Status),
		})
	}
	return resp
}
