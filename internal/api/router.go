package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clinicore/booking-engine/internal/booking"
	"github.com/clinicore/booking-engine/internal/reschedule"
	sess "github.com/clinicore/booking-engine/internal/session"
	"github.com/clinicore/booking-engine/pkg/logging"
)

// BookingService is the slice of the booking engine the transport needs.
type BookingService interface {
	Book(ctx context.Context, patientID, slotID uuid.UUID, note *string) (*booking.Appointment, error)
	Confirm(ctx context.Context, doctorID, appointmentID uuid.UUID) (*booking.Appointment, error)
	CancelByPatient(ctx context.Context, patientID, appointmentID uuid.UUID, reason *string) (*booking.Appointment, error)
	CancelByDoctor(ctx context.Context, doctorID, appointmentID uuid.UUID, reason *string) (*booking.Appointment, error)
	DeleteByPatient(ctx context.Context, patientID, appointmentID uuid.UUID) error
	GetAppointment(ctx context.Context, id uuid.UUID) (*booking.AppointmentDetail, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]booking.AppointmentDetail, error)
}

type SessionService interface {
	Expand(ctx context.Context, key booking.SessionKey, newStart, newEnd int) (*sess.Result, error)
	Shrink(ctx context.Context, key booking.SessionKey, newStart, newEnd int, strategy sess.Strategy) (*sess.Result, error)
	UpdateCapacity(ctx context.Context, key booking.SessionKey, newCapacity int, strategy sess.Strategy) (*sess.Result, error)
}

type OfferService interface {
	GetPendingOffers(ctx context.Context, appointmentID uuid.UUID, patientID *uuid.UUID) (*reschedule.PendingOffers, error)
	Accept(ctx context.Context, appointmentID, patientID, chosenSlotID uuid.UUID) (*reschedule.OfferGroup, error)
	Decline(ctx context.Context, appointmentID, patientID uuid.UUID) (*reschedule.OfferGroup, error)
}

type RouterConfig struct {
	Bookings BookingService
	Sessions SessionService
	Offers   OfferService
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Logger   *logging.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/slots/{id}/book", bookSlotHandler(cfg.Bookings))

	r.Get("/appointments", listAppointmentsHandler(cfg.Bookings))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Bookings))
	r.Post("/appointments/{id}/confirm", confirmAppointmentHandler(cfg.Bookings))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Bookings))
	r.Post("/appointments/{id}/cancel-by-doctor", cancelByDoctorHandler(cfg.Bookings))
	r.Delete("/appointments/{id}", deleteAppointmentHandler(cfg.Bookings))

	r.Get("/appointments/{id}/offers", getPendingOffersHandler(cfg.Offers))
	r.Post("/appointments/{id}/offers/accept", acceptOfferHandler(cfg.Offers))
	r.Post("/appointments/{id}/offers/decline", declineOfferHandler(cfg.Offers))

	r.Post("/sessions/expand", expandSessionHandler(cfg.Sessions))
	r.Post("/sessions/shrink", shrinkSessionHandler(cfg.Sessions))
	r.Post("/sessions/capacity", updateCapacityHandler(cfg.Sessions))

	return r
}
