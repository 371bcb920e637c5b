package booking

import (
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotAvailable   SlotStatus = "AVAILABLE"
	SlotFull        SlotStatus = "FULL"
	SlotUnavailable SlotStatus = "UNAVAILABLE"
)

type AppointmentStatus string

const (
	StatusBooked             AppointmentStatus = "BOOKED"
	StatusConfirmed          AppointmentStatus = "CONFIRMED"
	StatusInProgress         AppointmentStatus = "IN_PROGRESS"
	StatusCompleted          AppointmentStatus = "COMPLETED"
	StatusCancelledByPatient AppointmentStatus = "CANCELLED_BY_PATIENT"
	StatusCancelledByDoctor  AppointmentStatus = "CANCELLED_BY_DOCTOR"
)

// Cancelled reports whether the status is one of the terminal cancelled states.
func (s AppointmentStatus) Cancelled() bool {
	return s == StatusCancelledByPatient || s == StatusCancelledByDoctor
}

type Modality string

const (
	ModalityInPerson Modality = "IN_PERSON"
	ModalityRemote   Modality = "REMOTE"
)

type TimeBand string

const (
	BandMorning   TimeBand = "MORNING"
	BandAfternoon TimeBand = "AFTERNOON"
	BandEvening   TimeBand = "EVENING"
)

type Provider struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionKey identifies at most one session per provider and day.
type SessionKey struct {
	ProviderID  uuid.UUID
	Date        time.Time // day granularity in the reference timezone
	Modality    Modality
	TimeBand    TimeBand
	LocationKey string
}

// Session groups same-day, same-location slots for one provider.
type Session struct {
	ID          uuid.UUID
	ProviderID  uuid.UUID
	Date        time.Time
	StartMinute int
	EndMinute   int
	Modality    Modality
	TimeBand    TimeBand
	LocationKey string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s *Session) Key() SessionKey {
	return SessionKey{
		ProviderID:  s.ProviderID,
		Date:        s.Date,
		Modality:    s.Modality,
		TimeBand:    s.TimeBand,
		LocationKey: s.LocationKey,
	}
}

// Slot is the bookable unit. BookedCount is only ever mutated through the
// store's conditional reserve/release updates.
type Slot struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	ProviderID  uuid.UUID
	Date        time.Time // day granularity
	StartMinute int
	EndMinute   int
	Capacity    int
	BookedCount int
	Status      SlotStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasCapacity reports whether one more booking fits right now.
func (s *Slot) HasCapacity() bool {
	return s.Status == SlotAvailable && s.BookedCount < s.Capacity
}

// Appointment binds one patient to exactly one slot at a time. SlotID is a
// reassignable back-reference, changed only via accepted or auto-moved offers.
type Appointment struct {
	ID           uuid.UUID
	PatientID    uuid.UUID
	ProviderID   uuid.UUID
	SlotID       uuid.UUID
	Status       AppointmentStatus
	CancelReason *string
	Note         *string
	ConfirmedAt  *time.Time
	CancelledAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SessionOverride records why a day's window or capacity differs from the
// rule-generated default. Upserted by resize operations, consulted before any
// fresh slot generation for the same key.
type SessionOverride struct {
	ID          uuid.UUID
	ProviderID  uuid.UUID
	Date        time.Time
	Modality    Modality
	TimeBand    TimeBand
	LocationKey string
	StartMinute *int
	EndMinute   *int
	Capacity    *int
	Reason      *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type AppointmentDetail struct {
	Appointment
	Slot *Slot
}
