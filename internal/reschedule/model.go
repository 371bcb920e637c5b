package reschedule

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type GroupStatus string

const (
	GroupPending   GroupStatus = "PENDING"
	GroupAccepted  GroupStatus = "ACCEPTED"
	GroupDeclined  GroupStatus = "DECLINED"
	GroupExpired   GroupStatus = "EXPIRED"
	GroupAutoMoved GroupStatus = "AUTO_MOVED"
)

type OfferStatus string

const (
	OfferPending   OfferStatus = "PENDING"
	OfferAccepted  OfferStatus = "ACCEPTED"
	OfferDeclined  OfferStatus = "DECLINED"
	OfferExpired   OfferStatus = "EXPIRED"
	OfferAutoMoved OfferStatus = "AUTO_MOVED"
)

// MaxCandidates bounds how many alternative slots one group may carry.
const MaxCandidates = 3

// OfferGroup is the unit of one displacement event: the candidates proposed
// to relocate one appointment plus a deterministic fallback. A group is
// finalized exactly once, by the patient or by the auto-move reconciler.
type OfferGroup struct {
	ID             uuid.UUID
	AppointmentID  uuid.UUID
	PatientID      uuid.UUID
	ProviderID     uuid.UUID
	FallbackSlotID uuid.UUID
	ExpiresAt      time.Time
	Status         GroupStatus
	Reason         *string
	DecidedSlotID  *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the group's decision window has passed.
func (g *OfferGroup) Expired(now time.Time) bool {
	return !g.ExpiresAt.After(now)
}

// Offer is one candidate slot within a group. Rank fixes the order the
// reconciler walks when auto-moving.
type Offer struct {
	ID        uuid.UUID
	GroupID   uuid.UUID
	SlotID    uuid.UUID
	Rank      int
	Status    OfferStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	ErrNoActiveGroup        = errors.New("no active offer group for appointment")
	ErrDuplicateActiveGroup = errors.New("an active offer group already exists for this appointment")
	ErrGroupFinalized       = errors.New("offer group was already finalized")
	ErrGroupExpired         = errors.New("offer group has expired")
	ErrOfferNotFound        = errors.New("chosen slot is not a pending offer of this group")
	ErrCandidateCount       = errors.New("a group carries between one and three candidate slots")
)
