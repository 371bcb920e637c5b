package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/booking-engine/internal/booking"
)

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("WAVE")
	require.NoError(t, err)
	assert.Equal(t, StrategyWave, s)

	s, err = ParseStrategy("STREAM")
	require.NoError(t, err)
	assert.Equal(t, StrategyStream, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyWave, s)

	_, err = ParseStrategy("wave")
	assert.ErrorIs(t, err, booking.ErrValidation)
}

func candidate(date time.Time, start, capacity, booked int, band booking.TimeBand) booking.CandidateSlot {
	return booking.CandidateSlot{
		Slot: booking.Slot{
			ID:          uuid.New(),
			Date:        date,
			StartMinute: start,
			EndMinute:   start + 15,
			Capacity:    capacity,
			BookedCount: booked,
			Status:      booking.SlotAvailable,
		},
		TimeBand: band,
	}
}

func TestWaveRankingPrefersSameBandThenHeadroom(t *testing.T) {
	day := time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC)
	origin := &booking.Slot{Date: day, StartMinute: 600, EndMinute: 615}

	otherBand := candidate(day, 605, 5, 0, booking.BandAfternoon)   // most headroom, wrong band
	narrow := candidate(day, 615, 2, 1, booking.BandMorning)        // same band, headroom 1
	roomy := candidate(day, 700, 4, 1, booking.BandMorning)         // same band, headroom 3
	roomyLater := candidate(day, 720, 4, 1, booking.BandMorning)    // ties roomy, later start

	ranked := rankCandidates(StrategyWave, origin, booking.BandMorning,
		[]booking.CandidateSlot{otherBand, narrow, roomyLater, roomy})

	require.Len(t, ranked, 4)
	assert.Equal(t, roomy.ID, ranked[0].ID)
	assert.Equal(t, roomyLater.ID, ranked[1].ID)
	assert.Equal(t, narrow.ID, ranked[2].ID)
	assert.Equal(t, otherBand.ID, ranked[3].ID)
}

func TestStreamRankingPrefersNearestTime(t *testing.T) {
	day := time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC)
	origin := &booking.Slot{Date: day, StartMinute: 600, EndMinute: 615}

	sameDayNear := candidate(day, 615, 1, 0, booking.BandAfternoon)
	sameDayFar := candidate(day, 780, 1, 0, booking.BandMorning)
	nextDay := candidate(day.AddDate(0, 0, 1), 600, 1, 0, booking.BandMorning)

	ranked := rankCandidates(StrategyStream, origin, booking.BandMorning,
		[]booking.CandidateSlot{nextDay, sameDayFar, sameDayNear})

	require.Len(t, ranked, 3)
	assert.Equal(t, sameDayNear.ID, ranked[0].ID)
	assert.Equal(t, sameDayFar.ID, ranked[1].ID)
	assert.Equal(t, nextDay.ID, ranked[2].ID)
}

func TestRankCandidatesDoesNotMutateInput(t *testing.T) {
	day := time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC)
	origin := &booking.Slot{Date: day, StartMinute: 600}

	a := candidate(day, 700, 1, 0, booking.BandMorning)
	b := candidate(day, 615, 1, 0, booking.BandMorning)
	in := []booking.CandidateSlot{a, b}

	_ = rankCandidates(StrategyStream, origin, booking.BandMorning, in)
	assert.Equal(t, a.ID, in[0].ID)
	assert.Equal(t, b.ID, in[1].ID)
}
