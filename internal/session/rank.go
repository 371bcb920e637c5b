package session

import (
	"fmt"
	"sort"

	"github.com/clinicore/booking-engine/internal/booking"
)

// Strategy selects how relocation candidates are ranked for a displaced
// appointment. Both strategies share the same offer-group mechanics.
type Strategy string

const (
	// StrategyWave pools appointments into session waves: candidates in the
	// same time band come first, widest headroom first, then chronological.
	StrategyWave Strategy = "WAVE"
	// StrategyStream keeps the patient's day shape: candidates closest in
	// absolute time to the original slot come first.
	StrategyStream Strategy = "STREAM"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyWave, StrategyStream:
		return Strategy(s), nil
	case "":
		return StrategyWave, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", booking.ErrValidation, s)
	}
}

// rankCandidates orders forward-only candidates by the strategy's preference.
// The input slice is not modified.
func rankCandidates(strategy Strategy, origin *booking.Slot, originBand booking.TimeBand, cands []booking.CandidateSlot) []booking.CandidateSlot {
	ranked := make([]booking.CandidateSlot, len(cands))
	copy(ranked, cands)

	switch strategy {
	case StrategyStream:
		sort.SliceStable(ranked, func(i, j int) bool {
			di := timeDistance(origin, &ranked[i].Slot)
			dj := timeDistance(origin, &ranked[j].Slot)
			if di != dj {
				return di < dj
			}
			return chronoLess(&ranked[i].Slot, &ranked[j].Slot)
		})
	default: // WAVE
		sort.SliceStable(ranked, func(i, j int) bool {
			si, sj := &ranked[i], &ranked[j]
			bi, bj := si.TimeBand == originBand, sj.TimeBand == originBand
			if bi != bj {
				return bi
			}
			hi := si.Capacity - si.BookedCount
			hj := sj.Capacity - sj.BookedCount
			if hi != hj {
				return hi > hj
			}
			return chronoLess(&si.Slot, &sj.Slot)
		})
	}
	return ranked
}

// timeDistance is the absolute distance in minutes between two slot starts,
// day difference included.
func timeDistance(a, b *booking.Slot) int {
	days := int(b.Date.Sub(a.Date).Hours() / 24)
	d := days*24*60 + b.StartMinute - a.StartMinute
	if d < 0 {
		return -d
	}
	return d
}

func chronoLess(a, b *booking.Slot) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	return a.StartMinute < b.StartMinute
}
