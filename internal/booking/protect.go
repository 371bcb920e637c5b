package booking

import "time"

// IsProtected reports whether an appointment is frozen against modification.
//
// Hard freeze: IN_PROGRESS and COMPLETED appointments are always protected.
// Buffer freeze: an appointment whose slot starts today (in loc) within
// bufferMinutes of now is protected. Only same-day slots are buffer-checked;
// a slot dated tomorrow at minute 0 is never buffer-protected however close
// to midnight now is.
func IsProtected(status AppointmentStatus, slotDate time.Time, startMinute int, now time.Time, loc *time.Location, bufferMinutes int) bool {
	if status == StatusInProgress || status == StatusCompleted {
		return true
	}

	// slotDate is date-only; compare calendar days without shifting it
	// through a timezone conversion.
	nowLocal := now.In(loc)
	if slotDate.Format(time.DateOnly) != nowLocal.Format(time.DateOnly) {
		return false
	}

	minutesNow := nowLocal.Hour()*60 + nowLocal.Minute()
	return startMinute <= minutesNow+bufferMinutes
}

// AssertNotProtected returns a ProtectedError naming the specific freeze
// reason. Every path that can move or displace an appointment must call this
// before mutating.
func AssertNotProtected(status AppointmentStatus, slotDate time.Time, startMinute int, now time.Time, loc *time.Location, bufferMinutes int) error {
	if status == StatusInProgress || status == StatusCompleted {
		return &ProtectedError{Reason: ProtectedByStatus, Status: status}
	}
	if IsProtected(status, slotDate, startMinute, now, loc, bufferMinutes) {
		return &ProtectedError{Reason: ProtectedByBuffer, Status: status}
	}
	return nil
}
