package consult

import (
	"time"

	"github.com/careline/consult/internal/types"
)

const (
	// joinLeadTime is how long before the scheduled start participants
	// may enter a live session.
	joinLeadTime = 15 * time.Minute
	// sessionWindow is how long after the scheduled start the session
	// stays live. Both sides keep access for the full window.
	sessionWindow = 60 * time.Minute
)

func statusConfirmed(s types.AppointmentStatus) bool {
	switch s {
	case types.StatusConfirmed, types.StatusApproved, types.StatusAccepted:
		return true
	}
	return false
}

// IsLive reports whether the appointment's real-time session is open at
// the given instant. The window runs from fifteen minutes before the
// scheduled start to sixty minutes after it, and only for appointments
// in a confirmed state.
func IsLive(appt types.Appointment, now time.Time) bool {
	if !statusConfirmed(appt.Status) {
		return false
	}

	opens := appt.ScheduledAt.Add(-joinLeadTime)
	closes := appt.ScheduledAt.Add(sessionWindow)
	return !now.Before(opens) && !now.After(closes)
}

type LiveStatus struct {
	Live            bool   `json:"live"`
	Reason          string `json:"reason,omitempty"`
	StartsInSeconds int64  `json:"starts_in_seconds,omitempty"`
}

// CheckLive explains the gate decision for status endpoints. StartsInSeconds
// is only set when the window has not opened yet.
func CheckLive(appt types.Appointment, now time.Time) LiveStatus {
	if !statusConfirmed(appt.Status) {
		return LiveStatus{Reason: "not_confirmed"}
	}

	opens := appt.ScheduledAt.Add(-joinLeadTime)
	if now.Before(opens) {
		return LiveStatus{
			Reason:          "too_early",
			StartsInSeconds: int64(opens.Sub(now).Seconds()),
		}
	}

	if now.After(appt.ScheduledAt.Add(sessionWindow)) {
		return LiveStatus{Reason: "ended"}
	}

	return LiveStatus{Live: true}
}
