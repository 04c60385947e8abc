package models

import "time"

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the interval is non-empty.
func (i Interval) Valid() bool {
	return i.Start.Before(i.End)
}

// Overlaps reports whether [s1,e1) and [s2,e2) intersect: s1 < e2 and s2 < e1.
// Touching intervals do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// DeriveStatus computes the status a resource should carry given its
// current (possibly stale) status, the reservations and usage records that
// reference it, and the current time.
//
// MAINTENANCE is an administrative override and always wins. A running
// usage session means IN_USE. A reservation that is neither cancelled,
// expired nor consumed by a stopped session means BOOKED.
func DeriveStatus(current ResourceStatus, reservations []*Reservation, usage []*UsageRecord, now time.Time) ResourceStatus {
	if current == StatusMaintenance {
		return StatusMaintenance
	}
	consumed := make(map[string]bool)
	for _, u := range usage {
		if u.Open() {
			return StatusInUse
		}
		consumed[u.ReservationID] = true
	}
	for _, r := range reservations {
		if r.Active(now) && !consumed[r.ID] {
			return StatusBooked
		}
	}
	return StatusAvailable
}
