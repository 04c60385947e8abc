package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInterval_Overlaps(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	at := func(h float64) time.Time { return base.Add(time.Duration(h * float64(time.Hour))) }

	tests := []struct {
		name string
		a, b Interval
		want bool
	}{
		{"disjoint", Interval{at(0), at(1)}, Interval{at(2), at(3)}, false},
		{"touching end to start", Interval{at(0), at(1)}, Interval{at(1), at(2)}, false},
		{"touching start to end", Interval{at(1), at(2)}, Interval{at(0), at(1)}, false},
		{"partial overlap", Interval{at(1), at(2)}, Interval{at(1.5), at(2.5)}, true},
		{"contained", Interval{at(0), at(4)}, Interval{at(1), at(2)}, true},
		{"identical", Interval{at(1), at(2)}, Interval{at(1), at(2)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(tt.a), "overlap must be symmetric")
		})
	}
}

func TestInterval_Valid(t *testing.T) {
	now := time.Now()
	assert.True(t, Interval{now, now.Add(time.Minute)}.Valid())
	assert.False(t, Interval{now, now}.Valid())
	assert.False(t, Interval{now.Add(time.Minute), now}.Valid())
}

func TestDeriveStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	stopped := now.Add(-time.Minute)
	active := &Reservation{ID: "r1", StartTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour)}
	expired := &Reservation{ID: "r2", StartTime: now.Add(-2 * time.Hour), EndTime: now.Add(-time.Hour)}
	cancelled := &Reservation{ID: "r3", StartTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour), IsCancelled: true}

	tests := []struct {
		name         string
		current      ResourceStatus
		reservations []*Reservation
		usage        []*UsageRecord
		want         ResourceStatus
	}{
		{"nothing", StatusBooked, nil, nil, StatusAvailable},
		{"maintenance wins", StatusMaintenance, []*Reservation{active}, nil, StatusMaintenance},
		{"active reservation", StatusAvailable, []*Reservation{active}, nil, StatusBooked},
		{"expired reservation", StatusBooked, []*Reservation{expired}, nil, StatusAvailable},
		{"cancelled reservation", StatusBooked, []*Reservation{cancelled}, nil, StatusAvailable},
		{"open usage", StatusBooked, []*Reservation{active}, []*UsageRecord{{ReservationID: "r1"}}, StatusInUse},
		{"consumed reservation", StatusInUse, []*Reservation{active}, []*UsageRecord{{ReservationID: "r1", EndTime: &stopped}}, StatusAvailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.current, tt.reservations, tt.usage, now))
		})
	}
}

func TestQueueEntry_Before(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	a := &QueueEntry{ID: "a", OrderKey: 1, RequestedAt: t0.Add(time.Second)}
	b := &QueueEntry{ID: "b", OrderKey: 2, RequestedAt: t0}
	c := &QueueEntry{ID: "c", OrderKey: 2, RequestedAt: t0}
	d := &QueueEntry{ID: "d", OrderKey: 2, RequestedAt: t0.Add(time.Second)}

	assert.True(t, a.Before(b), "order key decides first")
	assert.True(t, b.Before(c), "id breaks ties")
	assert.True(t, c.Before(d), "requested_at breaks key ties")
	assert.False(t, d.Before(a))
	assert.True(t, QueueAllocated.Terminal())
	assert.False(t, QueuePending.Terminal())
}
