package models

import "time"

// ResourceStatus is the cached allocation state of a Resource.
type ResourceStatus string

const (
	StatusAvailable   ResourceStatus = "AVAILABLE"
	StatusBooked      ResourceStatus = "BOOKED"
	StatusInUse       ResourceStatus = "IN_USE"
	StatusMaintenance ResourceStatus = "MAINTENANCE"
)

// QueueStatus is the state of an admission queue entry.
// ALLOCATED and CANCELLED are terminal.
type QueueStatus string

const (
	QueuePending   QueueStatus = "PENDING"
	QueueAllocated QueueStatus = "ALLOCATED"
	QueueCancelled QueueStatus = "CANCELLED"
)

// Terminal reports whether no transition may leave s.
func (s QueueStatus) Terminal() bool {
	return s == QueueAllocated || s == QueueCancelled
}

// Requester is someone who books resources or waits in the queue.
type Requester struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null" json:"username"`
	Email     string    `gorm:"uniqueIndex;not null" json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Telemetry holds descriptive GPU metrics. None of it feeds allocation.
type Telemetry struct {
	UtilizationPercentage *float64 `json:"utilization_percentage,omitempty"`
	PeakMemoryMB          *int64   `json:"peak_memory_mb,omitempty"`
	AverageLoadPercentage *float64 `json:"average_load_percentage,omitempty"`
}

// Resource is a single GPU instance with one exclusive occupant at a time.
type Resource struct {
	ID       string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name     string         `gorm:"uniqueIndex;not null" json:"name"`
	Type     string         `gorm:"not null" json:"gpu_type"`
	MemoryMB int64          `gorm:"not null" json:"gpu_memory"`
	Status   ResourceStatus `gorm:"type:varchar(16);not null;index" json:"status"`

	Telemetry  `gorm:"embedded"`
	ErrorCount *int64 `json:"error_count,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// Reservation is a claim on a resource for the half-open interval
// [StartTime, EndTime). Reservations are never hard-deleted.
type Reservation struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RequesterID string     `gorm:"type:varchar(36);not null;index" json:"requester_id"`
	ResourceID  string     `gorm:"type:varchar(36);not null;index:idx_reservation_window" json:"resource_id"`
	StartTime   time.Time  `gorm:"not null;index:idx_reservation_window" json:"start_time"`
	EndTime     time.Time  `gorm:"not null;index:idx_reservation_window" json:"end_time"`
	IsCancelled bool       `gorm:"not null;default:false;index" json:"is_cancelled"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Interval returns the booked window.
func (r *Reservation) Interval() Interval {
	return Interval{Start: r.StartTime, End: r.EndTime}
}

// Active reports whether r still holds its resource at now.
func (r *Reservation) Active(now time.Time) bool {
	return !r.IsCancelled && r.EndTime.After(now)
}

// UsageRecord is an actual consumption session inside a reservation.
type UsageRecord struct {
	ID              string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ResourceID      string     `gorm:"type:varchar(36);not null;index" json:"resource_id"`
	ReservationID   string     `gorm:"type:varchar(36);not null;index" json:"reservation_id"`
	StartTime       time.Time  `gorm:"not null;index" json:"start_time"`
	EndTime         *time.Time `gorm:"index" json:"end_time"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`

	Telemetry `gorm:"embedded"`
}

// Open reports whether the session has not been stopped yet.
func (u *UsageRecord) Open() bool {
	return u.EndTime == nil
}

// QueueEntry is a requester waiting for a resource. Rank among PENDING
// entries is (OrderKey, RequestedAt, ID) ascending.
type QueueEntry struct {
	ID          string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RequesterID string      `gorm:"type:varchar(36);not null;index" json:"requester_id"`
	Status      QueueStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	RequestedAt time.Time   `gorm:"not null" json:"requested_at"`
	OrderKey    int64       `gorm:"not null;index" json:"queue_order"`
}

// Before is the queue comparator.
func (q *QueueEntry) Before(o *QueueEntry) bool {
	if q.OrderKey != o.OrderKey {
		return q.OrderKey < o.OrderKey
	}
	if !q.RequestedAt.Equal(o.RequestedAt) {
		return q.RequestedAt.Before(o.RequestedAt)
	}
	return q.ID < o.ID
}

// QueueBounds tracks the lowest and highest order key ever assigned among
// existing entries. There is exactly one row; join and move lock it.
type QueueBounds struct {
	ID     int   `gorm:"primaryKey" json:"-"`
	MinKey int64 `gorm:"not null" json:"min_key"`
	MaxKey int64 `gorm:"not null" json:"max_key"`
	Empty  bool  `gorm:"not null" json:"empty"`
}

// QueueBoundsID is the primary key of the single QueueBounds row.
const QueueBoundsID = 1
