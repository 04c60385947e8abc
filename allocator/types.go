package allocator

import (
	"time"

	"gpu-allocator/models"

	"github.com/shopspring/decimal"
)

// ResourceSpec describes a resource to register.
type ResourceSpec struct {
	Name     string
	Type     string
	MemoryMB int64
	// Initial descriptive readings; unset fields stay unset.
	Telemetry  models.Telemetry
	ErrorCount *int64
}

// ResourceChanges is a partial update of a resource. Status is not part of
// it: status is owned by the reservation and usage lifecycle.
type ResourceChanges struct {
	Name       *string
	Type       *string
	MemoryMB   *int64
	Telemetry  models.Telemetry
	ErrorCount *int64
}

// ResourceState is the allocation view of a resource.
type ResourceState struct {
	ResourceID    string                `json:"gpu_instance_id"`
	Name          string                `json:"gpu_instance_name"`
	Status        models.ResourceStatus `json:"status"`
	ReservationID string                `json:"booking_id,omitempty"`
	UsageID       string                `json:"usage_id,omitempty"`
}

// RequesterChanges is a partial update of a requester.
type RequesterChanges struct {
	Username *string
	Email    *string
}

// ReservationChanges is a partial update of a reservation. Only the
// resource and the end of the window can change.
type ReservationChanges struct {
	ResourceID *string
	EndTime    *time.Time
}

// QueuePlacement is a queue entry and its 1-based rank among PENDING
// entries. Position is 0 for entries in a terminal state.
type QueuePlacement struct {
	Entry    *models.QueueEntry `json:"queue_entry"`
	Position int                `json:"position"`
	// Created is false when Join returned an existing PENDING entry.
	Created bool `json:"-"`
}

// MovePosition is where Move places a queue entry.
type MovePosition string

const (
	MoveFront MovePosition = "front"
	MoveBack  MovePosition = "back"
)

// ParseMovePosition validates a position token.
func ParseMovePosition(s string) (MovePosition, error) {
	switch p := MovePosition(s); p {
	case MoveFront, MoveBack:
		return p, nil
	}
	return "", newError(KindInvalidArgument, "invalid position %q, want %q or %q", s, MoveFront, MoveBack)
}

// UsageReport aggregates the usage sessions of one resource that started
// inside a trailing window.
type UsageReport struct {
	ResourceID        string           `json:"gpu_id"`
	ResourceName      string           `json:"gpu_name"`
	From              time.Time        `json:"from"`
	To                time.Time        `json:"to"`
	Sessions          int              `json:"sessions"`
	OpenSessions      int              `json:"open_sessions"`
	TotalUsageSeconds int64            `json:"total_usage_seconds"`
	AverageUtil       decimal.Decimal  `json:"average_utilization_percentage"`
	AverageLoad       decimal.Decimal  `json:"average_load_percentage"`
	PeakMemoryMB      int64            `json:"peak_memory_usage_mb"`
	ResourceTelemetry models.Telemetry `json:"resource_telemetry"`
}
