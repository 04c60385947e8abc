// Package store defines the persistence contract the allocation core runs
// against, plus an in-memory implementation.
package store

import (
	"context"
	"errors"
	"time"

	"gpu-allocator/models"
)

var (
	// ErrNotFound is returned when a keyed lookup matches nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a unique column would be violated.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store runs atomic units of work.
type Store interface {
	// Transaction runs fn atomically. If fn returns an error every write
	// made through tx is rolled back and the error is returned unchanged.
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// ReservationOrder selects the sort order of reservation queries.
type ReservationOrder int

const (
	OrderByStart ReservationOrder = iota
	OrderByCancelledDesc
)

// ReservationFilter restricts reservation queries. Zero values do not filter.
type ReservationFilter struct {
	ResourceID  string
	RequesterID string
	ExcludeID   string
	Cancelled   *bool
	// Overlapping keeps reservations whose window intersects [Start, End).
	Overlapping *models.Interval
	// EndsAfter keeps reservations whose end time is after the given instant.
	EndsAfter time.Time
	Order     ReservationOrder
	Limit     int
}

// UsageFilter restricts usage record queries. Results are ordered by start time.
type UsageFilter struct {
	ResourceID    string
	ReservationID string
	Open          *bool
	StartedSince  time.Time
}

// QueueFilter restricts queue entry queries. Results are always in queue
// order: (OrderKey, RequestedAt, ID) ascending.
type QueueFilter struct {
	RequesterID string
	Status      models.QueueStatus
	Limit       int
}

// Tx is the set of operations available inside a transaction. Returned
// entities are copies; mutate them and pass them back to an Update method.
type Tx interface {
	CreateRequester(r *models.Requester) error
	GetRequester(id string) (*models.Requester, error)
	LockRequester(id string) (*models.Requester, error)
	ListRequesters() ([]*models.Requester, error)
	UpdateRequester(r *models.Requester) error
	DeleteRequester(id string) error

	CreateResource(r *models.Resource) error
	GetResource(id string) (*models.Resource, error)
	// LockResource reads a resource and holds a row lock on it until the
	// transaction ends.
	LockResource(id string) (*models.Resource, error)
	ListResources() ([]*models.Resource, error)
	UpdateResource(r *models.Resource) error
	DeleteResource(id string) error

	CreateReservation(r *models.Reservation) error
	GetReservation(id string) (*models.Reservation, error)
	// LockReservation reads a reservation and holds a row lock on it until
	// the transaction ends.
	LockReservation(id string) (*models.Reservation, error)
	UpdateReservation(r *models.Reservation) error
	QueryReservations(f ReservationFilter) ([]*models.Reservation, error)

	CreateUsage(u *models.UsageRecord) error
	GetUsage(id string) (*models.UsageRecord, error)
	LockUsage(id string) (*models.UsageRecord, error)
	UpdateUsage(u *models.UsageRecord) error
	QueryUsage(f UsageFilter) ([]*models.UsageRecord, error)

	CreateQueueEntry(e *models.QueueEntry) error
	GetQueueEntry(id string) (*models.QueueEntry, error)
	LockQueueEntry(id string) (*models.QueueEntry, error)
	UpdateQueueEntry(e *models.QueueEntry) error
	QueryQueue(f QueueFilter) ([]*models.QueueEntry, error)
	// LockQueueBounds reads the queue bounds row, creating it if missing,
	// and holds a lock on it until the transaction ends.
	LockQueueBounds() (*models.QueueBounds, error)
	SaveQueueBounds(b *models.QueueBounds) error
}

// Bool returns a pointer to b, for filter fields.
func Bool(b bool) *bool { return &b }
