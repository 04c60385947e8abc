package queues

import (
	"context"
	"time"
)

const (
	EnvelopeVersion = "1.0"

	TypeBookingResult     = "booking-result"
	TypeResourceAvailable = "resource-available"
)

// BookingRequest asks for a reservation. When ResourceID is empty the
// requester only joins the admission queue.
type BookingRequest struct {
	TicketID    string    `json:"ticketId"`
	RequesterID string    `json:"requesterId"`
	ResourceID  string    `json:"resourceId,omitempty"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
}

type BookingStatus string

const (
	StatusSuccess BookingStatus = "Success"
	StatusFailure BookingStatus = "Failure"
	StatusQueued  BookingStatus = "Queued"
)

type BookingResult struct {
	EnvelopeVersion string        `json:"envelopeVersion"`
	Type            string        `json:"type"`
	TicketID        string        `json:"ticketId"`
	Status          BookingStatus `json:"status"`
	ReservationID   *string       `json:"reservationId,omitempty"`
	QueueEntryID    *string       `json:"queueEntryId,omitempty"`
	QueuePosition   *int          `json:"queuePosition,omitempty"`
	ErrorKind       *string       `json:"errorKind,omitempty"`
	ErrorMessage    *string       `json:"errorMessage,omitempty"`
}

// ResourceAvailable announces that a resource was freed. QueueEntryID and
// RequesterID name the head of the queue, if anyone is waiting.
type ResourceAvailable struct {
	EnvelopeVersion string  `json:"envelopeVersion"`
	Type            string  `json:"type"`
	ResourceID      string  `json:"resourceId"`
	QueueEntryID    *string `json:"queueEntryId,omitempty"`
	RequesterID     *string `json:"requesterId,omitempty"`
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *BookingRequest) error) error
}

type Publisher interface {
	PublishResult(ctx context.Context, res *BookingResult) error
	PublishAvailability(ctx context.Context, ev *ResourceAvailable) error
}
