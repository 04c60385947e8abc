package queues

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogPublisher writes envelopes to the log. It stands in for a topic when
// none is configured.
type LogPublisher struct{}

func (LogPublisher) PublishResult(_ context.Context, res *BookingResult) error {
	ev := log.Info().Str("ticketId", res.TicketID).Str("status", string(res.Status))
	if res.ReservationID != nil {
		ev = ev.Str("reservationId", *res.ReservationID)
	}
	if res.QueuePosition != nil {
		ev = ev.Int("queuePosition", *res.QueuePosition)
	}
	if res.ErrorMessage != nil {
		ev = ev.Str("error", *res.ErrorMessage)
	}
	ev.Msg("queues: booking result")
	return nil
}

func (LogPublisher) PublishAvailability(_ context.Context, a *ResourceAvailable) error {
	ev := log.Info().Str("resourceId", a.ResourceID)
	if a.RequesterID != nil {
		ev = ev.Str("nextRequesterId", *a.RequesterID)
	}
	ev.Msg("queues: resource available")
	return nil
}
