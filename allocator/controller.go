package allocator

import (
	"context"
	"time"

	"gpu-allocator/metrics"
	"gpu-allocator/queues"

	"github.com/rs/zerolog/log"
)

// Controller turns asynchronous booking requests into reservations and
// publishes one BookingResult per request.
type Controller struct {
	alloc     *Allocator
	publisher queues.Publisher
}

func NewController(a *Allocator, p queues.Publisher) *Controller {
	return &Controller{alloc: a, publisher: p}
}

func (c *Controller) publish(ctx context.Context, res *queues.BookingResult, start time.Time) error {
	duration := time.Since(start)
	metrics.AsyncRequestsTotal.WithLabelValues(string(res.Status)).Inc()
	if err := c.publisher.PublishResult(ctx, res); err != nil {
		log.Error().Err(err).Str("ticketId", res.TicketID).Dur("duration", duration).Msg("controller: failed to publish result")
		return err
	}
	log.Info().Str("ticketId", res.TicketID).Str("status", string(res.Status)).Dur("duration", duration).Msg("controller: booking request handled")
	return nil
}

// publishFailure builds and publishes a failure BookingResult.
func (c *Controller) publishFailure(ctx context.Context, req *queues.BookingRequest, start time.Time, cause error) error {
	kind := string(KindOf(cause))
	message := cause.Error()
	if e, ok := cause.(*Error); ok {
		message = e.Message
	}
	if KindOf(cause) == KindInternal {
		message = "internal error"
	}
	return c.publish(ctx, &queues.BookingResult{
		EnvelopeVersion: queues.EnvelopeVersion,
		Type:            queues.TypeBookingResult,
		TicketID:        req.TicketID,
		Status:          queues.StatusFailure,
		ErrorKind:       &kind,
		ErrorMessage:    &message,
	}, start)
}

// enqueue places the requester in the admission queue and reports the
// position as a Queued result.
func (c *Controller) enqueue(ctx context.Context, req *queues.BookingRequest, start time.Time) error {
	p, err := c.alloc.Queue.Join(ctx, req.RequesterID)
	if err != nil {
		log.Warn().Err(err).Str("ticketId", req.TicketID).Msg("controller: queue join failed")
		return c.publishFailure(ctx, req, start, err)
	}
	pos := p.Position
	return c.publish(ctx, &queues.BookingResult{
		EnvelopeVersion: queues.EnvelopeVersion,
		Type:            queues.TypeBookingResult,
		TicketID:        req.TicketID,
		Status:          queues.StatusQueued,
		QueueEntryID:    &p.Entry.ID,
		QueuePosition:   &pos,
	}, start)
}

// Handle books the requested window. A taken or unavailable resource puts
// the requester in the queue; any other rejection is published as Failure.
// Only a failure to publish is returned, so the message is redelivered.
func (c *Controller) Handle(ctx context.Context, req *queues.BookingRequest) error {
	start := time.Now()
	log.Info().Str("ticketId", req.TicketID).Str("requesterId", req.RequesterID).Str("resourceId", req.ResourceID).Msg("controller: handling booking request")

	if req.ResourceID == "" {
		return c.enqueue(ctx, req, start)
	}

	rv, err := c.alloc.Reservations.Book(ctx, req.RequesterID, req.ResourceID, req.StartTime, req.EndTime)
	switch KindOf(err) {
	case KindConflict, KindResourceUnavailable:
		log.Info().Err(err).Str("ticketId", req.TicketID).Msg("controller: resource taken, queueing requester")
		return c.enqueue(ctx, req, start)
	}
	if err != nil {
		return c.publishFailure(ctx, req, start, err)
	}
	return c.publish(ctx, &queues.BookingResult{
		EnvelopeVersion: queues.EnvelopeVersion,
		Type:            queues.TypeBookingResult,
		TicketID:        req.TicketID,
		Status:          queues.StatusSuccess,
		ReservationID:   &rv.ID,
	}, start)
}
