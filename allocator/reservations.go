package allocator

import (
	"context"
	"errors"
	"time"

	"gpu-allocator/metrics"
	"gpu-allocator/models"
	"gpu-allocator/store"

	"github.com/rs/zerolog/log"
)

const (
	// MaxCancelledListing caps ListCancelled.
	MaxCancelledListing = 100
)

// Reservations creates, cancels and updates time-bounded claims on
// resources. For any resource the non-cancelled reservations never overlap.
type Reservations struct {
	*core
}

func validateInterval(iv models.Interval, now time.Time) error {
	if !iv.Valid() {
		return newError(KindInvalidInterval, "start time %s must be before end time %s", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
	}
	if iv.Start.Before(now) {
		return newError(KindInvalidInterval, "start time %s is in the past", iv.Start.Format(time.RFC3339))
	}
	return nil
}

// checkOverlap fails with Conflict if a non-cancelled reservation on
// resourceID, other than excludeID, intersects iv.
func checkOverlap(tx store.Tx, resourceID, excludeID string, iv models.Interval) error {
	clash, err := tx.QueryReservations(store.ReservationFilter{
		ResourceID:  resourceID,
		ExcludeID:   excludeID,
		Cancelled:   store.Bool(false),
		Overlapping: &iv,
		Limit:       1,
	})
	if err != nil {
		return internal(err, "query overlapping reservations of resource %q", resourceID)
	}
	if len(clash) > 0 {
		c := clash[0]
		return newError(KindConflict, "resource %q is reserved from %s to %s by reservation %q", resourceID,
			c.StartTime.Format(time.RFC3339), c.EndTime.Format(time.RFC3339), c.ID)
	}
	return nil
}

func reservationResult(err error) string {
	switch KindOf(err) {
	case KindConflict:
		return "conflict"
	case KindResourceUnavailable:
		return "unavailable"
	case KindInvalidInterval, KindInvalidArgument, KindNotFound, KindInvalidTransition:
		return "invalid"
	}
	return "error"
}

// Book reserves resourceID for requesterID over [start, end).
//
// The resource row is locked for the whole check-then-write sequence, so
// of any number of concurrent bookings for one free window exactly one
// succeeds. An overlap is reported as Conflict before the status check so
// the caller learns which window is taken.
func (r *Reservations) Book(ctx context.Context, requesterID, resourceID string, start, end time.Time) (*models.Reservation, error) {
	began := time.Now()
	iv := models.Interval{Start: start.UTC(), End: end.UTC()}

	var out *models.Reservation
	var dequeued bool
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		now := r.clock()
		res, err := tx.LockResource(resourceID)
		if err != nil {
			return notFound(err, "resource", resourceID)
		}
		if err := validateInterval(iv, now); err != nil {
			return err
		}
		if _, err := tx.GetRequester(requesterID); err != nil {
			return notFound(err, "requester", requesterID)
		}
		if err := checkOverlap(tx, resourceID, "", iv); err != nil {
			return err
		}
		if _, err := refreshStatus(tx, res, now); err != nil {
			return err
		}
		if res.Status != models.StatusAvailable {
			return newError(KindResourceUnavailable, "resource %q is %s", resourceID, res.Status)
		}

		rv := &models.Reservation{
			ID:          newID(),
			RequesterID: requesterID,
			ResourceID:  resourceID,
			StartTime:   iv.Start,
			EndTime:     iv.End,
			CreatedAt:   now,
		}
		if err := tx.CreateReservation(rv); err != nil {
			return internal(err, "create reservation on resource %q", resourceID)
		}
		if _, err := refreshStatus(tx, res, now); err != nil {
			return err
		}
		if dequeued, err = allocatePendingEntry(tx, requesterID); err != nil {
			return err
		}
		out = rv
		return nil
	})
	metrics.BookingDuration.Observe(time.Since(began).Seconds())
	if err != nil {
		metrics.ReservationsTotal.WithLabelValues(reservationResult(err)).Inc()
		log.Info().Err(err).Str("resourceId", resourceID).Str("requesterId", requesterID).Msg("reservations: booking rejected")
		return nil, err
	}
	metrics.ReservationsTotal.WithLabelValues("booked").Inc()
	if dequeued {
		r.refreshPending(ctx)
	}
	log.Info().Str("reservationId", out.ID).Str("resourceId", resourceID).Str("requesterId", requesterID).
		Time("start", out.StartTime).Time("end", out.EndTime).Dur("duration", time.Since(began)).Msg("reservations: resource booked")
	return out, nil
}

// lockReservation locks the resource the reservation sits on together with
// extra, in id order, and only then the reservation row itself. Every writer
// of a reservation holds its resource lock, so the row read here is current.
// A resource that no longer exists is skipped; a missing extra resource is
// NotFound.
func lockReservation(tx store.Tx, id string, extra ...string) (*models.Reservation, map[string]*models.Resource, error) {
	peek, err := tx.GetReservation(id)
	if err != nil {
		return nil, nil, notFound(err, "reservation", id)
	}
	ids := append([]string(nil), extra...)
	switch _, err := tx.GetResource(peek.ResourceID); {
	case err == nil:
		ids = append(ids, peek.ResourceID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, nil, internal(err, "load resource %q", peek.ResourceID)
	}
	locked, err := lockResources(tx, ids...)
	if err != nil {
		return nil, nil, err
	}
	rv, err := tx.LockReservation(id)
	if err != nil {
		return nil, nil, notFound(err, "reservation", id)
	}
	if _, ok := locked[rv.ResourceID]; !ok {
		// Moved between the read and the lock. The reservation row is held
		// now, so its resource cannot change again.
		res, err := tx.LockResource(rv.ResourceID)
		switch {
		case err == nil:
			locked[rv.ResourceID] = res
		case !errors.Is(err, store.ErrNotFound):
			return nil, nil, internal(err, "lock resource %q", rv.ResourceID)
		}
	}
	return rv, locked, nil
}

// Cancel soft-deletes a reservation, stops any session still running under
// it and releases the resource.
func (r *Reservations) Cancel(ctx context.Context, id string) (*models.Reservation, error) {
	var (
		out   *models.Reservation
		freed bool
	)
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		rv, locked, err := lockReservation(tx, id)
		if err != nil {
			return err
		}
		if rv.IsCancelled {
			return newError(KindAlreadyCancelled, "reservation %q was cancelled at %s", id, rv.CancelledAt.Format(time.RFC3339))
		}
		res := locked[rv.ResourceID]

		now := r.clock()
		rv.IsCancelled = true
		rv.CancelledAt = &now
		if err := tx.UpdateReservation(rv); err != nil {
			return internal(err, "cancel reservation %q", id)
		}
		open, err := tx.QueryUsage(store.UsageFilter{ReservationID: id, Open: store.Bool(true)})
		if err != nil {
			return internal(err, "query usage of reservation %q", id)
		}
		for _, u := range open {
			if err := closeUsage(tx, u, now); err != nil {
				return err
			}
		}
		if res != nil {
			if freed, err = refreshStatus(tx, res, now); err != nil {
				return err
			}
		}
		out = rv
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ReservationsTotal.WithLabelValues("cancelled").Inc()
	log.Info().Str("reservationId", id).Str("resourceId", out.ResourceID).Msg("reservations: reservation cancelled")
	if freed {
		r.notifyFreed(ctx, out.ResourceID)
	}
	return out, nil
}

// Update moves a reservation to another resource and/or changes its end.
// Whatever changes is validated as Book would; shrinking the window or a
// no-op change is accepted without an overlap check.
func (r *Reservations) Update(ctx context.Context, id string, ch ReservationChanges) (*models.Reservation, error) {
	var (
		out   *models.Reservation
		freed []string
	)
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		var extra []string
		if ch.ResourceID != nil {
			extra = append(extra, *ch.ResourceID)
		}
		rv, locked, err := lockReservation(tx, id, extra...)
		if err != nil {
			return err
		}
		if rv.IsCancelled {
			return newError(KindInvalidTransition, "reservation %q is cancelled", id)
		}
		now := r.clock()

		newEnd := rv.EndTime
		if ch.EndTime != nil {
			newEnd = ch.EndTime.UTC()
			if !rv.StartTime.Before(newEnd) {
				return newError(KindInvalidInterval, "end time %s must be after start time %s", newEnd.Format(time.RFC3339), rv.StartTime.Format(time.RFC3339))
			}
			if !newEnd.After(now) {
				return newError(KindInvalidInterval, "end time %s is in the past", newEnd.Format(time.RFC3339))
			}
		}
		iv := models.Interval{Start: rv.StartTime, End: newEnd}
		oldResource := rv.ResourceID

		if ch.ResourceID != nil && *ch.ResourceID != oldResource {
			target := *ch.ResourceID
			open, err := tx.QueryUsage(store.UsageFilter{ReservationID: id, Open: store.Bool(true)})
			if err != nil {
				return internal(err, "query usage of reservation %q", id)
			}
			if len(open) > 0 {
				return newError(KindInvalidTransition, "reservation %q has a running usage session %q", id, open[0].ID)
			}
			newRes, oldRes := locked[target], locked[oldResource]
			if err := checkOverlap(tx, target, id, iv); err != nil {
				return err
			}
			if _, err := refreshStatus(tx, newRes, now); err != nil {
				return err
			}
			if newRes.Status != models.StatusAvailable {
				return newError(KindResourceUnavailable, "resource %q is %s", target, newRes.Status)
			}
			rv.ResourceID = target
			rv.EndTime = newEnd
			if err := tx.UpdateReservation(rv); err != nil {
				return internal(err, "update reservation %q", id)
			}
			if _, err := refreshStatus(tx, newRes, now); err != nil {
				return err
			}
			if oldRes != nil {
				ok, err := refreshStatus(tx, oldRes, now)
				if err != nil {
					return err
				}
				if ok {
					freed = append(freed, oldResource)
				}
			}
			out = rv
			return nil
		}

		if newEnd.After(rv.EndTime) {
			if locked[oldResource] == nil {
				return newError(KindNotFound, "resource %q not found", oldResource)
			}
			if err := checkOverlap(tx, oldResource, id, iv); err != nil {
				return err
			}
		}
		rv.EndTime = newEnd
		if err := tx.UpdateReservation(rv); err != nil {
			return internal(err, "update reservation %q", id)
		}
		out = rv
		return nil
	})
	if err != nil {
		metrics.ReservationsTotal.WithLabelValues(reservationResult(err)).Inc()
		return nil, err
	}
	metrics.ReservationsTotal.WithLabelValues("updated").Inc()
	log.Info().Str("reservationId", id).Str("resourceId", out.ResourceID).Time("end", out.EndTime).Msg("reservations: reservation updated")
	r.notifyFreed(ctx, freed...)
	return out, nil
}

func (r *Reservations) Get(ctx context.Context, id string) (*models.Reservation, error) {
	var out *models.Reservation
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		rv, err := tx.GetReservation(id)
		if err != nil {
			return notFound(err, "reservation", id)
		}
		out = rv
		return nil
	})
	return out, err
}

// ListActive returns non-cancelled reservations that have not ended yet,
// ordered by start time.
func (r *Reservations) ListActive(ctx context.Context) ([]*models.Reservation, error) {
	return r.query(ctx, store.ReservationFilter{Cancelled: store.Bool(false), EndsAfter: r.clock()})
}

// ListCancelled returns cancelled reservations, newest cancellation first.
// limit is clamped to [1, MaxCancelledListing]; zero or less means the cap.
func (r *Reservations) ListCancelled(ctx context.Context, limit int) ([]*models.Reservation, error) {
	if limit <= 0 || limit > MaxCancelledListing {
		limit = MaxCancelledListing
	}
	return r.query(ctx, store.ReservationFilter{Cancelled: store.Bool(true), Order: store.OrderByCancelledDesc, Limit: limit})
}

// ListForRequester returns every reservation of a requester.
func (r *Reservations) ListForRequester(ctx context.Context, requesterID string) ([]*models.Reservation, error) {
	return r.query(ctx, store.ReservationFilter{RequesterID: requesterID})
}

func (r *Reservations) query(ctx context.Context, f store.ReservationFilter) ([]*models.Reservation, error) {
	var out []*models.Reservation
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		all, err := tx.QueryReservations(f)
		if err != nil {
			return internal(err, "query reservations")
		}
		out = all
		return nil
	})
	return out, err
}
