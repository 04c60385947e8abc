package allocator

import (
	"context"
	"errors"
	"time"

	"gpu-allocator/metrics"
	"gpu-allocator/models"
	"gpu-allocator/store"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// UsageTracker records actual consumption inside reservations.
type UsageTracker struct {
	*core
}

// closeUsage stops u at now. The row is re-read under lock first so that
// telemetry recorded concurrently is kept; a record that is already stopped
// is left alone. On return u holds the stored row.
func closeUsage(tx store.Tx, u *models.UsageRecord, now time.Time) error {
	cur, err := tx.LockUsage(u.ID)
	if err != nil {
		return internal(err, "lock usage %q", u.ID)
	}
	if cur.Open() {
		end := now
		secs := int64(end.Sub(cur.StartTime) / time.Second)
		if secs < 0 {
			secs = 0
		}
		cur.EndTime = &end
		cur.DurationSeconds = &secs
		if err := tx.UpdateUsage(cur); err != nil {
			return internal(err, "stop usage %q", u.ID)
		}
	}
	*u = *cur
	return nil
}

func validatePercentage(name string, v *float64) error {
	if v != nil && (*v < 0 || *v > 100) {
		return newError(KindInvalidArgument, "%s must be within [0, 100], got %v", name, *v)
	}
	return nil
}

func validateTelemetry(t models.Telemetry) error {
	if err := validatePercentage("utilization percentage", t.UtilizationPercentage); err != nil {
		return err
	}
	if err := validatePercentage("average load percentage", t.AverageLoadPercentage); err != nil {
		return err
	}
	if t.PeakMemoryMB != nil && *t.PeakMemoryMB < 0 {
		return newError(KindInvalidArgument, "peak memory must not be negative, got %d", *t.PeakMemoryMB)
	}
	return nil
}

// mergeTelemetry copies the populated fields of src into dst.
func mergeTelemetry(dst *models.Telemetry, src models.Telemetry) {
	if src.UtilizationPercentage != nil {
		dst.UtilizationPercentage = src.UtilizationPercentage
	}
	if src.PeakMemoryMB != nil {
		dst.PeakMemoryMB = src.PeakMemoryMB
	}
	if src.AverageLoadPercentage != nil {
		dst.AverageLoadPercentage = src.AverageLoadPercentage
	}
}

// Start opens a usage session for a reservation on its resource. The
// current time must fall inside the reservation window.
func (u *UsageTracker) Start(ctx context.Context, resourceID, reservationID string) (*models.UsageRecord, error) {
	var out *models.UsageRecord
	err := u.store.Transaction(ctx, func(tx store.Tx) error {
		res, err := tx.LockResource(resourceID)
		if err != nil {
			return notFound(err, "resource", resourceID)
		}
		rv, err := tx.GetReservation(reservationID)
		if err != nil {
			return notFound(err, "reservation", reservationID)
		}
		if rv.ResourceID != resourceID {
			return newError(KindMismatch, "reservation %q is for resource %q, not %q", reservationID, rv.ResourceID, resourceID)
		}
		if rv.IsCancelled {
			return newError(KindInvalidTransition, "reservation %q is cancelled", reservationID)
		}
		open, err := tx.QueryUsage(store.UsageFilter{ResourceID: resourceID, Open: store.Bool(true)})
		if err != nil {
			return internal(err, "query usage of resource %q", resourceID)
		}
		for _, o := range open {
			if o.ReservationID == reservationID {
				return newError(KindAlreadyStarted, "usage %q already running for reservation %q", o.ID, reservationID)
			}
		}
		if len(open) > 0 {
			return newError(KindResourceUnavailable, "resource %q is in use by reservation %q", resourceID, open[0].ReservationID)
		}
		if res.Status == models.StatusMaintenance {
			return newError(KindResourceUnavailable, "resource %q is %s", resourceID, res.Status)
		}
		now := u.clock()
		if now.Before(rv.StartTime) || !now.Before(rv.EndTime) {
			return newError(KindInvalidInterval, "reservation %q window [%s, %s) does not contain the current time", reservationID,
				rv.StartTime.Format(time.RFC3339), rv.EndTime.Format(time.RFC3339))
		}

		rec := &models.UsageRecord{
			ID:            newID(),
			ResourceID:    resourceID,
			ReservationID: reservationID,
			StartTime:     now,
		}
		if err := tx.CreateUsage(rec); err != nil {
			return internal(err, "create usage for reservation %q", reservationID)
		}
		if _, err := refreshStatus(tx, res, now); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.UsageSessionsTotal.WithLabelValues("start").Inc()
	log.Info().Str("usageId", out.ID).Str("resourceId", resourceID).Str("reservationId", reservationID).Msg("usage: tracking started")
	return out, nil
}

// Stop closes a usage session, records its duration and releases the resource.
func (u *UsageTracker) Stop(ctx context.Context, id string) (*models.UsageRecord, error) {
	var (
		out   *models.UsageRecord
		freed bool
	)
	err := u.store.Transaction(ctx, func(tx store.Tx) error {
		peek, err := tx.GetUsage(id)
		if err != nil {
			return notFound(err, "usage record", id)
		}
		// Resource before usage row, the order every writer follows.
		res, err := tx.LockResource(peek.ResourceID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return internal(err, "lock resource %q", peek.ResourceID)
		}
		rec, err := tx.LockUsage(id)
		if err != nil {
			return notFound(err, "usage record", id)
		}
		if !rec.Open() {
			return newError(KindInvalidTransition, "usage %q already stopped at %s", id, rec.EndTime.Format(time.RFC3339))
		}
		now := u.clock()
		if err := closeUsage(tx, rec, now); err != nil {
			return err
		}
		if res != nil {
			if freed, err = refreshStatus(tx, res, now); err != nil {
				return err
			}
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.UsageSessionsTotal.WithLabelValues("stop").Inc()
	log.Info().Str("usageId", id).Str("resourceId", out.ResourceID).Int64("durationSeconds", *out.DurationSeconds).Msg("usage: tracking stopped")
	if freed {
		u.notifyFreed(ctx, out.ResourceID)
	}
	return out, nil
}

// RecordTelemetry stores descriptive metrics on a usage record.
func (u *UsageTracker) RecordTelemetry(ctx context.Context, id string, t models.Telemetry) (*models.UsageRecord, error) {
	if err := validateTelemetry(t); err != nil {
		return nil, err
	}
	var out *models.UsageRecord
	err := u.store.Transaction(ctx, func(tx store.Tx) error {
		rec, err := tx.LockUsage(id)
		if err != nil {
			return notFound(err, "usage record", id)
		}
		mergeTelemetry(&rec.Telemetry, t)
		if err := tx.UpdateUsage(rec); err != nil {
			return internal(err, "update usage %q", id)
		}
		out = rec
		return nil
	})
	return out, err
}

// Get returns one usage record.
func (u *UsageTracker) Get(ctx context.Context, id string) (*models.UsageRecord, error) {
	var out *models.UsageRecord
	err := u.store.Transaction(ctx, func(tx store.Tx) error {
		rec, err := tx.GetUsage(id)
		if err != nil {
			return notFound(err, "usage record", id)
		}
		out = rec
		return nil
	})
	return out, err
}

// ListActive returns the sessions that are still running.
func (u *UsageTracker) ListActive(ctx context.Context) ([]*models.UsageRecord, error) {
	var out []*models.UsageRecord
	err := u.store.Transaction(ctx, func(tx store.Tx) error {
		all, err := tx.QueryUsage(store.UsageFilter{Open: store.Bool(true)})
		if err != nil {
			return internal(err, "query active usage")
		}
		out = all
		return nil
	})
	return out, err
}

// Report aggregates the sessions of a resource that started within the
// trailing window. A window of zero or less uses the configured default.
// Averages only consider sessions that carry the metric and are zero when
// none do.
func (u *UsageTracker) Report(ctx context.Context, resourceID string, window time.Duration) (*UsageReport, error) {
	if window <= 0 {
		window = u.reportWindow
	}
	var out *UsageReport
	err := u.store.Transaction(ctx, func(tx store.Tx) error {
		res, err := tx.GetResource(resourceID)
		if err != nil {
			return notFound(err, "resource", resourceID)
		}
		now := u.clock()
		from := now.Add(-window)
		records, err := tx.QueryUsage(store.UsageFilter{ResourceID: resourceID, StartedSince: from})
		if err != nil {
			return internal(err, "query usage of resource %q", resourceID)
		}
		out = aggregateUsage(records)
		out.ResourceID = res.ID
		out.ResourceName = res.Name
		out.From = from
		out.To = now
		out.ResourceTelemetry = res.Telemetry
		return nil
	})
	return out, err
}

func aggregateUsage(records []*models.UsageRecord) *UsageReport {
	rep := &UsageReport{AverageUtil: decimal.Zero, AverageLoad: decimal.Zero}
	var (
		utilSum, loadSum decimal.Decimal
		utilN, loadN     int64
	)
	for _, r := range records {
		rep.Sessions++
		if r.Open() {
			rep.OpenSessions++
		}
		if r.DurationSeconds != nil {
			rep.TotalUsageSeconds += *r.DurationSeconds
		}
		if r.UtilizationPercentage != nil {
			utilSum = utilSum.Add(decimal.NewFromFloat(*r.UtilizationPercentage))
			utilN++
		}
		if r.AverageLoadPercentage != nil {
			loadSum = loadSum.Add(decimal.NewFromFloat(*r.AverageLoadPercentage))
			loadN++
		}
		if r.PeakMemoryMB != nil && *r.PeakMemoryMB > rep.PeakMemoryMB {
			rep.PeakMemoryMB = *r.PeakMemoryMB
		}
	}
	if utilN > 0 {
		rep.AverageUtil = utilSum.Div(decimal.NewFromInt(utilN)).Round(2)
	}
	if loadN > 0 {
		rep.AverageLoad = loadSum.Div(decimal.NewFromInt(loadN)).Round(2)
	}
	return rep
}
