package allocator

import (
	"context"
	"sort"
	"time"

	"gpu-allocator/metrics"
	"gpu-allocator/models"
	"gpu-allocator/queues"
	"gpu-allocator/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultReportWindow is the trailing window of a usage report.
const DefaultReportWindow = 24 * time.Hour

// Notifier is told, after commit, that a resource became AVAILABLE.
type Notifier interface {
	ResourceFreed(ctx context.Context, resourceID string)
}

// core is shared by every component: one store, one clock, one notifier.
type core struct {
	store        store.Store
	now          func() time.Time
	notifier     Notifier
	reportWindow time.Duration
}

func (c *core) clock() time.Time {
	return c.now().UTC()
}

func (c *core) notifyFreed(ctx context.Context, resourceIDs ...string) {
	if c.notifier == nil {
		return
	}
	for _, id := range resourceIDs {
		c.notifier.ResourceFreed(ctx, id)
	}
}

func (c *core) syncPending(ctx context.Context) error {
	var n int
	err := c.store.Transaction(ctx, func(tx store.Tx) error {
		var err error
		n, err = pendingCount(tx)
		return err
	})
	if err != nil {
		return err
	}
	metrics.QueuePending.Set(float64(n))
	return nil
}

// refreshPending is syncPending after a committed write; a failure only
// leaves the gauge stale.
func (c *core) refreshPending(ctx context.Context) {
	if err := c.syncPending(ctx); err != nil {
		log.Warn().Err(err).Msg("queue: failed to refresh pending gauge")
	}
}

func newID() string {
	return uuid.NewString()
}

// Allocator bundles the components of the allocation core.
type Allocator struct {
	Resources    *Registry
	Requesters   *Requesters
	Reservations *Reservations
	Usage        *UsageTracker
	Queue        *QueueManager
	core         *core
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.core.now = now }
}

// WithNotifier sets the freed-resource notifier.
func WithNotifier(n Notifier) Option {
	return func(a *Allocator) { a.core.notifier = n }
}

// WithPublisher publishes a ResourceAvailable envelope, naming the next
// PENDING queue entry, whenever a resource is freed.
func WithPublisher(p queues.Publisher) Option {
	return func(a *Allocator) { a.core.notifier = NewAvailabilityNotifier(a.Queue, p) }
}

// WithReportWindow sets the default usage report window.
func WithReportWindow(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.core.reportWindow = d
		}
	}
}

// New builds an Allocator over s.
func New(s store.Store, opts ...Option) *Allocator {
	c := &core{store: s, now: time.Now, reportWindow: DefaultReportWindow}
	a := &Allocator{
		Resources:    &Registry{core: c},
		Requesters:   &Requesters{core: c},
		Reservations: &Reservations{core: c},
		Usage:        &UsageTracker{core: c},
		Queue:        &QueueManager{core: c},
		core:         c,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Ping checks the backing store.
func (a *Allocator) Ping(ctx context.Context) error {
	return a.core.store.Ping(ctx)
}

// statusInputs loads everything DeriveStatus needs for one resource.
func statusInputs(tx store.Tx, resourceID string, now time.Time) ([]*models.Reservation, []*models.UsageRecord, error) {
	active, err := tx.QueryReservations(store.ReservationFilter{
		ResourceID: resourceID,
		Cancelled:  store.Bool(false),
		EndsAfter:  now,
	})
	if err != nil {
		return nil, nil, internal(err, "query reservations of resource %q", resourceID)
	}
	usage, err := tx.QueryUsage(store.UsageFilter{ResourceID: resourceID, Open: store.Bool(true)})
	if err != nil {
		return nil, nil, internal(err, "query usage of resource %q", resourceID)
	}
	for _, r := range active {
		done, err := tx.QueryUsage(store.UsageFilter{ReservationID: r.ID, Open: store.Bool(false)})
		if err != nil {
			return nil, nil, internal(err, "query usage of reservation %q", r.ID)
		}
		usage = append(usage, done...)
	}
	return active, usage, nil
}

// deriveStatus returns the status res should have at now without writing it.
func deriveStatus(tx store.Tx, res *models.Resource, now time.Time) (models.ResourceStatus, error) {
	active, usage, err := statusInputs(tx, res.ID, now)
	if err != nil {
		return "", err
	}
	return models.DeriveStatus(res.Status, active, usage, now), nil
}

// refreshStatus recomputes and persists the status of res. It reports
// whether the resource has just become AVAILABLE.
func refreshStatus(tx store.Tx, res *models.Resource, now time.Time) (bool, error) {
	next, err := deriveStatus(tx, res, now)
	if err != nil {
		return false, err
	}
	if next == res.Status {
		return false, nil
	}
	log.Debug().Str("resourceId", res.ID).Str("from", string(res.Status)).Str("to", string(next)).Msg("allocator: resource status changed")
	res.Status = next
	res.UpdatedAt = now
	if err := tx.UpdateResource(res); err != nil {
		return false, internal(err, "update status of resource %q", res.ID)
	}
	return next == models.StatusAvailable, nil
}

// lockResources locks the given resources in id order so that two
// transactions touching the same pair cannot deadlock. Missing ids are
// reported as NotFound.
func lockResources(tx store.Tx, ids ...string) (map[string]*models.Resource, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := make(map[string]*models.Resource, len(sorted))
	for _, id := range sorted {
		if _, ok := out[id]; ok {
			continue
		}
		res, err := tx.LockResource(id)
		if err != nil {
			return nil, notFound(err, "resource", id)
		}
		out[id] = res
	}
	return out, nil
}
