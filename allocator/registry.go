package allocator

import (
	"context"
	"errors"
	"strings"

	"gpu-allocator/models"
	"gpu-allocator/store"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Registry is the source of truth for resources and whether they can be
// allocated right now.
type Registry struct {
	*core
}

func validateResourceName(name string) error {
	if errs := validation.IsQualifiedName(name); len(errs) > 0 {
		return newError(KindInvalidArgument, "invalid resource name %q: %s", name, strings.Join(errs, "; "))
	}
	return nil
}

// Create registers a new AVAILABLE resource.
func (r *Registry) Create(ctx context.Context, spec ResourceSpec) (*models.Resource, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	spec.Type = strings.TrimSpace(spec.Type)
	if err := validateResourceName(spec.Name); err != nil {
		return nil, err
	}
	if spec.Type == "" {
		return nil, newError(KindInvalidArgument, "gpu type is required")
	}
	if spec.MemoryMB <= 0 {
		return nil, newError(KindInvalidArgument, "gpu memory must be positive, got %d", spec.MemoryMB)
	}
	if err := validateTelemetry(spec.Telemetry); err != nil {
		return nil, err
	}
	if spec.ErrorCount != nil && *spec.ErrorCount < 0 {
		return nil, newError(KindInvalidArgument, "error count must not be negative")
	}

	now := r.clock()
	res := &models.Resource{
		ID:         newID(),
		Name:       spec.Name,
		Type:       spec.Type,
		MemoryMB:   spec.MemoryMB,
		Status:     models.StatusAvailable,
		Telemetry:  spec.Telemetry,
		ErrorCount: spec.ErrorCount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		if err := tx.CreateResource(res); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return newError(KindConflict, "resource %q already exists", spec.Name)
			}
			return internal(err, "create resource %q", spec.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("resourceId", res.ID).Str("name", res.Name).Str("type", res.Type).Int64("memoryMB", res.MemoryMB).Msg("registry: resource created")
	return res, nil
}

// Get returns a resource with its status projected at the current time.
func (r *Registry) Get(ctx context.Context, id string) (*models.Resource, error) {
	var out *models.Resource
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		res, err := tx.GetResource(id)
		if err != nil {
			return notFound(err, "resource", id)
		}
		if res.Status, err = deriveStatus(tx, res, r.clock()); err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// List returns every resource with its projected status.
func (r *Registry) List(ctx context.Context) ([]*models.Resource, error) {
	var out []*models.Resource
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		all, err := tx.ListResources()
		if err != nil {
			return internal(err, "list resources")
		}
		now := r.clock()
		for _, res := range all {
			if res.Status, err = deriveStatus(tx, res, now); err != nil {
				return err
			}
		}
		out = all
		return nil
	})
	return out, err
}

// Update changes descriptive fields of a resource.
func (r *Registry) Update(ctx context.Context, id string, ch ResourceChanges) (*models.Resource, error) {
	if ch.Name != nil {
		name := strings.TrimSpace(*ch.Name)
		if err := validateResourceName(name); err != nil {
			return nil, err
		}
		ch.Name = &name
	}
	if ch.Type != nil && strings.TrimSpace(*ch.Type) == "" {
		return nil, newError(KindInvalidArgument, "gpu type must not be empty")
	}
	if ch.MemoryMB != nil && *ch.MemoryMB <= 0 {
		return nil, newError(KindInvalidArgument, "gpu memory must be positive, got %d", *ch.MemoryMB)
	}
	if err := validateTelemetry(ch.Telemetry); err != nil {
		return nil, err
	}
	if ch.ErrorCount != nil && *ch.ErrorCount < 0 {
		return nil, newError(KindInvalidArgument, "error count must not be negative")
	}

	var out *models.Resource
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		res, err := tx.LockResource(id)
		if err != nil {
			return notFound(err, "resource", id)
		}
		if ch.Name != nil {
			res.Name = *ch.Name
		}
		if ch.Type != nil {
			res.Type = strings.TrimSpace(*ch.Type)
		}
		if ch.MemoryMB != nil {
			res.MemoryMB = *ch.MemoryMB
		}
		mergeTelemetry(&res.Telemetry, ch.Telemetry)
		if ch.ErrorCount != nil {
			res.ErrorCount = ch.ErrorCount
		}
		res.UpdatedAt = r.clock()
		if err := tx.UpdateResource(res); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return newError(KindConflict, "resource %q already exists", res.Name)
			}
			return internal(err, "update resource %q", id)
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("resourceId", id).Msg("registry: resource updated")
	return out, nil
}

// Delete removes a resource. Without force it refuses while the resource
// has active reservations or a running usage session. With force those
// reservations are cancelled and the sessions stopped first; history stays.
// A forced delete that displaced anyone publishes an availability notice so
// the head of the queue can look for another resource.
func (r *Registry) Delete(ctx context.Context, id string, force bool) error {
	var cancelled, stopped int
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		if _, err := tx.LockResource(id); err != nil {
			return notFound(err, "resource", id)
		}
		now := r.clock()
		active, err := tx.QueryReservations(store.ReservationFilter{ResourceID: id, Cancelled: store.Bool(false), EndsAfter: now})
		if err != nil {
			return internal(err, "query reservations of resource %q", id)
		}
		open, err := tx.QueryUsage(store.UsageFilter{ResourceID: id, Open: store.Bool(true)})
		if err != nil {
			return internal(err, "query usage of resource %q", id)
		}
		if !force && (len(active) > 0 || len(open) > 0) {
			return newError(KindConflict, "resource %q has %d active reservation(s) and %d running session(s); delete with force to cascade", id, len(active), len(open))
		}
		for _, a := range active {
			rv, err := tx.LockReservation(a.ID)
			if err != nil {
				return internal(err, "lock reservation %q", a.ID)
			}
			if rv.IsCancelled {
				continue
			}
			rv.IsCancelled = true
			rv.CancelledAt = &now
			if err := tx.UpdateReservation(rv); err != nil {
				return internal(err, "cancel reservation %q", rv.ID)
			}
			cancelled++
		}
		for _, u := range open {
			if err := closeUsage(tx, u, now); err != nil {
				return err
			}
			stopped++
		}
		if err := tx.DeleteResource(id); err != nil {
			return internal(err, "delete resource %q", id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("resourceId", id).Bool("force", force).Int("cancelledReservations", cancelled).Int("stoppedSessions", stopped).Msg("registry: resource deleted")
	if cancelled > 0 || stopped > 0 {
		r.notifyFreed(ctx, id)
	}
	return nil
}

// Status reports the projected status of a resource together with the
// reservation or usage session holding it.
func (r *Registry) Status(ctx context.Context, id string) (*ResourceState, error) {
	var out *ResourceState
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		res, err := tx.GetResource(id)
		if err != nil {
			return notFound(err, "resource", id)
		}
		now := r.clock()
		active, usage, err := statusInputs(tx, id, now)
		if err != nil {
			return err
		}
		st := &ResourceState{
			ResourceID: res.ID,
			Name:       res.Name,
			Status:     models.DeriveStatus(res.Status, active, usage, now),
		}
		for _, u := range usage {
			if u.Open() {
				st.UsageID = u.ID
				st.ReservationID = u.ReservationID
			}
		}
		if st.ReservationID == "" && st.Status == models.StatusBooked && len(active) > 0 {
			st.ReservationID = active[0].ID
		}
		out = st
		return nil
	})
	return out, err
}

// SetStatus is the administrative override. Only entering MAINTENANCE and
// leaving it (AVAILABLE, after which status is derived again) are allowed.
func (r *Registry) SetStatus(ctx context.Context, id string, status models.ResourceStatus) (*models.Resource, error) {
	if status != models.StatusMaintenance && status != models.StatusAvailable {
		return nil, newError(KindInvalidArgument, "status can only be set to %s or %s, got %q", models.StatusMaintenance, models.StatusAvailable, status)
	}
	var (
		out   *models.Resource
		freed bool
	)
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		res, err := tx.LockResource(id)
		if err != nil {
			return notFound(err, "resource", id)
		}
		now := r.clock()
		if status == models.StatusMaintenance {
			res.Status = models.StatusMaintenance
			res.UpdatedAt = now
			if err := tx.UpdateResource(res); err != nil {
				return internal(err, "update resource %q", id)
			}
			out = res
			return nil
		}
		wasMaintenance := res.Status == models.StatusMaintenance
		// Clearing the override lets the lifecycle decide again.
		res.Status = models.StatusAvailable
		res.UpdatedAt = now
		if _, err := refreshStatus(tx, res, now); err != nil {
			return err
		}
		if err := tx.UpdateResource(res); err != nil {
			return internal(err, "update resource %q", id)
		}
		freed = wasMaintenance && res.Status == models.StatusAvailable
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("resourceId", id).Str("status", string(out.Status)).Msg("registry: status override applied")
	if freed {
		r.notifyFreed(ctx, id)
	}
	return out, nil
}
