package store

import (
	"context"
	"maps"
	"sort"
	"sync"

	"gpu-allocator/models"
)

// tables is one consistent snapshot of every entity.
type tables struct {
	requesters   map[string]models.Requester
	resources    map[string]models.Resource
	reservations map[string]models.Reservation
	usage        map[string]models.UsageRecord
	queue        map[string]models.QueueEntry
	bounds       *models.QueueBounds
}

func newTables() *tables {
	return &tables{
		requesters:   make(map[string]models.Requester),
		resources:    make(map[string]models.Resource),
		reservations: make(map[string]models.Reservation),
		usage:        make(map[string]models.UsageRecord),
		queue:        make(map[string]models.QueueEntry),
	}
}

func (t *tables) clone() *tables {
	c := &tables{
		requesters:   maps.Clone(t.requesters),
		resources:    maps.Clone(t.resources),
		reservations: maps.Clone(t.reservations),
		usage:        maps.Clone(t.usage),
		queue:        maps.Clone(t.queue),
	}
	if t.bounds != nil {
		b := *t.bounds
		c.bounds = &b
	}
	return c
}

// Memory is a Store kept entirely in process memory. Transactions are
// serialized and staged on a copy of the tables which replaces the live
// copy only on commit. Intended for a single replica, development and tests.
type Memory struct {
	mu   sync.Mutex
	data *tables
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: newTables()}
}

func (m *Memory) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.data.clone()
	if err := fn(&memTx{t: staged}); err != nil {
		return err
	}
	m.data = staged
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

type memTx struct {
	t *tables
}

func (tx *memTx) CreateRequester(r *models.Requester) error {
	if _, ok := tx.t.requesters[r.ID]; ok {
		return ErrDuplicate
	}
	if err := tx.uniqueRequester(r); err != nil {
		return err
	}
	tx.t.requesters[r.ID] = *r
	return nil
}

func (tx *memTx) uniqueRequester(r *models.Requester) error {
	for id, other := range tx.t.requesters {
		if id != r.ID && (other.Username == r.Username || other.Email == r.Email) {
			return ErrDuplicate
		}
	}
	return nil
}

func (tx *memTx) GetRequester(id string) (*models.Requester, error) {
	r, ok := tx.t.requesters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (tx *memTx) LockRequester(id string) (*models.Requester, error) {
	return tx.GetRequester(id)
}

func (tx *memTx) ListRequesters() ([]*models.Requester, error) {
	out := make([]*models.Requester, 0, len(tx.t.requesters))
	for _, r := range tx.t.requesters {
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (tx *memTx) UpdateRequester(r *models.Requester) error {
	if _, ok := tx.t.requesters[r.ID]; !ok {
		return ErrNotFound
	}
	if err := tx.uniqueRequester(r); err != nil {
		return err
	}
	tx.t.requesters[r.ID] = *r
	return nil
}

func (tx *memTx) DeleteRequester(id string) error {
	if _, ok := tx.t.requesters[id]; !ok {
		return ErrNotFound
	}
	delete(tx.t.requesters, id)
	return nil
}

func (tx *memTx) CreateResource(r *models.Resource) error {
	if _, ok := tx.t.resources[r.ID]; ok {
		return ErrDuplicate
	}
	if err := tx.uniqueResource(r); err != nil {
		return err
	}
	tx.t.resources[r.ID] = *r
	return nil
}

func (tx *memTx) uniqueResource(r *models.Resource) error {
	for id, other := range tx.t.resources {
		if id != r.ID && other.Name == r.Name {
			return ErrDuplicate
		}
	}
	return nil
}

func (tx *memTx) GetResource(id string) (*models.Resource, error) {
	r, ok := tx.t.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// LockResource is GetResource: the whole transaction already holds the store lock.
func (tx *memTx) LockResource(id string) (*models.Resource, error) {
	return tx.GetResource(id)
}

func (tx *memTx) ListResources() ([]*models.Resource, error) {
	out := make([]*models.Resource, 0, len(tx.t.resources))
	for _, r := range tx.t.resources {
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (tx *memTx) UpdateResource(r *models.Resource) error {
	if _, ok := tx.t.resources[r.ID]; !ok {
		return ErrNotFound
	}
	if err := tx.uniqueResource(r); err != nil {
		return err
	}
	tx.t.resources[r.ID] = *r
	return nil
}

func (tx *memTx) DeleteResource(id string) error {
	if _, ok := tx.t.resources[id]; !ok {
		return ErrNotFound
	}
	delete(tx.t.resources, id)
	return nil
}

func (tx *memTx) CreateReservation(r *models.Reservation) error {
	if _, ok := tx.t.reservations[r.ID]; ok {
		return ErrDuplicate
	}
	tx.t.reservations[r.ID] = *r
	return nil
}

func (tx *memTx) GetReservation(id string) (*models.Reservation, error) {
	r, ok := tx.t.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (tx *memTx) LockReservation(id string) (*models.Reservation, error) {
	return tx.GetReservation(id)
}

func (tx *memTx) UpdateReservation(r *models.Reservation) error {
	if _, ok := tx.t.reservations[r.ID]; !ok {
		return ErrNotFound
	}
	tx.t.reservations[r.ID] = *r
	return nil
}

func (tx *memTx) QueryReservations(f ReservationFilter) ([]*models.Reservation, error) {
	var out []*models.Reservation
	for _, r := range tx.t.reservations {
		if f.ResourceID != "" && r.ResourceID != f.ResourceID {
			continue
		}
		if f.RequesterID != "" && r.RequesterID != f.RequesterID {
			continue
		}
		if f.ExcludeID != "" && r.ID == f.ExcludeID {
			continue
		}
		if f.Cancelled != nil && r.IsCancelled != *f.Cancelled {
			continue
		}
		if f.Overlapping != nil && !r.Interval().Overlaps(*f.Overlapping) {
			continue
		}
		if !f.EndsAfter.IsZero() && !r.EndTime.After(f.EndsAfter) {
			continue
		}
		out = append(out, &r)
	}
	switch f.Order {
	case OrderByCancelledDesc:
		sort.Slice(out, func(i, j int) bool {
			a, b := out[i].CancelledAt, out[j].CancelledAt
			switch {
			case a == nil:
				return false
			case b == nil:
				return true
			case !a.Equal(*b):
				return a.After(*b)
			}
			return out[i].ID < out[j].ID
		})
	default:
		sort.Slice(out, func(i, j int) bool {
			if !out[i].StartTime.Equal(out[j].StartTime) {
				return out[i].StartTime.Before(out[j].StartTime)
			}
			return out[i].ID < out[j].ID
		})
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (tx *memTx) CreateUsage(u *models.UsageRecord) error {
	if _, ok := tx.t.usage[u.ID]; ok {
		return ErrDuplicate
	}
	tx.t.usage[u.ID] = *u
	return nil
}

func (tx *memTx) GetUsage(id string) (*models.UsageRecord, error) {
	u, ok := tx.t.usage[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (tx *memTx) LockUsage(id string) (*models.UsageRecord, error) {
	return tx.GetUsage(id)
}

func (tx *memTx) UpdateUsage(u *models.UsageRecord) error {
	if _, ok := tx.t.usage[u.ID]; !ok {
		return ErrNotFound
	}
	tx.t.usage[u.ID] = *u
	return nil
}

func (tx *memTx) QueryUsage(f UsageFilter) ([]*models.UsageRecord, error) {
	var out []*models.UsageRecord
	for _, u := range tx.t.usage {
		if f.ResourceID != "" && u.ResourceID != f.ResourceID {
			continue
		}
		if f.ReservationID != "" && u.ReservationID != f.ReservationID {
			continue
		}
		if f.Open != nil && u.Open() != *f.Open {
			continue
		}
		if !f.StartedSince.IsZero() && u.StartTime.Before(f.StartedSince) {
			continue
		}
		out = append(out, &u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) CreateQueueEntry(e *models.QueueEntry) error {
	if _, ok := tx.t.queue[e.ID]; ok {
		return ErrDuplicate
	}
	tx.t.queue[e.ID] = *e
	return nil
}

func (tx *memTx) GetQueueEntry(id string) (*models.QueueEntry, error) {
	e, ok := tx.t.queue[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (tx *memTx) LockQueueEntry(id string) (*models.QueueEntry, error) {
	return tx.GetQueueEntry(id)
}

func (tx *memTx) UpdateQueueEntry(e *models.QueueEntry) error {
	if _, ok := tx.t.queue[e.ID]; !ok {
		return ErrNotFound
	}
	tx.t.queue[e.ID] = *e
	return nil
}

func (tx *memTx) QueryQueue(f QueueFilter) ([]*models.QueueEntry, error) {
	var out []*models.QueueEntry
	for _, e := range tx.t.queue {
		if f.RequesterID != "" && e.RequesterID != f.RequesterID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (tx *memTx) LockQueueBounds() (*models.QueueBounds, error) {
	if tx.t.bounds == nil {
		tx.t.bounds = &models.QueueBounds{ID: models.QueueBoundsID, Empty: true}
	}
	b := *tx.t.bounds
	return &b, nil
}

func (tx *memTx) SaveQueueBounds(b *models.QueueBounds) error {
	c := *b
	c.ID = models.QueueBoundsID
	tx.t.bounds = &c
	return nil
}
