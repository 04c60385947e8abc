package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"gpu-allocator/allocator"
	"gpu-allocator/models"
	"gpu-allocator/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	err := s.Transaction(context.Background(), func(tx store.Tx) error {
		if err := tx.CreateRequester(&models.Requester{ID: "u1", Username: "alice", Email: "alice@example.com", CreatedAt: t0}); err != nil {
			return err
		}
		for _, name := range []string{"gpu-b", "gpu-a"} {
			if err := tx.CreateResource(&models.Resource{ID: name, Name: name, Type: "A100", MemoryMB: 16000, Status: models.StatusAvailable, CreatedAt: t0, UpdatedAt: t0}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("oracle", "")
	assert.Error(t, err)
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s)
	require.NoError(t, s.Ping(ctx))

	err := s.Transaction(ctx, func(tx store.Tx) error {
		res, err := tx.LockResource("gpu-a")
		require.NoError(t, err)
		res.Status = models.StatusMaintenance
		res.ErrorCount = new(int64)
		require.NoError(t, tx.UpdateResource(res))

		got, err := tx.GetResource("gpu-a")
		require.NoError(t, err)
		assert.Equal(t, models.StatusMaintenance, got.Status)
		require.NotNil(t, got.ErrorCount)

		all, err := tx.ListResources()
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "gpu-a", all[0].Name)

		_, err = tx.GetResource("missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.LockResource("missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, tx.UpdateResource(&models.Resource{ID: "missing"}), store.ErrNotFound)
		assert.ErrorIs(t, tx.DeleteRequester("missing"), store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_Duplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s)

	err := s.Transaction(ctx, func(tx store.Tx) error {
		return tx.CreateRequester(&models.Requester{ID: "u2", Username: "alice", Email: "other@example.com"})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	err = s.Transaction(ctx, func(tx store.Tx) error {
		return tx.CreateResource(&models.Resource{ID: "x", Name: "gpu-a", Type: "A100", MemoryMB: 1, Status: models.StatusAvailable})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestStore_Rollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s)

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx store.Tx) error {
		if err := tx.CreateReservation(&models.Reservation{ID: "r1", RequesterID: "u1", ResourceID: "gpu-a", StartTime: t0, EndTime: t0.Add(time.Hour)}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.Transaction(ctx, func(tx store.Tx) error {
		_, err := tx.GetReservation("r1")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_QueryReservations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s)

	cancelledAt := t0.Add(time.Minute)
	rows := []*models.Reservation{
		{ID: "r1", RequesterID: "u1", ResourceID: "gpu-a", StartTime: t0.Add(1 * time.Hour), EndTime: t0.Add(2 * time.Hour)},
		{ID: "r2", RequesterID: "u1", ResourceID: "gpu-a", StartTime: t0.Add(2 * time.Hour), EndTime: t0.Add(3 * time.Hour)},
		{ID: "r3", RequesterID: "u1", ResourceID: "gpu-a", StartTime: t0.Add(90 * time.Minute), EndTime: t0.Add(4 * time.Hour), IsCancelled: true, CancelledAt: &cancelledAt},
		{ID: "r4", RequesterID: "u1", ResourceID: "gpu-b", StartTime: t0.Add(1 * time.Hour), EndTime: t0.Add(2 * time.Hour)},
	}
	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		for _, r := range rows {
			if err := tx.CreateReservation(r); err != nil {
				return err
			}
		}
		return nil
	}))

	window := models.Interval{Start: t0.Add(90 * time.Minute), End: t0.Add(150 * time.Minute)}
	tests := []struct {
		name   string
		filter store.ReservationFilter
		want   []string
	}{
		{name: "by resource", filter: store.ReservationFilter{ResourceID: "gpu-a"}, want: []string{"r1", "r3", "r2"}},
		{name: "overlapping live", filter: store.ReservationFilter{ResourceID: "gpu-a", Cancelled: store.Bool(false), Overlapping: &window}, want: []string{"r1", "r2"}},
		{name: "touching is not overlapping", filter: store.ReservationFilter{ResourceID: "gpu-a", Cancelled: store.Bool(false), Overlapping: &models.Interval{Start: t0, End: t0.Add(time.Hour)}}, want: nil},
		{name: "excluding", filter: store.ReservationFilter{ResourceID: "gpu-a", ExcludeID: "r1", Cancelled: store.Bool(false)}, want: []string{"r2"}},
		{name: "ends after", filter: store.ReservationFilter{EndsAfter: t0.Add(2 * time.Hour)}, want: []string{"r3", "r2"}},
		{name: "cancelled newest first", filter: store.ReservationFilter{Cancelled: store.Bool(true), Order: store.OrderByCancelledDesc}, want: []string{"r3"}},
		{name: "limit", filter: store.ReservationFilter{Limit: 2}, want: []string{"r1", "r4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
				all, err := tx.QueryReservations(tt.filter)
				for _, r := range all {
					got = append(got, r.ID)
				}
				return err
			}))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStore_QueryUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s)

	end := t0.Add(30 * time.Minute)
	secs := int64(1800)
	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		if err := tx.CreateUsage(&models.UsageRecord{ID: "s1", ResourceID: "gpu-a", ReservationID: "r1", StartTime: t0, EndTime: &end, DurationSeconds: &secs}); err != nil {
			return err
		}
		return tx.CreateUsage(&models.UsageRecord{ID: "s2", ResourceID: "gpu-a", ReservationID: "r2", StartTime: t0.Add(time.Hour)})
	}))

	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		open, err := tx.QueryUsage(store.UsageFilter{ResourceID: "gpu-a", Open: store.Bool(true)})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "s2", open[0].ID)

		done, err := tx.QueryUsage(store.UsageFilter{ReservationID: "r1", Open: store.Bool(false)})
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, int64(1800), *done[0].DurationSeconds)

		recent, err := tx.QueryUsage(store.UsageFilter{StartedSince: t0.Add(time.Minute)})
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "s2", recent[0].ID)
		return nil
	}))
}

func TestStore_Queue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s)

	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		b, err := tx.LockQueueBounds()
		require.NoError(t, err)
		assert.True(t, b.Empty)

		for i, key := range []int64{3, -1, 2} {
			e := &models.QueueEntry{ID: string(rune('a' + i)), RequesterID: "u1", Status: models.QueuePending, RequestedAt: t0, OrderKey: key}
			require.NoError(t, tx.CreateQueueEntry(e))
		}
		b.MinKey, b.MaxKey, b.Empty = -1, 3, false
		return tx.SaveQueueBounds(b)
	}))

	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		b, err := tx.LockQueueBounds()
		require.NoError(t, err)
		assert.Equal(t, models.QueueBounds{ID: models.QueueBoundsID, MinKey: -1, MaxKey: 3}, *b)

		all, err := tx.QueryQueue(store.QueueFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"b", "c", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

		all[0].Status = models.QueueCancelled
		require.NoError(t, tx.UpdateQueueEntry(all[0]))
		pending, err := tx.QueryQueue(store.QueueFilter{Status: models.QueuePending, Limit: 1})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "c", pending[0].ID)
		return nil
	}))
}

func TestStore_AllocatorScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := allocator.New(s, allocator.WithClock(func() time.Time { return t0 }))

	gpu, err := a.Resources.Create(ctx, allocator.ResourceSpec{Name: "gpu-0", Type: "A100", MemoryMB: 16000})
	require.NoError(t, err)
	u1, err := a.Requesters.Create(ctx, "u1", "u1@example.com")
	require.NoError(t, err)
	u2, err := a.Requesters.Create(ctx, "u2", "u2@example.com")
	require.NoError(t, err)

	rv, err := a.Reservations.Book(ctx, u1.ID, gpu.ID, t0.Add(time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	got, err := a.Resources.Get(ctx, gpu.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBooked, got.Status)

	_, err = a.Reservations.Book(ctx, u2.ID, gpu.ID, t0.Add(90*time.Minute), t0.Add(150*time.Minute))
	assert.Equal(t, allocator.KindConflict, allocator.KindOf(err))

	_, err = a.Reservations.Cancel(ctx, rv.ID)
	require.NoError(t, err)
	got, err = a.Resources.Get(ctx, gpu.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, got.Status)

	_, err = a.Reservations.Book(ctx, u2.ID, gpu.ID, t0.Add(90*time.Minute), t0.Add(150*time.Minute))
	require.NoError(t, err)

	first, err := a.Queue.Join(ctx, u1.ID)
	require.NoError(t, err)
	again, err := a.Queue.Join(ctx, u1.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Entry.ID, again.Entry.ID)
	assert.Equal(t, 1, again.Position)

	_, err = a.Resources.Create(ctx, allocator.ResourceSpec{Name: "gpu-0", Type: "A100", MemoryMB: 16000})
	assert.Equal(t, allocator.KindConflict, allocator.KindOf(err))
}
