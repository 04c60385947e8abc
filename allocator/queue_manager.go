package allocator

import (
	"context"
	"math"

	"gpu-allocator/metrics"
	"gpu-allocator/models"
	"gpu-allocator/store"

	"github.com/rs/zerolog/log"
)

// QueueManager is the admission queue: requesters wait here when no
// resource is free. Entries are ranked by an explicit order key which
// administrators can rewrite to move an entry to the front or the back.
//
// Every join and move locks the single queue-bounds row, so two concurrent
// moves never compute the same key.
type QueueManager struct {
	*core
}

// position returns the 1-based rank of e among PENDING entries, or 0 when
// e is terminal.
func position(tx store.Tx, e *models.QueueEntry) (int, error) {
	if e.Status != models.QueuePending {
		return 0, nil
	}
	pending, err := tx.QueryQueue(store.QueueFilter{Status: models.QueuePending})
	if err != nil {
		return 0, internal(err, "query pending queue")
	}
	pos := 0
	for _, p := range pending {
		if !e.Before(p) {
			pos++
		}
	}
	return pos, nil
}

func pendingCount(tx store.Tx) (int, error) {
	pending, err := tx.QueryQueue(store.QueueFilter{Status: models.QueuePending})
	if err != nil {
		return 0, internal(err, "query pending queue")
	}
	return len(pending), nil
}

// renumber rewrites every order key to 1..N in queue order. It is the
// escape hatch for when a move would run past the int64 range.
func renumber(tx store.Tx, b *models.QueueBounds) error {
	all, err := tx.QueryQueue(store.QueueFilter{})
	if err != nil {
		return internal(err, "query queue")
	}
	for i, e := range all {
		e.OrderKey = int64(i + 1)
		if err := tx.UpdateQueueEntry(e); err != nil {
			return internal(err, "renumber queue entry %q", e.ID)
		}
	}
	b.MinKey, b.MaxKey, b.Empty = 1, int64(len(all)), len(all) == 0
	log.Warn().Int("entries", len(all)).Msg("queue: order keys renumbered")
	return nil
}

// frontKey reserves and returns a key below every existing one.
func frontKey(tx store.Tx, b *models.QueueBounds) (int64, error) {
	if b.Empty {
		b.MinKey, b.MaxKey, b.Empty = 1, 1, false
		return 1, nil
	}
	// Checked before the decrement: at MinInt64 the queue is renumbered
	// first, so the key never wraps.
	if b.MinKey == math.MinInt64 {
		if err := renumber(tx, b); err != nil {
			return 0, err
		}
	}
	b.MinKey--
	return b.MinKey, nil
}

// backKey reserves and returns a key above every existing one.
func backKey(tx store.Tx, b *models.QueueBounds) (int64, error) {
	if b.Empty {
		b.MinKey, b.MaxKey, b.Empty = 1, 1, false
		return 1, nil
	}
	// Same for the increment at MaxInt64.
	if b.MaxKey == math.MaxInt64 {
		if err := renumber(tx, b); err != nil {
			return 0, err
		}
	}
	b.MaxKey++
	return b.MaxKey, nil
}

// allocatePendingEntry moves the requester's PENDING entry, if any, to
// ALLOCATED. Called when the requester obtains a reservation. Bookings by
// requesters who are not waiting never touch the queue-bounds lock; the
// others take it before the entry rows, like every other queue writer.
// It reports whether anything changed.
func allocatePendingEntry(tx store.Tx, requesterID string) (bool, error) {
	pending, err := tx.QueryQueue(store.QueueFilter{RequesterID: requesterID, Status: models.QueuePending})
	if err != nil {
		return false, internal(err, "query queue of requester %q", requesterID)
	}
	if len(pending) == 0 {
		return false, nil
	}
	if _, err := tx.LockQueueBounds(); err != nil {
		return false, internal(err, "lock queue bounds")
	}
	changed := false
	for _, p := range pending {
		e, err := tx.LockQueueEntry(p.ID)
		if err != nil {
			return false, internal(err, "lock queue entry %q", p.ID)
		}
		if e.Status != models.QueuePending {
			continue
		}
		e.Status = models.QueueAllocated
		if err := tx.UpdateQueueEntry(e); err != nil {
			return false, internal(err, "allocate queue entry %q", e.ID)
		}
		changed = true
		metrics.QueueOperationsTotal.WithLabelValues("allocate").Inc()
		log.Info().Str("entryId", e.ID).Str("requesterId", requesterID).Msg("queue: entry allocated by booking")
	}
	return changed, nil
}

// Join puts a requester at the back of the queue. Joining again while a
// PENDING entry exists returns that entry and its current position.
func (q *QueueManager) Join(ctx context.Context, requesterID string) (*QueuePlacement, error) {
	var (
		out     *QueuePlacement
		pending int
	)
	err := q.store.Transaction(ctx, func(tx store.Tx) error {
		if _, err := tx.GetRequester(requesterID); err != nil {
			return notFound(err, "requester", requesterID)
		}
		b, err := tx.LockQueueBounds()
		if err != nil {
			return internal(err, "lock queue bounds")
		}
		existing, err := tx.QueryQueue(store.QueueFilter{RequesterID: requesterID, Status: models.QueuePending, Limit: 1})
		if err != nil {
			return internal(err, "query queue of requester %q", requesterID)
		}
		if len(existing) > 0 {
			pos, err := position(tx, existing[0])
			if err != nil {
				return err
			}
			out = &QueuePlacement{Entry: existing[0], Position: pos}
			return nil
		}

		key, err := backKey(tx, b)
		if err != nil {
			return err
		}
		e := &models.QueueEntry{
			ID:          newID(),
			RequesterID: requesterID,
			Status:      models.QueuePending,
			RequestedAt: q.clock(),
			OrderKey:    key,
		}
		if err := tx.CreateQueueEntry(e); err != nil {
			return internal(err, "create queue entry for requester %q", requesterID)
		}
		if err := tx.SaveQueueBounds(b); err != nil {
			return internal(err, "save queue bounds")
		}
		pos, err := position(tx, e)
		if err != nil {
			return err
		}
		if pending, err = pendingCount(tx); err != nil {
			return err
		}
		out = &QueuePlacement{Entry: e, Position: pos, Created: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Created {
		metrics.QueueOperationsTotal.WithLabelValues("rejoin").Inc()
		log.Info().Str("entryId", out.Entry.ID).Str("requesterId", requesterID).Int("position", out.Position).Msg("queue: requester already waiting")
		return out, nil
	}
	metrics.QueueOperationsTotal.WithLabelValues("join").Inc()
	metrics.QueuePending.Set(float64(pending))
	log.Info().Str("entryId", out.Entry.ID).Str("requesterId", requesterID).Int("position", out.Position).Msg("queue: requester joined")
	return out, nil
}

// Position returns an entry and its rank.
func (q *QueueManager) Position(ctx context.Context, id string) (*QueuePlacement, error) {
	var out *QueuePlacement
	err := q.store.Transaction(ctx, func(tx store.Tx) error {
		e, err := tx.GetQueueEntry(id)
		if err != nil {
			return notFound(err, "queue entry", id)
		}
		pos, err := position(tx, e)
		if err != nil {
			return err
		}
		out = &QueuePlacement{Entry: e, Position: pos}
		return nil
	})
	return out, err
}

// StatusFor returns every entry of a requester, in queue order, with ranks.
func (q *QueueManager) StatusFor(ctx context.Context, requesterID string) ([]*QueuePlacement, error) {
	var out []*QueuePlacement
	err := q.store.Transaction(ctx, func(tx store.Tx) error {
		if _, err := tx.GetRequester(requesterID); err != nil {
			return notFound(err, "requester", requesterID)
		}
		entries, err := tx.QueryQueue(store.QueueFilter{RequesterID: requesterID})
		if err != nil {
			return internal(err, "query queue of requester %q", requesterID)
		}
		out, err = placements(tx, entries)
		return err
	})
	return out, err
}

// List returns the whole queue, terminal entries included, in queue order.
func (q *QueueManager) List(ctx context.Context) ([]*QueuePlacement, error) {
	var out []*QueuePlacement
	err := q.store.Transaction(ctx, func(tx store.Tx) error {
		entries, err := tx.QueryQueue(store.QueueFilter{})
		if err != nil {
			return internal(err, "query queue")
		}
		out, err = placements(tx, entries)
		return err
	})
	return out, err
}

// placements ranks entries that are already in queue order.
func placements(tx store.Tx, entries []*models.QueueEntry) ([]*QueuePlacement, error) {
	out := make([]*QueuePlacement, 0, len(entries))
	for _, e := range entries {
		pos, err := position(tx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, &QueuePlacement{Entry: e, Position: pos})
	}
	return out, nil
}

// Next returns the PENDING entry at the head of the queue without changing it.
func (q *QueueManager) Next(ctx context.Context) (*models.QueueEntry, error) {
	var out *models.QueueEntry
	err := q.store.Transaction(ctx, func(tx store.Tx) error {
		head, err := tx.QueryQueue(store.QueueFilter{Status: models.QueuePending, Limit: 1})
		if err != nil {
			return internal(err, "query pending queue")
		}
		if len(head) == 0 {
			return newError(KindEmpty, "no requester is waiting")
		}
		out = head[0]
		return nil
	})
	return out, err
}

// Length returns the number of PENDING entries.
func (q *QueueManager) Length(ctx context.Context) (int, error) {
	var n int
	err := q.store.Transaction(ctx, func(tx store.Tx) error {
		var err error
		n, err = pendingCount(tx)
		return err
	})
	return n, err
}

// SyncMetrics sets the pending-entries gauge from the store. It is called
// at startup, when the store may already hold a queue.
func (q *QueueManager) SyncMetrics(ctx context.Context) error {
	return q.syncPending(ctx)
}

// Cancel withdraws a PENDING entry.
func (q *QueueManager) Cancel(ctx context.Context, id string) (*models.QueueEntry, error) {
	return q.finish(ctx, id, models.QueueCancelled, "cancel")
}

// Allocate marks a PENDING entry as served.
func (q *QueueManager) Allocate(ctx context.Context, id string) (*models.QueueEntry, error) {
	return q.finish(ctx, id, models.QueueAllocated, "allocate")
}

// finish moves a PENDING entry to a terminal state.
func (q *QueueManager) finish(ctx context.Context, id string, to models.QueueStatus, op string) (*models.QueueEntry, error) {
	var (
		out     *models.QueueEntry
		pending int
	)
	err := q.store.Transaction(ctx, func(tx store.Tx) error {
		if _, err := tx.LockQueueBounds(); err != nil {
			return internal(err, "lock queue bounds")
		}
		e, err := tx.LockQueueEntry(id)
		if err != nil {
			return notFound(err, "queue entry", id)
		}
		switch {
		case e.Status == models.QueueCancelled && to == models.QueueCancelled:
			return newError(KindAlreadyCancelled, "queue entry %q is already cancelled", id)
		case e.Status.Terminal():
			return newError(KindInvalidTransition, "queue entry %q is %s and cannot become %s", id, e.Status, to)
		}
		e.Status = to
		if err := tx.UpdateQueueEntry(e); err != nil {
			return internal(err, "update queue entry %q", id)
		}
		if pending, err = pendingCount(tx); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.QueueOperationsTotal.WithLabelValues(op).Inc()
	metrics.QueuePending.Set(float64(pending))
	log.Info().Str("entryId", id).Str("requesterId", out.RequesterID).Str("status", string(to)).Msg("queue: entry finished")
	return out, nil
}

// Move gives a PENDING entry a key below the current minimum (front) or
// above the current maximum (back) over all entries.
func (q *QueueManager) Move(ctx context.Context, id, to string) (*QueuePlacement, error) {
	where, err := ParseMovePosition(to)
	if err != nil {
		return nil, err
	}
	var out *QueuePlacement
	err = q.store.Transaction(ctx, func(tx store.Tx) error {
		b, err := tx.LockQueueBounds()
		if err != nil {
			return internal(err, "lock queue bounds")
		}
		e, err := tx.LockQueueEntry(id)
		if err != nil {
			return notFound(err, "queue entry", id)
		}
		if e.Status != models.QueuePending {
			return newError(KindInvalidTransition, "queue entry %q is %s and cannot be moved", id, e.Status)
		}

		var key int64
		if where == MoveFront {
			key, err = frontKey(tx, b)
		} else {
			key, err = backKey(tx, b)
		}
		if err != nil {
			return err
		}
		// renumber may have rewritten e.
		if e, err = tx.LockQueueEntry(id); err != nil {
			return internal(err, "reload queue entry %q", id)
		}
		e.OrderKey = key
		if err := tx.UpdateQueueEntry(e); err != nil {
			return internal(err, "move queue entry %q", id)
		}
		if err := tx.SaveQueueBounds(b); err != nil {
			return internal(err, "save queue bounds")
		}
		pos, err := position(tx, e)
		if err != nil {
			return err
		}
		out = &QueuePlacement{Entry: e, Position: pos}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.QueueOperationsTotal.WithLabelValues("move").Inc()
	q.refreshPending(ctx)
	log.Info().Str("entryId", id).Str("to", string(where)).Int64("orderKey", out.Entry.OrderKey).Int("position", out.Position).Msg("queue: entry moved")
	return out, nil
}
