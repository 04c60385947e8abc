package allocator

import (
	"context"
	"errors"
	"strings"

	"gpu-allocator/models"
	"gpu-allocator/store"

	"github.com/rs/zerolog/log"
)

// Requesters is the directory of people who book resources.
type Requesters struct {
	*core
}

func validateRequester(username, email string) error {
	if username == "" {
		return newError(KindInvalidArgument, "username is required")
	}
	if email == "" || !strings.Contains(email, "@") {
		return newError(KindInvalidArgument, "invalid email %q", email)
	}
	return nil
}

// Create registers a requester. Username and email are unique.
func (r *Requesters) Create(ctx context.Context, username, email string) (*models.Requester, error) {
	username, email = strings.TrimSpace(username), strings.TrimSpace(email)
	if err := validateRequester(username, email); err != nil {
		return nil, err
	}
	req := &models.Requester{ID: newID(), Username: username, Email: email, CreatedAt: r.clock()}
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		if err := tx.CreateRequester(req); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return newError(KindConflict, "username %q or email %q already registered", username, email)
			}
			return internal(err, "create requester %q", username)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("requesterId", req.ID).Str("username", username).Msg("requesters: requester registered")
	return req, nil
}

func (r *Requesters) Get(ctx context.Context, id string) (*models.Requester, error) {
	var out *models.Requester
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		req, err := tx.GetRequester(id)
		if err != nil {
			return notFound(err, "requester", id)
		}
		out = req
		return nil
	})
	return out, err
}

func (r *Requesters) List(ctx context.Context) ([]*models.Requester, error) {
	var out []*models.Requester
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		all, err := tx.ListRequesters()
		if err != nil {
			return internal(err, "list requesters")
		}
		out = all
		return nil
	})
	return out, err
}

func (r *Requesters) Update(ctx context.Context, id string, ch RequesterChanges) (*models.Requester, error) {
	var out *models.Requester
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		req, err := tx.LockRequester(id)
		if err != nil {
			return notFound(err, "requester", id)
		}
		if ch.Username != nil {
			req.Username = strings.TrimSpace(*ch.Username)
		}
		if ch.Email != nil {
			req.Email = strings.TrimSpace(*ch.Email)
		}
		if err := validateRequester(req.Username, req.Email); err != nil {
			return err
		}
		if err := tx.UpdateRequester(req); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return newError(KindConflict, "username %q or email %q already registered", req.Username, req.Email)
			}
			return internal(err, "update requester %q", id)
		}
		out = req
		return nil
	})
	return out, err
}

// Delete removes a requester that holds no active reservation and no
// PENDING queue entry.
func (r *Requesters) Delete(ctx context.Context, id string) error {
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		if _, err := tx.GetRequester(id); err != nil {
			return notFound(err, "requester", id)
		}
		active, err := tx.QueryReservations(store.ReservationFilter{RequesterID: id, Cancelled: store.Bool(false), EndsAfter: r.clock(), Limit: 1})
		if err != nil {
			return internal(err, "query reservations of requester %q", id)
		}
		if len(active) > 0 {
			return newError(KindConflict, "requester %q holds active reservation %q", id, active[0].ID)
		}
		pending, err := tx.QueryQueue(store.QueueFilter{RequesterID: id, Status: models.QueuePending, Limit: 1})
		if err != nil {
			return internal(err, "query queue of requester %q", id)
		}
		if len(pending) > 0 {
			return newError(KindConflict, "requester %q is waiting in the queue as entry %q", id, pending[0].ID)
		}
		if err := tx.DeleteRequester(id); err != nil {
			return internal(err, "delete requester %q", id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("requesterId", id).Msg("requesters: requester deleted")
	return nil
}
