package allocator

import (
	"context"

	"gpu-allocator/queues"

	"github.com/rs/zerolog/log"
)

// AvailabilityNotifier publishes a ResourceAvailable envelope naming the
// head of the admission queue.
type AvailabilityNotifier struct {
	queue     *QueueManager
	publisher queues.Publisher
}

func NewAvailabilityNotifier(q *QueueManager, p queues.Publisher) *AvailabilityNotifier {
	return &AvailabilityNotifier{queue: q, publisher: p}
}

// ResourceFreed never fails the caller; the operation that freed the
// resource has already committed.
func (n *AvailabilityNotifier) ResourceFreed(ctx context.Context, resourceID string) {
	ev := &queues.ResourceAvailable{
		EnvelopeVersion: queues.EnvelopeVersion,
		Type:            queues.TypeResourceAvailable,
		ResourceID:      resourceID,
	}
	head, err := n.queue.Next(ctx)
	switch {
	case err == nil:
		ev.QueueEntryID = &head.ID
		ev.RequesterID = &head.RequesterID
	case IsKind(err, KindEmpty):
	default:
		log.Error().Err(err).Str("resourceId", resourceID).Msg("notifier: failed to read queue head")
	}
	if err := n.publisher.PublishAvailability(ctx, ev); err != nil {
		log.Error().Err(err).Str("resourceId", resourceID).Msg("notifier: failed to publish availability")
		return
	}
	log.Debug().Str("resourceId", resourceID).Bool("waiting", ev.QueueEntryID != nil).Msg("notifier: availability published")
}
