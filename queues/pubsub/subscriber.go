package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"gpu-allocator/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	client           *gpubsub.Client
	sub              *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile}
}

// validRequest reports whether a decoded request can be handled at all.
// A booking needs both ends of the window; a queue-only request needs none.
func validRequest(req *queues.BookingRequest) bool {
	if req.TicketID == "" || req.RequesterID == "" {
		return false
	}
	if req.ResourceID == "" {
		return true
	}
	return !req.StartTime.IsZero() && !req.EndTime.IsZero()
}

// process decodes one message and acks or nacks it. Poison messages are
// acked so they are not redelivered forever.
func process(ctx context.Context, m *gpubsub.Message, handler func(context.Context, *queues.BookingRequest) error) {
	log.Debug().Str("messageID", m.ID).Int("size", len(m.Data)).Msg("received pubsub message")
	recvAt := time.Now()
	var req queues.BookingRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		log.Error().Err(err).Str("messageID", m.ID).Msg("failed to unmarshal booking request; dropping")
		m.Ack()
		return
	}
	if !validRequest(&req) {
		log.Error().Str("ticketId", req.TicketID).Str("requesterId", req.RequesterID).Str("resourceId", req.ResourceID).Msg("invalid request payload")
		m.Ack()
		return
	}

	log.Info().Str("ticketId", req.TicketID).Str("requesterId", req.RequesterID).Str("resourceId", req.ResourceID).Msg("handling booking request")
	if err := handler(ctx, &req); err != nil {
		log.Error().Err(err).Str("ticketId", req.TicketID).Msg("handler failed; will retry")
		m.Nack()
		return
	}
	log.Debug().Str("ticketId", req.TicketID).Dur("latency", time.Since(recvAt)).Msg("handler succeeded; acking message")
	m.Ack()
}

func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.BookingRequest) error) error {
	if s.client == nil {
		var (
			client *gpubsub.Client
			err    error
		)
		if s.credsFile != "" {
			log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Str("credsFile", s.credsFile).Msg("initializing pubsub subscriber with explicit credentials")
			client, err = gpubsub.NewClient(ctx, s.projectID, option.WithCredentialsFile(s.credsFile))
		} else {
			log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("initializing pubsub subscriber with default credentials")
			client, err = gpubsub.NewClient(ctx, s.projectID)
		}
		if err != nil {
			log.Error().Err(err).Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("failed to create pubsub client for subscriber")
			return err
		}
		s.client = client
		s.sub = client.Subscription(s.subscriptionName)
		log.Info().Str("subscription", s.subscriptionName).Msg("pubsub subscriber initialized")
	}

	// Receive blocks until ctx is cancelled.
	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		process(ctx, m, handler)
	})
}

func (s *Subscriber) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
