package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"gpu-allocator/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// Publisher sends booking results and availability notices to one topic.
// The envelope type is also set as the "type" attribute so subscribers can
// filter.
type Publisher struct {
	projectID   string
	resultTopic string
	credsFile   string

	mu     sync.Mutex
	client *gpubsub.Client
	topic  *gpubsub.Topic
}

func NewPublisher(projectID, resultTopic, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, resultTopic: resultTopic, credsFile: credsFile}
}

func (p *Publisher) ensureTopic(ctx context.Context) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		return p.topic, nil
	}
	var (
		client *gpubsub.Client
		err    error
	)
	if p.credsFile != "" {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.resultTopic).Str("credsFile", p.credsFile).Msg("initializing pubsub publisher with explicit credentials")
		client, err = gpubsub.NewClient(ctx, p.projectID, option.WithCredentialsFile(p.credsFile))
	} else {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.resultTopic).Msg("initializing pubsub publisher with default credentials")
		client, err = gpubsub.NewClient(ctx, p.projectID)
	}
	if err != nil {
		log.Error().Err(err).Str("projectID", p.projectID).Str("topic", p.resultTopic).Msg("failed to create pubsub client for publisher")
		return nil, err
	}
	p.client = client
	p.topic = client.Topic(p.resultTopic)
	log.Info().Str("topic", p.resultTopic).Msg("pubsub publisher initialized")
	return p.topic, nil
}

func (p *Publisher) send(ctx context.Context, kind string, v any) (string, error) {
	topic, err := p.ensureTopic(ctx)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("type", kind).Msg("failed to marshal envelope")
		return "", err
	}
	// Publish and wait for server ack
	r := topic.Publish(ctx, &gpubsub.Message{Data: b, Attributes: map[string]string{"type": kind}})
	return r.Get(ctx)
}

func (p *Publisher) PublishResult(ctx context.Context, res *queues.BookingResult) error {
	id, err := p.send(ctx, queues.TypeBookingResult, res)
	if err != nil {
		log.Error().Err(err).Str("ticketId", res.TicketID).Msg("failed to publish booking result")
		return err
	}
	log.Debug().Str("messageID", id).Str("ticketId", res.TicketID).Str("status", string(res.Status)).Msg("published booking result")
	return nil
}

func (p *Publisher) PublishAvailability(ctx context.Context, ev *queues.ResourceAvailable) error {
	id, err := p.send(ctx, queues.TypeResourceAvailable, ev)
	if err != nil {
		log.Error().Err(err).Str("resourceId", ev.ResourceID).Msg("failed to publish resource availability")
		return err
	}
	log.Debug().Str("messageID", id).Str("resourceId", ev.ResourceID).Msg("published resource availability")
	return nil
}

// Close stops the topic's publishing goroutines and releases the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
