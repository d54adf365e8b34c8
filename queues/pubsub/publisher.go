package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"edge-fleet-dispatcher/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

// Publisher sends request envelopes to per-node feature topics.
type Publisher struct {
	projectID string
	credsFile string

	mu     sync.Mutex
	client *gpubsub.Client
	topics map[string]*gpubsub.Topic
}

func NewPublisher(projectID, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, credsFile: credsFile, topics: make(map[string]*gpubsub.Topic)}
}

func (p *Publisher) topic(ctx context.Context, id string) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		client, err := newClient(ctx, p.projectID, p.credsFile, "publisher")
		if err != nil {
			return nil, err
		}
		p.client = client
		log.Info().Str("projectID", p.projectID).Msg("pubsub: publisher initialized")
	}
	if t, ok := p.topics[id]; ok {
		return t, nil
	}
	t := p.client.Topic(id)
	p.topics[id] = t
	return t, nil
}

// Publish waits for the broker to accept the message. The node is expected
// to drop it unprocessed once expiresAt has passed.
func (p *Publisher) Publish(ctx context.Context, env *queues.RequestEnvelope) error {
	id := TopicID(env.Kind, env.NodeID)
	topic, err := p.topic(ctx, id)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("messageId", env.MessageID).Msg("pubsub: failed to marshal request envelope")
		return err
	}
	attrs := map[string]string{AttrQueue: queues.QueueName(env.Kind, env.NodeID)}
	if env.ExpiresAt != nil {
		attrs[AttrExpiresAt] = env.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	r := topic.Publish(ctx, &gpubsub.Message{Data: b, Attributes: attrs})
	serverID, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("topic", id).Str("messageId", env.MessageID).Msg("pubsub: failed to publish request")
		return err
	}
	log.Debug().Str("serverId", serverID).Str("topic", id).Str("messageId", env.MessageID).Msg("pubsub: published request")
	return nil
}

// Close stops every topic's publishing goroutines and releases the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*gpubsub.Topic)
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}
