package pubsub

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"edge-fleet-dispatcher/metrics"
	"edge-fleet-dispatcher/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// Subscriber receives node reports from one subscription.
type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	clock            clock.Clock
	client           *gpubsub.Client
	sub              *gpubsub.Subscription
	running          atomic.Bool
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile, clock: clock.New()}
}

// Running reports whether Start is currently receiving.
func (s *Subscriber) Running() bool { return s.running.Load() }

// Start blocks receiving reports until ctx is done. Malformed, invalid and
// expired reports are acked and dropped; a handler error nacks the message
// so the broker redelivers it.
func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.Report) error) error {
	if s.client == nil {
		client, err := newClient(ctx, s.projectID, s.credsFile, "subscriber")
		if err != nil {
			return err
		}
		s.client = client
		s.sub = client.Subscription(s.subscriptionName)
		log.Info().Str("subscription", s.subscriptionName).Msg("pubsub: subscriber initialized")
	}

	s.running.Store(true)
	defer s.running.Store(false)

	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		log.Debug().Str("messageID", m.ID).Int("size", len(m.Data)).Msg("pubsub: received message")
		recvAt := s.clock.Now()

		if exp, ok := m.Attributes[AttrExpiresAt]; ok {
			if t, err := time.Parse(time.RFC3339Nano, exp); err == nil && recvAt.After(t) {
				log.Warn().Str("messageID", m.ID).Time("expiresAt", t).Msg("pubsub: dropping expired report")
				metrics.ReportsTotal.WithLabelValues("unknown", "expired").Inc()
				m.Ack()
				return
			}
		}

		var rep queues.Report
		if err := json.Unmarshal(m.Data, &rep); err != nil {
			log.Error().Err(err).Str("messageID", m.ID).Msg("pubsub: failed to unmarshal report")
			metrics.ReportsTotal.WithLabelValues("unknown", "malformed").Inc()
			m.Ack()
			return
		}
		if err := rep.Validate(); err != nil {
			log.Error().Err(err).Str("nodeId", rep.NodeID).Str("type", string(rep.Type)).Msg("pubsub: invalid report")
			metrics.ReportsTotal.WithLabelValues(string(rep.Type), "invalid").Inc()
			m.Ack()
			return
		}

		if err := handler(ctx, &rep); err != nil {
			log.Error().Err(err).Str("nodeId", rep.NodeID).Str("type", string(rep.Type)).Msg("pubsub: handler failed; will retry")
			m.Nack()
			return
		}
		log.Debug().Str("nodeId", rep.NodeID).Str("type", string(rep.Type)).Dur("latency", s.clock.Since(recvAt)).Msg("pubsub: handler succeeded; acking message")
		m.Ack()
	})
}

func (s *Subscriber) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
