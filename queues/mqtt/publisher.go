// Package mqtt publishes edge requests on device-command topics
// "{node}/{kind}". The broker keeps no expiry for these messages, so nodes
// enforce the envelope's expiresAt themselves.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"edge-fleet-dispatcher/queues"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const (
	// QoS 0: at most once, matching the fire-and-forget dispatch contract.
	QoS                   byte = 0
	DefaultPublishTimeout      = 5 * time.Second
)

var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Client is the subset of paho.Client used for publishing.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type Publisher struct {
	client  Client
	timeout time.Duration
}

func NewPublisher(client Client, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Publisher{client: client, timeout: timeout}
}

// Connect dials the broker and returns a connected paho client.
func Connect(brokerURL, clientID, username, password string, timeout time.Duration) (paho.Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetOnConnectHandler(func(paho.Client) {
			log.Info().Str("broker", brokerURL).Msg("mqtt: connected")
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Str("broker", brokerURL).Msg("mqtt: connection lost")
		})
	if username != "" {
		opts.SetUsername(username).SetPassword(password)
	}
	c := paho.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect %s: %w", brokerURL, ErrPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", brokerURL, err)
	}
	return c, nil
}

func (p *Publisher) Publish(ctx context.Context, env *queues.RequestEnvelope) error {
	topic := queues.CommandTopic(env.NodeID, env.Kind)
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("messageId", env.MessageID).Msg("mqtt: failed to marshal request envelope")
		return err
	}

	tok := p.client.Publish(topic, QoS, false, b)
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		log.Error().Str("topic", topic).Str("messageId", env.MessageID).Dur("timeout", p.timeout).Msg("mqtt: publish timed out")
		return ErrPublishTimeout
	}
	if err := tok.Error(); err != nil {
		log.Error().Err(err).Str("topic", topic).Str("messageId", env.MessageID).Msg("mqtt: failed to publish request")
		return err
	}
	log.Debug().Str("topic", topic).Str("messageId", env.MessageID).Msg("mqtt: published request")
	return nil
}
