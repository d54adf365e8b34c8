package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"edge-fleet-dispatcher/metrics"
	"edge-fleet-dispatcher/queues"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultExpiration  = 30 * time.Second
	DefaultConcurrency = 16
)

// TransportError reports that one node could not be reached.
type TransportError struct {
	NodeID string
	Kind   queues.RequestKind
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dispatch %s to %s: %v", e.Kind, e.NodeID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Options struct {
	// Expiration is stamped on every envelope; zero disables it.
	Expiration  time.Duration
	Concurrency int
	Clock       clock.Clock
}

// Dispatcher publishes requests to edge nodes. It never waits for the
// nodes themselves; see package aggregate for collecting answers.
type Dispatcher struct {
	publisher   queues.Publisher
	expiration  time.Duration
	concurrency int
	clock       clock.Clock
}

func New(p queues.Publisher, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Dispatcher{
		publisher:   p,
		expiration:  opts.Expiration,
		concurrency: opts.Concurrency,
		clock:       opts.Clock,
	}
}

func (d *Dispatcher) envelope(nodeID string, kind queues.RequestKind, payload any) (*queues.RequestEnvelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	now := d.clock.Now()
	env := &queues.RequestEnvelope{
		EnvelopeVersion: queues.EnvelopeVersion,
		Type:            "edge-request",
		MessageID:       uuid.NewString(),
		Kind:            kind,
		NodeID:          nodeID,
		IssuedAt:        now,
		Payload:         b,
	}
	if d.expiration > 0 {
		exp := now.Add(d.expiration)
		env.ExpiresAt = &exp
	}
	return env, nil
}

// Dispatch publishes one request to one node. Transport failures come back
// as *TransportError.
func (d *Dispatcher) Dispatch(ctx context.Context, nodeID string, kind queues.RequestKind, payload any) error {
	env, err := d.envelope(nodeID, kind, payload)
	if err != nil {
		return err
	}
	if err := d.publisher.Publish(ctx, env); err != nil {
		metrics.DispatchesTotal.WithLabelValues(string(kind), "failure").Inc()
		log.Error().Err(err).Str("nodeId", nodeID).Str("kind", string(kind)).Msg("dispatch: publish failed")
		return &TransportError{NodeID: nodeID, Kind: kind, Err: err}
	}
	metrics.DispatchesTotal.WithLabelValues(string(kind), "success").Inc()
	log.Debug().Str("nodeId", nodeID).Str("kind", string(kind)).Str("messageId", env.MessageID).Msg("dispatch: request published")
	return nil
}

// DispatchMany publishes to every node concurrently. The returned map holds
// an error for each node that could not be reached and is empty when all
// publishes succeeded. One failure never cancels the others.
func (d *Dispatcher) DispatchMany(ctx context.Context, nodeIDs []string, kind queues.RequestKind, payloadFor func(nodeID string) any) map[string]error {
	var (
		mu   sync.Mutex
		errs = make(map[string]error)
		g    errgroup.Group
	)
	g.SetLimit(d.concurrency)
	for _, id := range nodeIDs {
		g.Go(func() error {
			if err := d.Dispatch(ctx, id, kind, payloadFor(id)); err != nil {
				mu.Lock()
				errs[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// RequestDiscovery asks a node to report its cameras. Fire-and-forget.
func (d *Dispatcher) RequestDiscovery(ctx context.Context, nodeID string) error {
	return d.Dispatch(ctx, nodeID, queues.KindDiscovery, queues.DiscoveryRequest{RequestedAt: d.clock.Now()})
}
