package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"edge-fleet-dispatcher/allocator"
	"edge-fleet-dispatcher/discovery"
	"edge-fleet-dispatcher/dispatch"
	"edge-fleet-dispatcher/queues"
	"edge-fleet-dispatcher/store"

	"github.com/benbjohnson/clock"
)

// edgeNode answers one envelope; a nil report means the node stays silent.
type edgeNode func(env *queues.RequestEnvelope) *queues.Report

// fakeBroker delivers envelopes straight to simulated nodes and feeds their
// reports to the controller, as the ingest subscriber would.
type fakeBroker struct {
	mu    sync.Mutex
	ctrl  *Controller
	nodes map[string]edgeNode
	down  map[string]bool
	sent  []*queues.RequestEnvelope
}

func (b *fakeBroker) Publish(ctx context.Context, env *queues.RequestEnvelope) error {
	b.mu.Lock()
	b.sent = append(b.sent, env)
	down := b.down[env.NodeID]
	node := b.nodes[env.NodeID]
	b.mu.Unlock()

	if down {
		return errors.New("broker unreachable")
	}
	if node == nil {
		return nil
	}
	if rep := node(env); rep != nil {
		_ = b.ctrl.Handle(ctx, rep)
	}
	return nil
}

type harness struct {
	broker    *fakeBroker
	responses *store.MemoryResponses
	cache     *store.MemoryCache
	coord     *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithClock(t, clock.New())
}

func newHarnessWithClock(t *testing.T, clk clock.Clock) *harness {
	t.Helper()
	cache := store.NewMemoryCache(clk)
	responses := store.NewMemoryResponses(clk, time.Hour)
	broker := &fakeBroker{nodes: map[string]edgeNode{}, down: map[string]bool{}}
	d := dispatch.New(broker, dispatch.Options{Expiration: 30 * time.Second, Clock: clk})
	m := discovery.NewManager(cache, d, discovery.Options{Clock: clk})
	broker.ctrl = NewController(m, responses)
	coord := NewCoordinator(m, d, dispatch.NewMemorySequence(), responses, allocator.New(nil), Options{
		PollInterval:      time.Millisecond,
		FanOutAttempts:    3,
		SingleMinAttempts: 3,
		ThroughputFactor:  0.0001,
		Clock:             clk,
	})
	return &harness{broker: broker, responses: responses, cache: cache, coord: coord}
}

func searchRequest(env *queues.RequestEnvelope) queues.SearchRequest {
	var req queues.SearchRequest
	_ = json.Unmarshal(env.Payload, &req)
	return req
}

func answerSearch(rows ...queues.ResultRow) edgeNode {
	return func(env *queues.RequestEnvelope) *queues.Report {
		req := searchRequest(env)
		return &queues.Report{
			Type:   queues.ReportSearch,
			NodeID: env.NodeID,
			Search: &queues.SearchReport{Kind: env.Kind, Tenant: req.Tenant, RequestID: req.RequestID, Rows: rows},
		}
	}
}

func answerDiscovery(cameraIDs ...string) edgeNode {
	return func(env *queues.RequestEnvelope) *queues.Report {
		if env.Kind != queues.KindDiscovery {
			return nil
		}
		cams := make([]discovery.Camera, 0, len(cameraIDs))
		for _, id := range cameraIDs {
			cams = append(cams, discovery.Camera{ID: id, Name: id})
		}
		return &queues.Report{
			Type:      queues.ReportDiscovery,
			NodeID:    env.NodeID,
			Discovery: &queues.DiscoveryReport{Cameras: cams, DiscoveredAt: env.IssuedAt},
		}
	}
}

func row(score float64, payload string) queues.ResultRow {
	return queues.ResultRow{Score: score, Payload: json.RawMessage(payload)}
}
