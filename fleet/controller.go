package fleet

import (
	"context"
	"errors"
	"time"

	"edge-fleet-dispatcher/discovery"
	"edge-fleet-dispatcher/metrics"
	"edge-fleet-dispatcher/queues"
	"edge-fleet-dispatcher/store"

	"github.com/rs/zerolog/log"
)

// Ingester folds a node's discovery report into the snapshot cache.
type Ingester interface {
	Ingest(ctx context.Context, nodeID string, cameras []discovery.Camera, reportedAt time.Time) (*discovery.Snapshot, error)
}

var errNoDiscoveryTime = errors.New("discovery report carries no time")

// Controller applies reports written back by edge nodes. A returned error
// means the report should be redelivered; reports that can never apply are
// dropped with a nil error.
type Controller struct {
	ingester  Ingester
	responses store.ResponseStore
}

func NewController(ingester Ingester, responses store.ResponseStore) *Controller {
	return &Controller{ingester: ingester, responses: responses}
}

// drop records a report that was discarded for good.
func (c *Controller) drop(rep *queues.Report, err error, reason string) error {
	metrics.ReportsTotal.WithLabelValues(string(rep.Type), "dropped").Inc()
	log.Warn().Err(err).Str("nodeId", rep.NodeID).Str("type", string(rep.Type)).Msg("controller: dropping report: " + reason)
	return nil
}

func (c *Controller) Handle(ctx context.Context, rep *queues.Report) error {
	if err := rep.Validate(); err != nil {
		return c.drop(rep, err, "invalid")
	}

	var err error
	switch rep.Type {
	case queues.ReportDiscovery:
		err = c.handleDiscovery(ctx, rep)
	case queues.ReportSearch:
		err = c.handleSearch(ctx, rep)
	case queues.ReportClip:
		err = c.handleClip(ctx, rep)
	}
	if errors.Is(err, errNoDiscoveryTime) {
		return c.drop(rep, err, "no discovery time")
	}
	if errors.Is(err, store.ErrNotFound) {
		return c.drop(rep, err, "request expired or unknown")
	}
	if errors.Is(err, store.ErrUnexpectedResponder) {
		return c.drop(rep, err, "node was not asked")
	}
	if err != nil {
		metrics.ReportsTotal.WithLabelValues(string(rep.Type), "error").Inc()
		log.Error().Err(err).Str("nodeId", rep.NodeID).Str("type", string(rep.Type)).Msg("controller: failed to apply report")
		return err
	}
	metrics.ReportsTotal.WithLabelValues(string(rep.Type), "ok").Inc()
	return nil
}

func (c *Controller) handleDiscovery(ctx context.Context, rep *queues.Report) error {
	at := rep.Discovery.DiscoveredAt
	if at.IsZero() {
		at = rep.SentAt
	}
	if at.IsZero() {
		return errNoDiscoveryTime
	}
	snap, err := c.ingester.Ingest(ctx, rep.NodeID, rep.Discovery.Cameras, at)
	if err != nil {
		return err
	}
	log.Info().Str("nodeId", rep.NodeID).Int("reported", len(rep.Discovery.Cameras)).Int("cached", len(snap.Cameras)).Msg("controller: discovery applied")
	return nil
}

func (c *Controller) handleSearch(ctx context.Context, rep *queues.Report) error {
	s := rep.Search
	ref := store.RequestRef{Kind: string(s.Kind), Tenant: s.Tenant, ID: s.RequestID}
	rows := make([]store.Row, 0, len(s.Rows))
	for _, r := range s.Rows {
		rows = append(rows, store.Row{NodeID: rep.NodeID, Score: r.Score, Payload: r.Payload})
	}
	if err := c.responses.Respond(ctx, ref, rep.NodeID, rows); err != nil {
		return err
	}
	log.Debug().Str("request", ref.String()).Str("nodeId", rep.NodeID).Int("rows", len(rows)).Msg("controller: search response stored")
	return nil
}

func (c *Controller) handleClip(ctx context.Context, rep *queues.Report) error {
	if err := c.responses.Complete(ctx, rep.Clip.CorrelationKey, rep.NodeID, rep.Clip.Payload); err != nil {
		return err
	}
	log.Debug().Str("key", rep.Clip.CorrelationKey).Str("nodeId", rep.NodeID).Msg("controller: clip upload completed")
	return nil
}
