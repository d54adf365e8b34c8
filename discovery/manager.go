package discovery

import (
	"context"
	"sort"
	"time"

	"edge-fleet-dispatcher/metrics"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultFreshnessWindow   = 15 * time.Second
	DefaultCameraGracePeriod = 10 * time.Minute
	DefaultCacheTTL          = time.Hour
	DefaultConcurrency       = 16
)

// Cache is the key/value store holding one snapshot per node.
// Get returns nil, nil when the node has no snapshot.
type Cache interface {
	Get(ctx context.Context, nodeID string) (*Snapshot, error)
	GetMulti(ctx context.Context, nodeIDs []string) (map[string]*Snapshot, error)
	Set(ctx context.Context, snap *Snapshot, ttl time.Duration) error
}

// Refresher asks a node to run discovery. It does not wait for the answer.
type Refresher interface {
	RequestDiscovery(ctx context.Context, nodeID string) error
}

type Options struct {
	FreshnessWindow time.Duration
	GracePeriod     time.Duration
	CacheTTL        time.Duration
	Concurrency     int
	Clock           clock.Clock
}

func (o Options) withDefaults() Options {
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = DefaultFreshnessWindow
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultCameraGracePeriod
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Manager keeps per-node discovery snapshots and triggers re-discovery for
// nodes whose snapshot went stale.
type Manager struct {
	cache     Cache
	refresher Refresher
	opts      Options
}

func NewManager(cache Cache, refresher Refresher, opts Options) *Manager {
	return &Manager{cache: cache, refresher: refresher, opts: opts.withDefaults()}
}

// FreshSnapshots returns the latest known snapshot of every requested node.
// Stale or missing nodes are asked to re-discover first, but the answer is
// whatever the cache holds afterwards, stale or not. Callers that need fresh
// data check Result.Fresh.
func (m *Manager) FreshSnapshots(ctx context.Context, nodeIDs []string) (map[string]Result, error) {
	nodeIDs = dedupe(nodeIDs)
	if len(nodeIDs) == 0 {
		return map[string]Result{}, nil
	}

	cached, err := m.cache.GetMulti(ctx, nodeIDs)
	if err != nil {
		log.Warn().Err(err).Strs("nodes", nodeIDs).Msg("discovery: cache read failed; refreshing all nodes")
		cached = nil
	}

	now := m.opts.Clock.Now()
	var stale []string
	for _, id := range nodeIDs {
		if !cached[id].Fresh(now, m.opts.FreshnessWindow) {
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		m.refresh(ctx, stale)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	cached, err = m.cache.GetMulti(ctx, nodeIDs)
	if err != nil {
		return nil, err
	}

	now = m.opts.Clock.Now()
	out := make(map[string]Result, len(nodeIDs))
	for _, id := range nodeIDs {
		snap := cached[id]
		res := Result{NodeID: id, Snapshot: snap, Fresh: snap.Fresh(now, m.opts.FreshnessWindow)}
		switch {
		case snap == nil:
			metrics.SnapshotVerdicts.WithLabelValues("missing").Inc()
		case res.Fresh:
			metrics.SnapshotVerdicts.WithLabelValues("fresh").Inc()
		default:
			metrics.SnapshotVerdicts.WithLabelValues("stale").Inc()
		}
		out[id] = res
	}
	return out, nil
}

// refresh asks every node for discovery concurrently. Failures are logged
// and never stop the other nodes.
func (m *Manager) refresh(ctx context.Context, nodeIDs []string) {
	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for _, id := range nodeIDs {
		g.Go(func() error {
			if err := m.refresher.RequestDiscovery(ctx, id); err != nil {
				metrics.DiscoveryRefreshes.WithLabelValues("failure").Inc()
				log.Error().Err(err).Str("nodeId", id).Msg("discovery: refresh request failed")
				return nil
			}
			metrics.DiscoveryRefreshes.WithLabelValues("success").Inc()
			log.Debug().Str("nodeId", id).Msg("discovery: refresh requested")
			return nil
		})
	}
	_ = g.Wait()
}

// Ingest merges a discovery payload reported by a node into its cached
// snapshot and stores the result.
func (m *Manager) Ingest(ctx context.Context, nodeID string, cameras []Camera, reportedAt time.Time) (*Snapshot, error) {
	existing, err := m.cache.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if existing != nil && reportedAt.Before(existing.LastDiscoveryTime) {
		log.Debug().Str("nodeId", nodeID).Time("reportedAt", reportedAt).Time("last", existing.LastDiscoveryTime).Msg("discovery: ignoring out-of-order report")
		return existing, nil
	}

	merged := Merge(existing, nodeID, cameras, reportedAt, m.opts.Clock.Now(), m.opts.GracePeriod)
	if err := m.cache.Set(ctx, merged, m.opts.CacheTTL); err != nil {
		return nil, err
	}
	log.Debug().Str("nodeId", nodeID).Int("reported", len(cameras)).Int("cached", len(merged.Cameras)).Msg("discovery: snapshot updated")
	return merged, nil
}

// Cameras flattens the snapshots of the given nodes, refreshing stale ones
// the same way FreshSnapshots does. Ordered by node id, then camera id.
func (m *Manager) Cameras(ctx context.Context, nodeIDs []string) ([]LocatedCamera, error) {
	results, err := m.FreshSnapshots(ctx, nodeIDs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []LocatedCamera
	for _, id := range ids {
		res := results[id]
		for _, camID := range res.Snapshot.CameraIDs() {
			e := res.Snapshot.Cameras[camID]
			out = append(out, LocatedCamera{NodeID: id, Camera: e.Camera, CachedAt: e.CachedAt, Fresh: res.Fresh})
		}
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
