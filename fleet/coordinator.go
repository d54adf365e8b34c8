// Package fleet drives requests across edge nodes: it asks the discovery
// cache which cameras each node has, dispatches correlated requests, and
// waits for the answers the nodes write back.
//
// Coordinator is the entry point for request handlers (search, clip and
// camera assignment endpoints), which embed it with their own
// dispatch.Sequence and allocator. fleetd itself only runs Controller,
// ingesting the reports nodes publish back.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"edge-fleet-dispatcher/aggregate"
	"edge-fleet-dispatcher/allocator"
	"edge-fleet-dispatcher/discovery"
	"edge-fleet-dispatcher/dispatch"
	"edge-fleet-dispatcher/queues"
	"edge-fleet-dispatcher/store"
	"edge-fleet-dispatcher/timeline"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultThroughputFactor  = 1.0
	DefaultScalingFactor     = 3.0
	DefaultMergeTolerance    = time.Second
	DefaultMaxClipDuration   = 10 * time.Minute
	DefaultPollInterval      = aggregate.DefaultPollInterval
	DefaultFanOutAttempts    = aggregate.DefaultFanOutAttempts
	DefaultSingleMinAttempts = aggregate.MinSingleAttempts
)

type Options struct {
	PollInterval      time.Duration
	FanOutAttempts    int
	SingleMinAttempts int
	ThroughputFactor  float64
	ScalingFactor     float64
	MergeTolerance    time.Duration
	MaxClipDuration   time.Duration
	Clock             clock.Clock
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.FanOutAttempts <= 0 {
		o.FanOutAttempts = DefaultFanOutAttempts
	}
	if o.SingleMinAttempts <= 0 {
		o.SingleMinAttempts = DefaultSingleMinAttempts
	}
	if o.ThroughputFactor <= 0 {
		o.ThroughputFactor = DefaultThroughputFactor
	}
	if o.ScalingFactor <= 0 {
		o.ScalingFactor = DefaultScalingFactor
	}
	if o.MergeTolerance <= 0 {
		o.MergeTolerance = DefaultMergeTolerance
	}
	if o.MaxClipDuration <= 0 {
		o.MaxClipDuration = DefaultMaxClipDuration
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Coordinator is the entry point request handlers use to talk to the fleet.
type Coordinator struct {
	manager    *discovery.Manager
	dispatcher *dispatch.Dispatcher
	sequence   dispatch.Sequence
	responses  store.ResponseStore
	aggregator *aggregate.Aggregator
	allocator  *allocator.Allocator
	opts       Options
}

func NewCoordinator(m *discovery.Manager, d *dispatch.Dispatcher, seq dispatch.Sequence, responses store.ResponseStore, alloc *allocator.Allocator, opts Options) *Coordinator {
	opts = opts.withDefaults()
	if alloc == nil {
		alloc = allocator.New(nil)
	}
	return &Coordinator{
		manager:    m,
		dispatcher: d,
		sequence:   seq,
		responses:  responses,
		aggregator: aggregate.New(responses, opts.Clock),
		allocator:  alloc,
		opts:       opts,
	}
}

// Cameras returns the discovery snapshot of each node, refreshing stale
// ones first. Stale data is returned rather than nothing; check Fresh.
func (c *Coordinator) Cameras(ctx context.Context, nodeIDs []string) (map[string]discovery.Result, error) {
	return c.manager.FreshSnapshots(ctx, nodeIDs)
}

// SearchQuery is what a caller asks every node to search for.
type SearchQuery struct {
	Query     string
	Threshold float64
	CameraIDs []string
	From      *time.Time
	To        *time.Time
}

// SearchResult is a ranked fan-out answer. Coverage covers the nodes the
// request reached; Unreachable holds the nodes it could not be sent to.
type SearchResult struct {
	Ref         store.RequestRef
	Rows        []store.Row
	Coverage    aggregate.Coverage
	Unreachable map[string]error
}

// TextSearch asks every node for matches above q.Threshold and returns all
// rows best first. Nodes that do not answer in time are reported in the
// coverage, not as an error.
func (c *Coordinator) TextSearch(ctx context.Context, tenant string, nodeIDs []string, q SearchQuery) (*SearchResult, error) {
	return c.fanOut(ctx, queues.KindTextSearch, tenant, nodeIDs, q)
}

// TimelineResult is a fan-out answer folded into one timeline.
type TimelineResult struct {
	Ref         store.RequestRef
	Intervals   []timeline.Interval
	Coverage    aggregate.Coverage
	Unreachable map[string]error
}

// TimelineSearch asks every node for matching clip intervals and merges
// adjacent intervals of the same camera, most relevant first.
func (c *Coordinator) TimelineSearch(ctx context.Context, tenant string, nodeIDs []string, q SearchQuery) (*TimelineResult, error) {
	res, err := c.fanOut(ctx, queues.KindTimelineSearch, tenant, nodeIDs, q)
	if res == nil {
		return nil, err
	}
	ranked := make([]timeline.RankedInterval, 0, len(res.Rows))
	for _, row := range res.Rows {
		var iv timeline.RankedInterval
		if err := json.Unmarshal(row.Payload, &iv); err != nil {
			log.Warn().Err(err).Str("request", res.Ref.String()).Str("nodeId", row.NodeID).Msg("fleet: skipping undecodable interval")
			continue
		}
		ranked = append(ranked, iv)
	}
	return &TimelineResult{
		Ref:         res.Ref,
		Intervals:   timeline.Merge(ranked, c.opts.MergeTolerance, c.opts.MaxClipDuration),
		Coverage:    res.Coverage,
		Unreachable: res.Unreachable,
	}, err
}

func (c *Coordinator) fanOut(ctx context.Context, kind queues.RequestKind, tenant string, nodeIDs []string, q SearchQuery) (*SearchResult, error) {
	nodeIDs = uniqueSorted(nodeIDs)
	if len(nodeIDs) == 0 {
		return nil, errors.New("fleet: no nodes to search")
	}
	id, err := c.sequence.Next(ctx, string(kind), tenant)
	if err != nil {
		return nil, fmt.Errorf("allocate %s request id: %w", kind, err)
	}
	ref := store.RequestRef{Kind: string(kind), Tenant: tenant, ID: id}
	// opened before dispatch so a fast node is never rejected as unexpected
	if err := c.responses.Open(ctx, ref, nodeIDs); err != nil {
		return nil, fmt.Errorf("open %s: %w", ref, err)
	}

	req := queues.SearchRequest{
		RequestID: id,
		Tenant:    tenant,
		Query:     q.Query,
		Threshold: q.Threshold,
		CameraIDs: q.CameraIDs,
		From:      q.From,
		To:        q.To,
	}
	unreachable := c.dispatcher.DispatchMany(ctx, nodeIDs, kind, func(string) any { return req })
	reached := make([]string, 0, len(nodeIDs))
	for _, n := range nodeIDs {
		if _, failed := unreachable[n]; !failed {
			reached = append(reached, n)
		}
	}
	log.Info().Str("request", ref.String()).Int("nodes", len(nodeIDs)).Int("unreachable", len(unreachable)).Msg("fleet: search dispatched")

	res := &SearchResult{Ref: ref, Unreachable: unreachable, Coverage: aggregate.Coverage{Expected: reached, Responded: []string{}}}
	if len(reached) == 0 {
		return res, nil
	}
	out, err := c.aggregator.WaitForAll(ctx, ref, reached, q.Threshold, aggregate.PollPolicy{
		Interval:    c.opts.PollInterval,
		MaxAttempts: c.opts.FanOutAttempts,
	})
	if out != nil {
		res.Rows = out.Rows
		res.Coverage = out.Coverage
	}
	return res, err
}

// Clip names a recorded span of one camera.
type Clip struct {
	CameraID string
	Start    time.Time
	End      time.Time
}

// UploadClip asks nodeID to upload clip and waits for it to confirm. The
// wait grows with the clip length. It fails with aggregate.ErrNoResponse
// when the node stays silent and with aggregate.ErrTargetVanished when the
// upload record is deleted while waiting.
func (c *Coordinator) UploadClip(ctx context.Context, nodeID string, clip Clip) (*store.Correlation, error) {
	if !clip.End.After(clip.Start) {
		return nil, fmt.Errorf("fleet: clip end %s not after start %s", clip.End, clip.Start)
	}
	key := uuid.NewString()
	if err := c.responses.OpenCorrelation(ctx, key, nodeID); err != nil {
		return nil, fmt.Errorf("open correlation: %w", err)
	}
	err := c.dispatcher.Dispatch(ctx, nodeID, queues.KindClipUpload, queues.ClipUploadRequest{
		CorrelationKey: key,
		CameraID:       clip.CameraID,
		Start:          clip.Start,
		End:            clip.End,
	})
	if err != nil {
		if derr := c.responses.DeleteCorrelation(context.WithoutCancel(ctx), key); derr != nil {
			log.Warn().Err(derr).Str("key", key).Msg("fleet: failed to delete correlation after dispatch error")
		}
		return nil, err
	}

	attempts := aggregate.AttemptsForWork(clip.End.Sub(clip.Start), c.opts.ThroughputFactor, c.opts.ScalingFactor, c.opts.PollInterval, c.opts.SingleMinAttempts)
	log.Info().Str("nodeId", nodeID).Str("cameraId", clip.CameraID).Str("key", key).Int("attempts", attempts).Msg("fleet: clip upload requested")
	return c.aggregator.WaitForResponse(ctx, key, aggregate.PollPolicy{Interval: c.opts.PollInterval, MaxAttempts: attempts})
}

// AssignCameras spreads the cameras seen by nodeIDs over the nodes with
// free capacity. A camera seen by several nodes may go to any of them.
// Cameras that do not fit stay in the pool's backlog for the next call;
// backlog cameras no longer seen by any of nodeIDs are dropped first.
func (c *Coordinator) AssignCameras(ctx context.Context, pool string, nodeIDs []string, capacities map[string]int) ([]allocator.Assignment, []allocator.AssignmentError, error) {
	cams, err := c.manager.Cameras(ctx, nodeIDs)
	if err != nil {
		return nil, nil, err
	}
	seenBy := make(map[string][]string)
	for _, lc := range cams {
		seenBy[lc.Camera.ID] = append(seenBy[lc.Camera.ID], lc.NodeID)
	}
	ids := slices.Sorted(maps.Keys(seenBy))
	candidates := make([]allocator.Candidate, 0, len(ids))
	for _, id := range ids {
		candidates = append(candidates, allocator.Candidate{ResourceID: id, EligibleNodeIDs: seenBy[id]})
	}
	c.allocator.Prune(pool, candidates)
	ok, failed := c.allocator.AssignBatch(pool, candidates, capacities)
	return ok, failed, nil
}

func uniqueSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}
