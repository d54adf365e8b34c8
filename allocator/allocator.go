package allocator

import (
	"edge-fleet-dispatcher/metrics"

	"github.com/rs/zerolog/log"
)

// Allocator runs assignment batches per pool and keeps cameras that could
// not be placed in a backlog so the next batch tries them first.
type Allocator struct {
	backlog *Backlog
}

func New(backlog *Backlog) *Allocator {
	if backlog == nil {
		backlog = NewBacklog(nil)
	}
	return &Allocator{backlog: backlog}
}

func (a *Allocator) Backlog() *Backlog { return a.backlog }

// Prune drops backlog entries of cameras that are not among candidates,
// so cameras no longer seen by any node stop competing for capacity.
func (a *Allocator) Prune(pool string, candidates []Candidate) []string {
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		seen[c.ResourceID] = struct{}{}
	}
	dropped := a.backlog.Retain(pool, func(id string) bool {
		_, ok := seen[id]
		return ok
	})
	if len(dropped) > 0 {
		log.Info().Str("pool", pool).Strs("cameraIds", dropped).Msg("allocator: dropped vanished cameras from backlog")
	}
	metrics.BacklogLength.WithLabelValues(pool).Set(float64(a.backlog.Len(pool)))
	return dropped
}

// AssignBatch assigns the pool's backlog followed by the new candidates.
// A new candidate already in the backlog is tried once, in its backlog
// position, with the new eligibility. Placed cameras leave the backlog,
// failed ones join it.
func (a *Allocator) AssignBatch(pool string, candidates []Candidate, capacities map[string]int) ([]Assignment, []AssignmentError) {
	fresh := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		fresh[c.ResourceID] = c
	}

	batch := make([]Candidate, 0, a.backlog.Len(pool)+len(candidates))
	queued := make(map[string]struct{})
	for _, c := range a.backlog.Pending(pool) {
		if nc, ok := fresh[c.ResourceID]; ok {
			c = nc
		}
		queued[c.ResourceID] = struct{}{}
		batch = append(batch, c)
	}
	for _, c := range candidates {
		if _, ok := queued[c.ResourceID]; ok {
			continue
		}
		queued[c.ResourceID] = struct{}{}
		batch = append(batch, c)
	}

	ok, failed := Assign(batch, capacities)

	for _, as := range ok {
		a.backlog.Remove(pool, as.Candidate.ResourceID)
		metrics.AssignmentsTotal.WithLabelValues("success").Inc()
		log.Debug().Str("pool", pool).Str("cameraId", as.Candidate.ResourceID).Str("nodeId", as.NodeID).Msg("allocator: camera assigned")
	}
	for _, f := range failed {
		entry := a.backlog.Enqueue(pool, f.Candidate)
		metrics.AssignmentsTotal.WithLabelValues("failure").Inc()
		log.Warn().Str("pool", pool).Str("cameraId", f.Candidate.ResourceID).Str("reason", f.Reason).Int("backlogPosition", entry.Position).Int("attempts", entry.Attempts).Msg("allocator: camera not assigned")
	}
	metrics.BacklogLength.WithLabelValues(pool).Set(float64(a.backlog.Len(pool)))
	log.Info().Str("pool", pool).Int("batch", len(batch)).Int("assigned", len(ok)).Int("failed", len(failed)).Msg("allocator: batch complete")
	return ok, failed
}
