package discovery

import (
	"sort"
	"time"
)

// Camera is the descriptor an edge node reports for one of its cameras.
type Camera struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	URL      string            `json:"url,omitempty"`
	Model    string            `json:"model,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Entry is a camera together with the time it was last reported.
type Entry struct {
	Camera   Camera    `json:"camera"`
	CachedAt time.Time `json:"cachedAt"`
}

// Snapshot is the last observed camera set of one node.
// LastDiscoveryTime never moves backwards for a given node.
type Snapshot struct {
	NodeID            string           `json:"nodeId"`
	Cameras           map[string]Entry `json:"cameras"`
	LastDiscoveryTime time.Time        `json:"lastDiscoveryTime"`
}

// Result is what the manager hands back per requested node. Snapshot is nil
// when nothing was ever discovered for the node; a stale snapshot is still
// returned with Fresh set to false.
type Result struct {
	NodeID   string
	Snapshot *Snapshot
	Fresh    bool
}

// LocatedCamera is a camera plus the node that reported it.
type LocatedCamera struct {
	NodeID   string
	Camera   Camera
	CachedAt time.Time
	Fresh    bool
}

func CacheKey(nodeID string) string {
	return "discovery:" + nodeID
}

// Fresh reports whether the snapshot is within window of now.
func (s *Snapshot) Fresh(now time.Time, window time.Duration) bool {
	if s == nil {
		return false
	}
	return now.Sub(s.LastDiscoveryTime) <= window
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		NodeID:            s.NodeID,
		Cameras:           make(map[string]Entry, len(s.Cameras)),
		LastDiscoveryTime: s.LastDiscoveryTime,
	}
	for id, e := range s.Cameras {
		out.Cameras[id] = e
	}
	return out
}

// CameraIDs returns the ids of the cameras in the snapshot, sorted.
func (s *Snapshot) CameraIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Cameras))
	for id := range s.Cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Merge folds a discovery payload into the existing snapshot and returns the
// result; existing is never modified.
//
// Reported cameras are added or refreshed with CachedAt = incomingTime.
// Cameras missing from the payload are kept until their own CachedAt is older
// than now - grace, so one lost discovery round does not make them disappear.
// A payload older than the snapshot is ignored.
func Merge(existing *Snapshot, nodeID string, incoming []Camera, incomingTime, now time.Time, grace time.Duration) *Snapshot {
	if existing != nil && incomingTime.Before(existing.LastDiscoveryTime) {
		return existing.Clone()
	}

	out := existing.Clone()
	if out == nil {
		out = &Snapshot{NodeID: nodeID, Cameras: make(map[string]Entry, len(incoming))}
	}
	if out.Cameras == nil {
		out.Cameras = make(map[string]Entry, len(incoming))
	}

	seen := make(map[string]struct{}, len(incoming))
	for _, c := range incoming {
		if c.ID == "" {
			continue
		}
		seen[c.ID] = struct{}{}
		out.Cameras[c.ID] = Entry{Camera: c, CachedAt: incomingTime}
	}

	cutoff := now.Add(-grace)
	for id, e := range out.Cameras {
		if _, ok := seen[id]; ok {
			continue
		}
		if e.CachedAt.Before(cutoff) {
			delete(out.Cameras, id)
		}
	}

	out.LastDiscoveryTime = incomingTime
	return out
}
