// Package timeline folds the ranked clip intervals returned by several edge
// nodes into one timeline, most relevant first.
package timeline

import (
	"sort"
	"time"
)

// RankedInterval is one match reported by a node. Lower Rank is better.
type RankedInterval struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	ResourceID string    `json:"resourceId"`
	Rank       int       `json:"rank"`
	Payload    *string   `json:"payload,omitempty"`
}

type Interval struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	ResourceID string    `json:"resourceId"`
	Payload    *string   `json:"payload,omitempty"`
}

func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

// Merge joins intervals of the same camera that touch within tolerance and
// returns them ordered by their best rank. A merged interval never spans
// more than maxDuration; maxDuration <= 0 disables the cap. The input slice
// is not modified.
func Merge(intervals []RankedInterval, tolerance, maxDuration time.Duration) []Interval {
	if len(intervals) == 0 {
		return nil
	}

	byStart := make([]RankedInterval, len(intervals))
	copy(byStart, intervals)
	sort.SliceStable(byStart, func(i, j int) bool {
		return byStart[i].Start.Before(byStart[j].Start)
	})

	merged := make([]RankedInterval, 0, len(byStart))
	cur := byStart[0]
	for _, x := range byStart[1:] {
		if canMerge(cur, x, tolerance, maxDuration) {
			cur = join(cur, x)
			continue
		}
		merged = append(merged, cur)
		cur = x
	}
	merged = append(merged, cur)

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Rank < merged[j].Rank
	})

	out := make([]Interval, len(merged))
	for i, m := range merged {
		out[i] = Interval{Start: m.Start, End: m.End, ResourceID: m.ResourceID, Payload: m.Payload}
	}
	return out
}

func canMerge(cur, x RankedInterval, tolerance, maxDuration time.Duration) bool {
	if x.ResourceID != cur.ResourceID {
		return false
	}
	if x.Start.After(cur.End.Add(tolerance)) {
		return false
	}
	if maxDuration <= 0 {
		return true
	}
	if cur.End.Sub(cur.Start) >= maxDuration {
		return false
	}
	end := cur.End
	if x.End.After(end) {
		end = x.End
	}
	return end.Sub(cur.Start) <= maxDuration
}

// join expects x.Start >= cur.Start.
func join(cur, x RankedInterval) RankedInterval {
	if x.End.After(cur.End) {
		cur.End = x.End
	}
	switch {
	case cur.Payload == nil:
		cur.Payload = x.Payload
	case x.Payload != nil && x.Rank < cur.Rank:
		cur.Payload = x.Payload
	}
	if x.Rank < cur.Rank {
		cur.Rank = x.Rank
	}
	return cur
}
