package allocator

import "maps"

// Assign places each candidate, in order, on the eligible node with the
// most remaining capacity, breaking ties by the smallest node id. It is a
// single greedy pass without backtracking, so a later candidate can fail
// where a different earlier choice would have let it fit.
//
// capacities is not modified. Both returned lists follow input order, and
// no node is ever given more candidates than its capacity.
func Assign(candidates []Candidate, capacities map[string]int) ([]Assignment, []AssignmentError) {
	remaining := maps.Clone(capacities)
	if remaining == nil {
		remaining = map[string]int{}
	}

	var (
		ok     []Assignment
		failed []AssignmentError
	)
	for _, c := range candidates {
		best, bestCap := "", 0
		for _, n := range c.EligibleNodeIDs {
			free := remaining[n]
			if free <= 0 {
				continue
			}
			if free > bestCap || (free == bestCap && n < best) {
				best, bestCap = n, free
			}
		}
		if best == "" {
			failed = append(failed, AssignmentError{Candidate: c, Reason: ReasonNoAvailableNode})
			continue
		}
		remaining[best]--
		ok = append(ok, Assignment{Candidate: c, NodeID: best})
	}
	return ok, failed
}
