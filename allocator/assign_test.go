package allocator

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(id string, nodes ...string) Candidate {
	return Candidate{ResourceID: id, EligibleNodeIDs: nodes}
}

func placements(ok []Assignment) map[string]string {
	out := make(map[string]string, len(ok))
	for _, a := range ok {
		out[a.Candidate.ResourceID] = a.NodeID
	}
	return out
}

func TestAssign_SecondNodePick(t *testing.T) {
	candidates := []Candidate{
		cand("A", "n1"),
		cand("B", "n1", "n2"),
		cand("C", "n2", "n3"),
		cand("D", "n3", "n4"),
	}
	capacities := map[string]int{"n1": 1, "n2": 1, "n3": 1, "n4": 1}

	ok, failed := Assign(candidates, capacities)

	assert.Empty(t, failed)
	assert.Equal(t, map[string]string{"A": "n1", "B": "n2", "C": "n3", "D": "n4"}, placements(ok))
	for i, a := range ok {
		assert.Equal(t, candidates[i].ResourceID, a.Candidate.ResourceID, "input order kept")
	}
}

func TestAssign_Exhaustion(t *testing.T) {
	ok, failed := Assign([]Candidate{cand("X", "n1"), cand("Y", "n1")}, map[string]int{"n1": 1})

	require.Len(t, ok, 1)
	require.Len(t, failed, 1)
	assert.Equal(t, "X", ok[0].Candidate.ResourceID)
	assert.Equal(t, "Y", failed[0].Candidate.ResourceID)
	assert.Equal(t, ReasonNoAvailableNode, failed[0].Reason)
	assert.Contains(t, failed[0].Error(), "Y")
}

func TestAssign_Cases(t *testing.T) {
	tests := []struct {
		name       string
		candidates []Candidate
		capacities map[string]int
		want       map[string]string
		wantFailed []string
	}{
		{
			name:       "most capacity wins",
			candidates: []Candidate{cand("A", "n1", "n2")},
			capacities: map[string]int{"n1": 1, "n2": 3},
			want:       map[string]string{"A": "n2"},
		},
		{
			name:       "tie goes to smallest node id",
			candidates: []Candidate{cand("A", "n3", "n2", "n9")},
			capacities: map[string]int{"n9": 2, "n3": 2, "n2": 2},
			want:       map[string]string{"A": "n2"},
		},
		{
			name:       "spreads across nodes as capacity drains",
			candidates: []Candidate{cand("A", "n1", "n2"), cand("B", "n1", "n2"), cand("C", "n1", "n2")},
			capacities: map[string]int{"n1": 2, "n2": 2},
			want:       map[string]string{"A": "n1", "B": "n2", "C": "n1"},
		},
		{
			name:       "unknown node has no capacity",
			candidates: []Candidate{cand("A", "ghost")},
			capacities: map[string]int{"n1": 5},
			wantFailed: []string{"A"},
		},
		{
			name:       "no eligible nodes",
			candidates: []Candidate{cand("A")},
			capacities: map[string]int{"n1": 5},
			wantFailed: []string{"A"},
		},
		{
			name:       "negative capacity treated as full",
			candidates: []Candidate{cand("A", "n1")},
			capacities: map[string]int{"n1": -1},
			wantFailed: []string{"A"},
		},
		{
			name:       "failure does not stop the batch",
			candidates: []Candidate{cand("A", "n1"), cand("B", "n1"), cand("C", "n2")},
			capacities: map[string]int{"n1": 1, "n2": 1},
			want:       map[string]string{"A": "n1", "C": "n2"},
			wantFailed: []string{"B"},
		},
		{
			name:       "nil capacities",
			candidates: []Candidate{cand("A", "n1")},
			wantFailed: []string{"A"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, failed := Assign(tt.candidates, tt.capacities)
			got := placements(ok)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
			var gotFailed []string
			for _, f := range failed {
				gotFailed = append(gotFailed, f.Candidate.ResourceID)
			}
			assert.Equal(t, tt.wantFailed, gotFailed)
		})
	}
}

func TestAssign_DoesNotMutateCapacities(t *testing.T) {
	caps := map[string]int{"n1": 2}
	Assign([]Candidate{cand("A", "n1"), cand("B", "n1")}, caps)
	assert.Equal(t, map[string]int{"n1": 2}, caps)
}

func TestAssign_CapacityInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		nodes := 1 + rng.Intn(6)
		caps := make(map[string]int, nodes)
		for i := 0; i < nodes; i++ {
			caps[fmt.Sprintf("n%d", i)] = rng.Intn(4)
		}
		var candidates []Candidate
		for i, total := 0, rng.Intn(30); i < total; i++ {
			c := Candidate{ResourceID: fmt.Sprintf("cam-%d", i)}
			for n := range caps {
				if rng.Intn(2) == 0 {
					c.EligibleNodeIDs = append(c.EligibleNodeIDs, n)
				}
			}
			candidates = append(candidates, c)
		}

		ok, failed := Assign(candidates, caps)

		counts := make(map[string]int)
		for _, a := range ok {
			counts[a.NodeID]++
			assert.Contains(t, a.Candidate.EligibleNodeIDs, a.NodeID)
		}
		for n, c := range counts {
			assert.LessOrEqual(t, c, caps[n], "run %d node %s over capacity", run, n)
		}
		assert.Equal(t, len(candidates), len(ok)+len(failed), "run %d", run)
	}
}
