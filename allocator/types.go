package allocator

import "fmt"

// Candidate is a camera that still needs a node, with the nodes allowed
// to host it.
type Candidate struct {
	ResourceID      string   `json:"resourceId"`
	EligibleNodeIDs []string `json:"eligibleNodeIds"`
}

type Assignment struct {
	Candidate Candidate `json:"candidate"`
	NodeID    string    `json:"nodeId"`
}

const ReasonNoAvailableNode = "no available node"

// AssignmentError is a per-candidate failure; it never aborts a batch.
type AssignmentError struct {
	Candidate Candidate `json:"candidate"`
	Reason    string    `json:"reason"`
}

func (e AssignmentError) Error() string {
	return fmt.Sprintf("assign %s: %s", e.Candidate.ResourceID, e.Reason)
}
