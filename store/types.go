// Package store holds the shared state the dispatch core reads and writes:
// the discovery snapshot cache and the response store edge nodes write their
// answers to. Every read may be stale and every write may be lost; callers
// are built to tolerate both.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrUnexpectedResponder = errors.New("store: responder not expected for request")
)

// RequestRef identifies a tracked fan-out request. ID is unique within
// Kind and Tenant.
type RequestRef struct {
	Kind   string `json:"kind"`
	Tenant string `json:"tenant"`
	ID     int64  `json:"id"`
}

func (r RequestRef) String() string {
	return fmt.Sprintf("%s/%s/%d", r.Kind, r.Tenant, r.ID)
}

// PendingRequest tracks who was asked and who answered.
// Responded is always a subset of Expected, in answer order.
type PendingRequest struct {
	Ref       RequestRef `json:"ref"`
	Expected  []string   `json:"expected"`
	Responded []string   `json:"responded"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Row is one result line written back by a node.
type Row struct {
	NodeID  string          `json:"nodeId"`
	Score   float64         `json:"score"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Correlation is the record a single-node request waits on. It exists from
// dispatch until it expires or is deleted; Done flips when the node answers.
type Correlation struct {
	Key         string          `json:"key"`
	NodeID      string          `json:"nodeId"`
	CreatedAt   time.Time       `json:"createdAt"`
	Done        bool            `json:"done"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type ResponseStore interface {
	// Open records a fan-out request and the nodes expected to answer it.
	Open(ctx context.Context, ref RequestRef, expected []string) error
	// Respond stores a node's rows and marks it as responded. A repeated
	// answer from the same node replaces its earlier rows.
	Respond(ctx context.Context, ref RequestRef, nodeID string, rows []Row) error
	// Coverage returns the pending record with the current responder set.
	Coverage(ctx context.Context, ref RequestRef) (*PendingRequest, error)
	// Rows returns every row with Score >= minScore in answer order.
	Rows(ctx context.Context, ref RequestRef, minScore float64) ([]Row, error)

	OpenCorrelation(ctx context.Context, key, nodeID string) error
	// Complete marks a correlation answered by nodeID, which must be the
	// node the correlation was opened for.
	Complete(ctx context.Context, key, nodeID string, payload json.RawMessage) error
	Correlation(ctx context.Context, key string) (*Correlation, error)
	DeleteCorrelation(ctx context.Context, key string) error
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
