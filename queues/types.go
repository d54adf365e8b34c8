package queues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"edge-fleet-dispatcher/discovery"
)

const EnvelopeVersion = "1.0"

// RequestKind names a logical edge-node feature. It is also the feature
// segment of queue and topic names.
type RequestKind string

const (
	KindDiscovery      RequestKind = "discovery"
	KindTextSearch     RequestKind = "text-search"
	KindTimelineSearch RequestKind = "timeline-search"
	KindClipUpload     RequestKind = "clip-upload"
)

// QueueName is the broker queue a node consumes for a feature.
func QueueName(kind RequestKind, nodeID string) string {
	return fmt.Sprintf("%s:%s", kind, nodeID)
}

// CommandTopic is the device-command topic a node subscribes to for a feature.
func CommandTopic(nodeID string, kind RequestKind) string {
	return fmt.Sprintf("%s/%s", nodeID, kind)
}

// RequestEnvelope is what the cloud side publishes to one edge node.
type RequestEnvelope struct {
	EnvelopeVersion string          `json:"envelopeVersion"`
	Type            string          `json:"type"`
	MessageID       string          `json:"messageId"`
	Kind            RequestKind     `json:"kind"`
	NodeID          string          `json:"nodeId"`
	IssuedAt        time.Time       `json:"issuedAt"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// DiscoveryRequest asks a node to report the cameras it currently sees.
type DiscoveryRequest struct {
	RequestedAt time.Time `json:"requestedAt"`
}

// SearchRequest is a tracked fan-out request. Nodes answer with a search-report
// carrying the same kind, tenant and request id.
type SearchRequest struct {
	RequestID int64      `json:"requestId"`
	Tenant    string     `json:"tenant"`
	Query     string     `json:"query"`
	Threshold float64    `json:"threshold"`
	CameraIDs []string   `json:"cameraIds,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
}

// ClipUploadRequest asks one node to upload a recorded clip. The node answers
// with a clip-report for CorrelationKey.
type ClipUploadRequest struct {
	CorrelationKey string    `json:"correlationKey"`
	CameraID       string    `json:"cameraId"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
}

type ReportType string

const (
	ReportDiscovery ReportType = "discovery-report"
	ReportSearch    ReportType = "search-report"
	ReportClip      ReportType = "clip-report"
)

// Report is what an edge node writes back asynchronously.
type Report struct {
	EnvelopeVersion string           `json:"envelopeVersion"`
	Type            ReportType       `json:"type"`
	NodeID          string           `json:"nodeId"`
	SentAt          time.Time        `json:"sentAt"`
	Discovery       *DiscoveryReport `json:"discovery,omitempty"`
	Search          *SearchReport    `json:"search,omitempty"`
	Clip            *ClipReport      `json:"clip,omitempty"`
}

type DiscoveryReport struct {
	Cameras      []discovery.Camera `json:"cameras"`
	DiscoveredAt time.Time          `json:"discoveredAt"`
}

type SearchReport struct {
	Kind      RequestKind `json:"kind"`
	Tenant    string      `json:"tenant"`
	RequestID int64       `json:"requestId"`
	Rows      []ResultRow `json:"rows"`
}

type ResultRow struct {
	Score   float64         `json:"score"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ClipReport struct {
	CorrelationKey string          `json:"correlationKey"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

var ErrInvalidReport = errors.New("invalid report")

// Validate checks that the body matching Type is present.
func (r *Report) Validate() error {
	if r.NodeID == "" {
		return fmt.Errorf("%w: missing nodeId", ErrInvalidReport)
	}
	switch r.Type {
	case ReportDiscovery:
		if r.Discovery == nil {
			return fmt.Errorf("%w: missing discovery body", ErrInvalidReport)
		}
	case ReportSearch:
		if r.Search == nil || r.Search.Kind == "" {
			return fmt.Errorf("%w: missing search body", ErrInvalidReport)
		}
	case ReportClip:
		if r.Clip == nil || r.Clip.CorrelationKey == "" {
			return fmt.Errorf("%w: missing clip body", ErrInvalidReport)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidReport, r.Type)
	}
	return nil
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *Report) error) error
}

// Publisher delivers one envelope to the node named in it. Delivery is
// at-most-once; a nil error only means the transport accepted the message.
type Publisher interface {
	Publish(ctx context.Context, env *RequestEnvelope) error
}
