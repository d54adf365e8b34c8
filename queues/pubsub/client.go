package pubsub

import (
	"context"
	"strings"

	"edge-fleet-dispatcher/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

const (
	// AttrQueue carries the logical queue name, "{kind}:{node}".
	AttrQueue = "queue"
	// AttrExpiresAt carries the RFC 3339 instant after which a message
	// must be dropped unprocessed.
	AttrExpiresAt = "expiresAt"
)

// TopicID maps a logical queue onto a Pub/Sub topic id. Topic ids may not
// contain ':' so the kind and node are joined with '.'.
func TopicID(kind queues.RequestKind, nodeID string) string {
	return strings.Replace(queues.QueueName(kind, nodeID), ":", ".", 1)
}

func newClient(ctx context.Context, projectID, credsFile, role string) (*gpubsub.Client, error) {
	var (
		client *gpubsub.Client
		err    error
	)
	if credsFile != "" {
		log.Debug().Str("projectID", projectID).Str("credsFile", credsFile).Msgf("pubsub: initializing %s with explicit credentials", role)
		client, err = gpubsub.NewClient(ctx, projectID, option.WithCredentialsFile(credsFile))
	} else {
		log.Debug().Str("projectID", projectID).Msgf("pubsub: initializing %s with default credentials", role)
		client, err = gpubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		log.Error().Err(err).Str("projectID", projectID).Msgf("pubsub: failed to create client for %s", role)
		return nil, err
	}
	return client, nil
}
