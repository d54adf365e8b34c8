package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"edge-fleet-dispatcher/queues"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial error: %#v", err)
	}
	t.Cleanup(func() { conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("client error: %#v", err)
	}
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestTopicID(t *testing.T) {
	if got := TopicID(queues.KindTextSearch, "nvr-1"); got != "text-search.nvr-1" {
		t.Errorf("got=%#v want=%#v", got, "text-search.nvr-1")
	}
}

func TestPublisher_Publish(t *testing.T) {
	if testing.Short() {
		t.Skip("short")
	}
	srv, client := newTestClient(t)
	ctx := context.Background()

	if _, err := client.CreateTopic(ctx, TopicID(queues.KindDiscovery, "nvr-1")); err != nil {
		t.Fatalf("create topic: %#v", err)
	}
	expires := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	tests := []struct {
		name    string
		env     *queues.RequestEnvelope
		wantErr bool
	}{
		{
			name: "success",
			env: &queues.RequestEnvelope{
				EnvelopeVersion: queues.EnvelopeVersion,
				Type:            "edge-request",
				MessageID:       "m1",
				Kind:            queues.KindDiscovery,
				NodeID:          "nvr-1",
				ExpiresAt:       &expires,
				Payload:         json.RawMessage(`{}`),
			},
		},
		{
			name: "missing topic error",
			env: &queues.RequestEnvelope{
				EnvelopeVersion: queues.EnvelopeVersion,
				MessageID:       "m2",
				Kind:            queues.KindDiscovery,
				NodeID:          "nvr-unknown",
			},
			wantErr: true,
		},
	}

	p := &Publisher{projectID: "test-project", client: client, topics: make(map[string]*pubsub.Topic)}
	defer p.Close()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Publish(ctx, tt.env)
			gotErr := (err != nil)
			if gotErr != tt.wantErr {
				t.Errorf("Publish() error mismatch\ngotErr: %#v\nwantErr: %#v\nerr: %#v", gotErr, tt.wantErr, err)
			}
		})
	}

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got=%d messages want=1", len(msgs))
	}
	m := msgs[0]
	if got := m.Attributes[AttrQueue]; got != "discovery:nvr-1" {
		t.Errorf("queue attr got=%#v want=%#v", got, "discovery:nvr-1")
	}
	if got := m.Attributes[AttrExpiresAt]; got != "2026-03-01T12:00:30Z" {
		t.Errorf("expiresAt attr got=%#v", got)
	}
	var env queues.RequestEnvelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.MessageID != "m1" || env.NodeID != "nvr-1" {
		t.Errorf("got=%#v", env)
	}
}
