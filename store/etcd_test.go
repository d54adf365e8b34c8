package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"edge-fleet-dispatcher/discovery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdTestClient connects to ETCD_ENDPOINTS or skips the test.
func etcdTestClient(t *testing.T) (*clientv3.Client, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("short")
	}
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	cli, err := Dial(strings.Split(endpoints, ","), 5*time.Second)
	if err != nil {
		t.Fatalf("dial etcd: %#v", err)
	}
	prefix := fmt.Sprintf("/fleet-test/%s/%d", t.Name(), time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = cli.Delete(context.Background(), prefix, clientv3.WithPrefix())
		_ = cli.Close()
	})
	return cli, prefix
}

func TestLeaseSeconds(t *testing.T) {
	tests := []struct {
		name string
		ttl  time.Duration
		want int64
	}{
		{"sub-second rounds up", 200 * time.Millisecond, 1},
		{"whole", 30 * time.Second, 30},
		{"fraction rounds up", 1500 * time.Millisecond, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := leaseSeconds(tt.ttl); got != tt.want {
				t.Errorf("leaseSeconds() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func TestEtcdCache(t *testing.T) {
	cli, prefix := etcdTestClient(t)
	ctx := context.Background()
	c := NewEtcdCache(cli, prefix)

	snap := discovery.Merge(nil, "n1", []discovery.Camera{{ID: "c1"}}, t0, t0, time.Minute)
	require.NoError(t, c.Set(ctx, snap, time.Minute))

	got, err := c.Get(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"c1"}, got.CameraIDs())
	assert.True(t, got.LastDiscoveryTime.Equal(t0))

	missing, err := c.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ids := []string{"n1"}
	for i := 0; i < maxTxnOps+5; i++ {
		ids = append(ids, fmt.Sprintf("absent-%d", i))
	}
	multi, err := c.GetMulti(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, multi, 1)
}

func TestEtcdResponses_FanOut(t *testing.T) {
	cli, prefix := etcdTestClient(t)
	ctx := context.Background()
	s := NewEtcdResponses(cli, prefix, time.Minute, nil)
	ref := RequestRef{Kind: "text-search", Tenant: "acme", ID: 1}

	assert.ErrorIs(t, s.Respond(ctx, ref, "n1", nil), ErrNotFound)
	require.NoError(t, s.Open(ctx, ref, []string{"n1", "n2", "n3"}))

	require.NoError(t, s.Respond(ctx, ref, "n2", []Row{{Score: 0.9}}))
	require.NoError(t, s.Respond(ctx, ref, "n1", []Row{{Score: 0.2}, {Score: 0.8}}))
	assert.ErrorIs(t, s.Respond(ctx, ref, "n9", nil), ErrUnexpectedResponder)

	cov, err := s.Coverage(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3"}, cov.Expected)
	assert.Equal(t, []string{"n2", "n1"}, cov.Responded)

	rows, err := s.Rows(ctx, ref, 0.5)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "n2", rows[0].NodeID)
	assert.Equal(t, "n1", rows[1].NodeID)

	// id 1 must not see rows of id 10
	other := RequestRef{Kind: "text-search", Tenant: "acme", ID: 10}
	require.NoError(t, s.Open(ctx, other, []string{"n1"}))
	require.NoError(t, s.Respond(ctx, other, "n1", []Row{{Score: 1}}))
	rows, err = s.Rows(ctx, ref, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestEtcdResponses_Correlation(t *testing.T) {
	cli, prefix := etcdTestClient(t)
	ctx := context.Background()
	s := NewEtcdResponses(cli, prefix, time.Minute, nil)

	require.NoError(t, s.OpenCorrelation(ctx, "clip-1", "n1"))
	rec, err := s.Correlation(ctx, "clip-1")
	require.NoError(t, err)
	assert.False(t, rec.Done)

	assert.ErrorIs(t, s.Complete(ctx, "clip-1", "n2", nil), ErrUnexpectedResponder)
	require.NoError(t, s.Complete(ctx, "clip-1", "n1", json.RawMessage(`{"ok":true}`)))
	rec, err = s.Correlation(ctx, "clip-1")
	require.NoError(t, err)
	assert.True(t, rec.Done)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Payload))

	require.NoError(t, s.DeleteCorrelation(ctx, "clip-1"))
	assert.ErrorIs(t, s.Complete(ctx, "clip-1", "n1", nil), ErrNotFound)
}
