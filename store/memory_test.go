package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"edge-fleet-dispatcher/discovery"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock() *clock.Mock {
	m := clock.NewMock()
	m.Set(t0)
	return m
}

func TestMemoryCache_GetSetExpire(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	c := NewMemoryCache(mock)

	snap := discovery.Merge(nil, "n1", []discovery.Camera{{ID: "c1"}}, t0, t0, time.Minute)
	require.NoError(t, c.Set(ctx, snap, 30*time.Second))

	got, err := c.Get(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"c1"}, got.CameraIDs())

	got.Cameras["mutated"] = discovery.Entry{}
	again, _ := c.Get(ctx, "n1")
	assert.NotContains(t, again.Cameras, "mutated", "callers get copies")

	multi, err := c.GetMulti(ctx, []string{"n1", "n2"})
	require.NoError(t, err)
	assert.Len(t, multi, 1)
	assert.Contains(t, multi, "n1")

	mock.Add(30 * time.Second)
	got, err = c.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Nil(t, got, "expired entry reads as missing")
}

func TestMemoryCache_NoTTL(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	c := NewMemoryCache(mock)
	require.NoError(t, c.Set(ctx, &discovery.Snapshot{NodeID: "n1"}, 0))
	mock.Add(24 * time.Hour)
	got, _ := c.Get(ctx, "n1")
	assert.NotNil(t, got)
}

func TestMemoryResponses_FanOut(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryResponses(newMock(), time.Hour)
	ref := RequestRef{Kind: "text-search", Tenant: "acme", ID: 7}

	_, err := s.Coverage(ctx, ref)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.ErrorIs(t, s.Respond(ctx, ref, "n1", nil), ErrNotFound)

	require.NoError(t, s.Open(ctx, ref, []string{"n1", "n2", "n3"}))

	cov, err := s.Coverage(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3"}, cov.Expected)
	assert.Empty(t, cov.Responded)

	require.NoError(t, s.Respond(ctx, ref, "n2", []Row{{Score: 0.4}, {Score: 0.9}}))
	require.NoError(t, s.Respond(ctx, ref, "n1", []Row{{Score: 0.7, NodeID: "spoofed"}}))
	assert.ErrorIs(t, s.Respond(ctx, ref, "n9", nil), ErrUnexpectedResponder)

	cov, err = s.Coverage(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"n2", "n1"}, cov.Responded)

	rows, err := s.Rows(ctx, ref, 0.5)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "n2", rows[0].NodeID)
	assert.Equal(t, 0.9, rows[0].Score)
	assert.Equal(t, "n1", rows[1].NodeID, "node id is taken from the responder")

	// a repeated answer replaces the earlier rows without duplicating the responder
	require.NoError(t, s.Respond(ctx, ref, "n2", []Row{{Score: 0.6}}))
	cov, _ = s.Coverage(ctx, ref)
	assert.Equal(t, []string{"n2", "n1"}, cov.Responded)
	rows, _ = s.Rows(ctx, ref, 0)
	assert.Len(t, rows, 2)
}

func TestMemoryResponses_Expiry(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	s := NewMemoryResponses(mock, time.Minute)
	ref := RequestRef{Kind: "text-search", Tenant: "acme", ID: 1}
	require.NoError(t, s.Open(ctx, ref, []string{"n1"}))
	require.NoError(t, s.OpenCorrelation(ctx, "k1", "n1"))

	mock.Add(time.Minute)

	_, err := s.Coverage(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Correlation(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Complete(ctx, "k1", "n1", nil), ErrNotFound)
}

func TestMemoryResponses_Correlation(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	s := NewMemoryResponses(mock, time.Hour)

	require.NoError(t, s.OpenCorrelation(ctx, "clip-1", "n1"))
	rec, err := s.Correlation(ctx, "clip-1")
	require.NoError(t, err)
	assert.False(t, rec.Done)
	assert.Equal(t, "n1", rec.NodeID)
	assert.Equal(t, t0, rec.CreatedAt)

	mock.Add(5 * time.Second)
	assert.ErrorIs(t, s.Complete(ctx, "clip-1", "n2", json.RawMessage(`{"url":"forged"}`)), ErrUnexpectedResponder)
	rec, err = s.Correlation(ctx, "clip-1")
	require.NoError(t, err)
	assert.False(t, rec.Done, "only the asked node completes the upload")

	require.NoError(t, s.Complete(ctx, "clip-1", "n1", json.RawMessage(`{"url":"s3://clip"}`)))
	rec, err = s.Correlation(ctx, "clip-1")
	require.NoError(t, err)
	assert.True(t, rec.Done)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, t0.Add(5*time.Second), *rec.CompletedAt)
	assert.JSONEq(t, `{"url":"s3://clip"}`, string(rec.Payload))

	require.NoError(t, s.DeleteCorrelation(ctx, "clip-1"))
	_, err = s.Correlation(ctx, "clip-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Complete(ctx, "clip-1", "n1", nil), ErrNotFound)
}

func TestRequestRef_String(t *testing.T) {
	assert.Equal(t, "text-search/acme/42", RequestRef{Kind: "text-search", Tenant: "acme", ID: 42}.String())
}
