package allocator

import (
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestNewBacklog(t *testing.T) {
	b := NewBacklog(nil)
	if b == nil {
		t.Fatal("NewBacklog() returned nil")
	}
	if b.pools == nil {
		t.Error("pools map not initialized")
	}
}

func TestBacklog_Enqueue(t *testing.T) {
	mock := clock.NewMock()
	b := NewBacklog(mock)
	pool := "site-a"

	first := b.Enqueue(pool, cand("cam1", "n1"))
	if first.Position != 1 {
		t.Errorf("First enqueue position = %d, want 1", first.Position)
	}
	mock.Add(time.Second)
	if e := b.Enqueue(pool, cand("cam2", "n1")); e.Position != 2 {
		t.Errorf("Second enqueue position = %d, want 2", e.Position)
	}
	if e := b.Enqueue(pool, cand("cam3", "n1")); e.Position != 3 {
		t.Errorf("Third enqueue position = %d, want 3", e.Position)
	}
	if length := b.Len(pool); length != 3 {
		t.Errorf("Backlog length = %d, want 3", length)
	}
	if first.Timestamp != mock.Now().Add(-time.Second) {
		t.Errorf("entry timestamp = %v, want %v", first.Timestamp, mock.Now().Add(-time.Second))
	}
}

func TestBacklog_EnqueueExisting(t *testing.T) {
	b := NewBacklog(nil)
	pool := "site-a"
	b.Enqueue(pool, cand("cam1", "n1"))
	b.Enqueue(pool, cand("cam2", "n1"))

	entry := b.Enqueue(pool, cand("cam1", "n2"))

	if entry.Position != 1 {
		t.Errorf("re-enqueue position = %d, want 1", entry.Position)
	}
	if entry.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", entry.Attempts)
	}
	if length := b.Len(pool); length != 2 {
		t.Errorf("Backlog length = %d, want 2", length)
	}
	if got := b.Pending(pool)[0].EligibleNodeIDs; len(got) != 1 || got[0] != "n2" {
		t.Errorf("eligibility not refreshed: %#v", got)
	}
}

func TestBacklog_Remove(t *testing.T) {
	b := NewBacklog(nil)
	pool := "site-a"
	b.Enqueue(pool, cand("cam1"))
	b.Enqueue(pool, cand("cam2"))
	b.Enqueue(pool, cand("cam3"))

	if !b.Remove(pool, "cam2") {
		t.Error("Remove() returned false, want true")
	}
	if length := b.Len(pool); length != 2 {
		t.Errorf("Backlog length after remove = %d, want 2", length)
	}
	if e := b.Enqueue(pool, cand("cam3")); e.Position != 2 {
		t.Errorf("cam3 position after remove = %d, want 2", e.Position)
	}
	if b.Remove(pool, "nonexistent") {
		t.Error("Remove() for nonexistent returned true, want false")
	}
}

func TestBacklog_Retain(t *testing.T) {
	tests := []struct {
		name        string
		keep        []string
		wantDropped []string
		wantPending []string
	}{
		{name: "keep all", keep: []string{"cam1", "cam2", "cam3"}, wantPending: []string{"cam1", "cam2", "cam3"}},
		{name: "drop middle", keep: []string{"cam1", "cam3"}, wantDropped: []string{"cam2"}, wantPending: []string{"cam1", "cam3"}},
		{name: "drop all", keep: nil, wantDropped: []string{"cam1", "cam2", "cam3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBacklog(nil)
			pool := "site-a"
			b.Enqueue(pool, cand("cam1"))
			b.Enqueue(pool, cand("cam2"))
			b.Enqueue(pool, cand("cam3"))
			b.Enqueue("site-b", cand("cam2"))

			dropped := b.Retain(pool, func(id string) bool { return slices.Contains(tt.keep, id) })

			if !slices.Equal(dropped, tt.wantDropped) {
				t.Errorf("Retain() dropped mismatch\ngot=%#v\nwant=%#v", dropped, tt.wantDropped)
			}
			var pending []string
			for i, c := range b.Pending(pool) {
				pending = append(pending, c.ResourceID)
				if e := b.Enqueue(pool, c); e.Position != i+1 {
					t.Errorf("%s position = %d, want %d", c.ResourceID, e.Position, i+1)
				}
			}
			if !slices.Equal(pending, tt.wantPending) {
				t.Errorf("Pending() mismatch\ngot=%#v\nwant=%#v", pending, tt.wantPending)
			}
			if length := b.Len("site-b"); length != 1 {
				t.Errorf("other pool length = %d, want 1", length)
			}
		})
	}
}

func TestBacklog_Concurrent(t *testing.T) {
	b := NewBacklog(nil)
	pool := "site-a"

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			b.Enqueue(pool, cand(fmt.Sprintf("cam%d", id)))
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if length := b.Len(pool); length != 10 {
		t.Errorf("Backlog length after concurrent enqueues = %d, want 10", length)
	}
}
