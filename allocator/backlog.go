package allocator

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// BacklogEntry is a camera waiting for a node with free capacity.
type BacklogEntry struct {
	Candidate Candidate
	Timestamp time.Time
	Position  int
	Attempts  int
}

// Backlog keeps FIFO queues of unassigned cameras, one per pool
// (typically a site or tenant). Entries are kept in memory only.
type Backlog struct {
	mu    sync.RWMutex
	clock clock.Clock
	pools map[string][]*BacklogEntry
}

func NewBacklog(clk clock.Clock) *Backlog {
	if clk == nil {
		clk = clock.New()
	}
	return &Backlog{
		clock: clk,
		pools: make(map[string][]*BacklogEntry),
	}
}

// Enqueue adds a candidate to the end of the pool's queue and returns a
// copy of its entry. A candidate already queued keeps its place, takes the
// new eligibility and has its attempt count bumped.
func (b *Backlog) Enqueue(pool string, c Candidate) BacklogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.pools[pool] {
		if e.Candidate.ResourceID == c.ResourceID {
			e.Candidate = c
			e.Attempts++
			return *e
		}
	}

	entry := &BacklogEntry{
		Candidate: c,
		Timestamp: b.clock.Now(),
		Attempts:  1,
	}
	b.pools[pool] = append(b.pools[pool], entry)
	renumber(b.pools[pool])
	return *entry
}

// Remove drops a camera from the pool's queue, e.g. once it was assigned.
func (b *Backlog) Remove(pool, resourceID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.pools[pool]
	for i, e := range queue {
		if e.Candidate.ResourceID == resourceID {
			b.pools[pool] = append(queue[:i], queue[i+1:]...)
			renumber(b.pools[pool])
			return true
		}
	}
	return false
}

// Retain keeps only the pool's entries for which keep returns true and
// returns the IDs it dropped. An emptied pool is forgotten.
func (b *Backlog) Retain(pool string, keep func(resourceID string) bool) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dropped []string
	queue := b.pools[pool][:0]
	for _, e := range b.pools[pool] {
		if keep(e.Candidate.ResourceID) {
			queue = append(queue, e)
			continue
		}
		dropped = append(dropped, e.Candidate.ResourceID)
	}
	if len(queue) == 0 {
		delete(b.pools, pool)
		return dropped
	}
	b.pools[pool] = queue
	renumber(queue)
	return dropped
}

func (b *Backlog) Len(pool string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pools[pool])
}

// Pending returns the queued candidates of a pool, oldest first.
func (b *Backlog) Pending(pool string) []Candidate {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Candidate, 0, len(b.pools[pool]))
	for _, e := range b.pools[pool] {
		out = append(out, e.Candidate)
	}
	return out
}

func renumber(queue []*BacklogEntry) {
	for i, e := range queue {
		e.Position = i + 1
	}
}
