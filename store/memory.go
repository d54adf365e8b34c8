package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"edge-fleet-dispatcher/discovery"

	"github.com/benbjohnson/clock"
)

// MemoryCache is an in-process discovery.Cache with per-key expiry.
type MemoryCache struct {
	mu    sync.RWMutex
	clock clock.Clock
	items map[string]cacheItem
}

type cacheItem struct {
	snap    *discovery.Snapshot
	expires time.Time
}

func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCache{clock: clk, items: make(map[string]cacheItem)}
}

func (c *MemoryCache) Get(ctx context.Context, nodeID string) (*discovery.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(nodeID), nil
}

func (c *MemoryCache) GetMulti(ctx context.Context, nodeIDs []string) (map[string]*discovery.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*discovery.Snapshot, len(nodeIDs))
	for _, id := range nodeIDs {
		if snap := c.lookup(id); snap != nil {
			out[id] = snap
		}
	}
	return out, nil
}

func (c *MemoryCache) Set(ctx context.Context, snap *discovery.Snapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := cacheItem{snap: snap.Clone()}
	if ttl > 0 {
		item.expires = c.clock.Now().Add(ttl)
	}
	c.items[discovery.CacheKey(snap.NodeID)] = item
	return nil
}

func (c *MemoryCache) lookup(nodeID string) *discovery.Snapshot {
	item, ok := c.items[discovery.CacheKey(nodeID)]
	if !ok {
		return nil
	}
	if !item.expires.IsZero() && !c.clock.Now().Before(item.expires) {
		return nil
	}
	return item.snap.Clone()
}

// MemoryResponses is an in-process ResponseStore. Records expire ttl after
// they are opened; expired records read as missing.
type MemoryResponses struct {
	mu           sync.RWMutex
	clock        clock.Clock
	ttl          time.Duration
	requests     map[RequestRef]*memRequest
	correlations map[string]*memCorrelation
}

type memRequest struct {
	pending PendingRequest
	rows    map[string][]Row
	expires time.Time
}

type memCorrelation struct {
	rec     Correlation
	expires time.Time
}

func NewMemoryResponses(clk clock.Clock, ttl time.Duration) *MemoryResponses {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryResponses{
		clock:        clk,
		ttl:          ttl,
		requests:     make(map[RequestRef]*memRequest),
		correlations: make(map[string]*memCorrelation),
	}
}

func (s *MemoryResponses) expiry() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(s.ttl)
}

func (s *MemoryResponses) expired(t time.Time) bool {
	return !t.IsZero() && !s.clock.Now().Before(t)
}

func (s *MemoryResponses) request(ref RequestRef) *memRequest {
	r, ok := s.requests[ref]
	if !ok || s.expired(r.expires) {
		return nil
	}
	return r
}

func (s *MemoryResponses) Open(ctx context.Context, ref RequestRef, expected []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[ref] = &memRequest{
		pending: PendingRequest{
			Ref:       ref,
			Expected:  append([]string(nil), expected...),
			Responded: []string{},
			CreatedAt: s.clock.Now(),
		},
		rows:    make(map[string][]Row),
		expires: s.expiry(),
	}
	return nil
}

func (s *MemoryResponses) Respond(ctx context.Context, ref RequestRef, nodeID string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.request(ref)
	if r == nil {
		return ErrNotFound
	}
	if !contains(r.pending.Expected, nodeID) {
		return ErrUnexpectedResponder
	}
	stored := make([]Row, len(rows))
	for i, row := range rows {
		row.NodeID = nodeID
		stored[i] = row
	}
	r.rows[nodeID] = stored
	if !contains(r.pending.Responded, nodeID) {
		r.pending.Responded = append(r.pending.Responded, nodeID)
	}
	return nil
}

func (s *MemoryResponses) Coverage(ctx context.Context, ref RequestRef) (*PendingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.request(ref)
	if r == nil {
		return nil, ErrNotFound
	}
	out := r.pending
	out.Expected = append([]string(nil), r.pending.Expected...)
	out.Responded = append([]string{}, r.pending.Responded...)
	return &out, nil
}

func (s *MemoryResponses) Rows(ctx context.Context, ref RequestRef, minScore float64) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.request(ref)
	if r == nil {
		return nil, ErrNotFound
	}
	var out []Row
	for _, nodeID := range r.pending.Responded {
		for _, row := range r.rows[nodeID] {
			if row.Score >= minScore {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

func (s *MemoryResponses) OpenCorrelation(ctx context.Context, key, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.correlations[key] = &memCorrelation{
		rec:     Correlation{Key: key, NodeID: nodeID, CreatedAt: s.clock.Now()},
		expires: s.expiry(),
	}
	return nil
}

func (s *MemoryResponses) Complete(ctx context.Context, key, nodeID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.correlations[key]
	if !ok || s.expired(c.expires) {
		return ErrNotFound
	}
	if c.rec.NodeID != nodeID {
		return ErrUnexpectedResponder
	}
	now := s.clock.Now()
	c.rec.Done = true
	c.rec.CompletedAt = &now
	c.rec.Payload = append(json.RawMessage(nil), payload...)
	return nil
}

func (s *MemoryResponses) Correlation(ctx context.Context, key string) (*Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.correlations[key]
	if !ok || s.expired(c.expires) {
		return nil, ErrNotFound
	}
	out := c.rec
	return &out, nil
}

func (s *MemoryResponses) DeleteCorrelation(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.correlations, key)
	return nil
}
