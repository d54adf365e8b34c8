package store

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"edge-fleet-dispatcher/discovery"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	DefaultPrefix = "/fleet"
	// etcd rejects transactions with more operations than --max-txn-ops (128 by default).
	maxTxnOps      = 128
	maxCASAttempts = 5
)

// EtcdClient is the part of *clientv3.Client the etcd backends use.
type EtcdClient interface {
	clientv3.KV
	clientv3.Lease
}

// Dial connects to an etcd cluster.
func Dial(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

func leaseSeconds(ttl time.Duration) int64 {
	s := int64(math.Ceil(ttl.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// withTTL grants a lease for ttl and returns the put option binding a key to it.
func withTTL(ctx context.Context, client EtcdClient, ttl time.Duration) ([]clientv3.OpOption, error) {
	if ttl <= 0 {
		return nil, nil
	}
	lease, err := client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return nil, err
	}
	return []clientv3.OpOption{clientv3.WithLease(lease.ID)}, nil
}

// EtcdCache stores discovery snapshots as JSON under
// {prefix}/cache/discovery:{node_id}, each bound to its own lease.
type EtcdCache struct {
	client EtcdClient
	prefix string
}

func NewEtcdCache(client EtcdClient, prefix string) *EtcdCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &EtcdCache{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

func (c *EtcdCache) key(nodeID string) string {
	return c.prefix + "/cache/" + discovery.CacheKey(nodeID)
}

func (c *EtcdCache) Get(ctx context.Context, nodeID string) (*discovery.Snapshot, error) {
	resp, err := c.client.Get(ctx, c.key(nodeID))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	var snap discovery.Snapshot
	if err := json.Unmarshal(resp.Kvs[0].Value, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetMulti reads all keys in as few transactions as the txn op limit allows.
// Undecodable entries are skipped.
func (c *EtcdCache) GetMulti(ctx context.Context, nodeIDs []string) (map[string]*discovery.Snapshot, error) {
	out := make(map[string]*discovery.Snapshot, len(nodeIDs))
	for start := 0; start < len(nodeIDs); start += maxTxnOps {
		chunk := nodeIDs[start:min(start+maxTxnOps, len(nodeIDs))]
		ops := make([]clientv3.Op, 0, len(chunk))
		for _, id := range chunk {
			ops = append(ops, clientv3.OpGet(c.key(id)))
		}
		resp, err := c.client.Txn(ctx).Then(ops...).Commit()
		if err != nil {
			return nil, err
		}
		for i, r := range resp.Responses {
			rr := r.GetResponseRange()
			if rr == nil || len(rr.Kvs) == 0 {
				continue
			}
			var snap discovery.Snapshot
			if err := json.Unmarshal(rr.Kvs[0].Value, &snap); err != nil {
				log.Warn().Err(err).Str("nodeId", chunk[i]).Msg("store: skipping undecodable snapshot")
				continue
			}
			out[chunk[i]] = &snap
		}
	}
	return out, nil
}

func (c *EtcdCache) Set(ctx context.Context, snap *discovery.Snapshot, ttl time.Duration) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	opts, err := withTTL(ctx, c.client, ttl)
	if err != nil {
		return err
	}
	_, err = c.client.Put(ctx, c.key(snap.NodeID), string(b), opts...)
	return err
}

// EtcdResponses is a ResponseStore on etcd.
//
//	{prefix}/requests/{kind}/{tenant}/{id}     pending record (expected responders)
//	{prefix}/rows/{kind}/{tenant}/{id}/{node}  rows written by one node
//	{prefix}/correlations/{key}                single-node correlation record
//
// The responder set is the set of row keys, ordered by creation revision.
// Rows share the lease of their pending record so both expire together.
type EtcdResponses struct {
	client EtcdClient
	prefix string
	ttl    time.Duration
	clock  clock.Clock
}

func NewEtcdResponses(client EtcdClient, prefix string, ttl time.Duration, clk clock.Clock) *EtcdResponses {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if clk == nil {
		clk = clock.New()
	}
	return &EtcdResponses{client: client, prefix: strings.TrimSuffix(prefix, "/"), ttl: ttl, clock: clk}
}

func (s *EtcdResponses) refPath(ref RequestRef) string {
	return ref.Kind + "/" + ref.Tenant + "/" + strconv.FormatInt(ref.ID, 10)
}

func (s *EtcdResponses) pendingKey(ref RequestRef) string {
	return s.prefix + "/requests/" + s.refPath(ref)
}

func (s *EtcdResponses) rowsPrefix(ref RequestRef) string {
	return s.prefix + "/rows/" + s.refPath(ref) + "/"
}

func (s *EtcdResponses) correlationKey(key string) string {
	return s.prefix + "/correlations/" + key
}

func (s *EtcdResponses) Open(ctx context.Context, ref RequestRef, expected []string) error {
	rec := PendingRequest{Ref: ref, Expected: expected, Responded: []string{}, CreatedAt: s.clock.Now()}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	opts, err := withTTL(ctx, s.client, s.ttl)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, s.pendingKey(ref), string(b), opts...)
	return err
}

func (s *EtcdResponses) Respond(ctx context.Context, ref RequestRef, nodeID string, rows []Row) error {
	resp, err := s.client.Get(ctx, s.pendingKey(ref))
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		return ErrNotFound
	}
	var pending PendingRequest
	if err := json.Unmarshal(resp.Kvs[0].Value, &pending); err != nil {
		return err
	}
	if !contains(pending.Expected, nodeID) {
		return ErrUnexpectedResponder
	}

	stored := make([]Row, len(rows))
	for i, row := range rows {
		row.NodeID = nodeID
		stored[i] = row
	}
	b, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	var opts []clientv3.OpOption
	if lease := resp.Kvs[0].Lease; lease != 0 {
		opts = append(opts, clientv3.WithLease(clientv3.LeaseID(lease)))
	}
	_, err = s.client.Put(ctx, s.rowsPrefix(ref)+nodeID, string(b), opts...)
	return err
}

// read fetches the pending record and the row keys (or rows) in one revision.
func (s *EtcdResponses) read(ctx context.Context, ref RequestRef, withRows bool) (*PendingRequest, []*nodeRows, error) {
	rowOpts := []clientv3.OpOption{
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
	}
	if !withRows {
		rowOpts = append(rowOpts, clientv3.WithKeysOnly())
	}
	resp, err := s.client.Txn(ctx).Then(
		clientv3.OpGet(s.pendingKey(ref)),
		clientv3.OpGet(s.rowsPrefix(ref), rowOpts...),
	).Commit()
	if err != nil {
		return nil, nil, err
	}
	pendingKvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(pendingKvs) == 0 {
		return nil, nil, ErrNotFound
	}
	var pending PendingRequest
	if err := json.Unmarshal(pendingKvs[0].Value, &pending); err != nil {
		return nil, nil, err
	}

	prefix := s.rowsPrefix(ref)
	pending.Responded = []string{}
	var kvs []*nodeRows
	for _, kv := range resp.Responses[1].GetResponseRange().GetKvs() {
		nodeID := strings.TrimPrefix(string(kv.Key), prefix)
		if !contains(pending.Expected, nodeID) {
			continue
		}
		pending.Responded = append(pending.Responded, nodeID)
		kvs = append(kvs, &nodeRows{nodeID: nodeID, value: kv.Value})
	}
	return &pending, kvs, nil
}

type nodeRows struct {
	nodeID string
	value  []byte
}

func (s *EtcdResponses) Coverage(ctx context.Context, ref RequestRef) (*PendingRequest, error) {
	pending, _, err := s.read(ctx, ref, false)
	return pending, err
}

func (s *EtcdResponses) Rows(ctx context.Context, ref RequestRef, minScore float64) ([]Row, error) {
	_, kvs, err := s.read(ctx, ref, true)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, kv := range kvs {
		var rows []Row
		if err := json.Unmarshal(kv.value, &rows); err != nil {
			log.Warn().Err(err).Str("nodeId", kv.nodeID).Msg("store: skipping undecodable rows")
			continue
		}
		for _, row := range rows {
			if row.Score >= minScore {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

func (s *EtcdResponses) OpenCorrelation(ctx context.Context, key, nodeID string) error {
	b, err := json.Marshal(Correlation{Key: key, NodeID: nodeID, CreatedAt: s.clock.Now()})
	if err != nil {
		return err
	}
	opts, err := withTTL(ctx, s.client, s.ttl)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, s.correlationKey(key), string(b), opts...)
	return err
}

// Complete marks the correlation record answered. It never recreates a
// record that was deleted or expired, and only the node the record was
// opened for may complete it.
func (s *EtcdResponses) Complete(ctx context.Context, key, nodeID string, payload json.RawMessage) error {
	k := s.correlationKey(key)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		resp, err := s.client.Get(ctx, k)
		if err != nil {
			return err
		}
		if len(resp.Kvs) == 0 {
			return ErrNotFound
		}
		var rec Correlation
		if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
			return err
		}
		if rec.NodeID != nodeID {
			return ErrUnexpectedResponder
		}
		now := s.clock.Now()
		rec.Done = true
		rec.CompletedAt = &now
		rec.Payload = payload
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		tr, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", resp.Kvs[0].ModRevision)).
			Then(clientv3.OpPut(k, string(b), clientv3.WithIgnoreLease())).
			Commit()
		if err != nil {
			return err
		}
		if tr.Succeeded {
			return nil
		}
	}
	return errors.New("store: correlation update lost to concurrent writers")
}

func (s *EtcdResponses) Correlation(ctx context.Context, key string) (*Correlation, error) {
	resp, err := s.client.Get(ctx, s.correlationKey(key))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	var rec Correlation
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *EtcdResponses) DeleteCorrelation(ctx context.Context, key string) error {
	_, err := s.client.Delete(ctx, s.correlationKey(key))
	return err
}
