package dispatch

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Sequence hands out request ids, strictly increasing per kind and tenant.
type Sequence interface {
	Next(ctx context.Context, kind, tenant string) (int64, error)
}

// MemorySequence is a process-local Sequence.
type MemorySequence struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemorySequence() *MemorySequence {
	return &MemorySequence{counters: make(map[string]int64)}
}

func (s *MemorySequence) Next(ctx context.Context, kind, tenant string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := kind + "/" + tenant
	s.counters[key]++
	return s.counters[key], nil
}

const maxSequenceAttempts = 16

var ErrSequenceContention = errors.New("dispatch: sequence update kept losing to concurrent writers")

// EtcdSequence keeps counters in etcd so ids stay unique across backend
// instances. Each Next is a compare-and-swap on the counter's mod revision.
type EtcdSequence struct {
	kv     clientv3.KV
	prefix string
}

func NewEtcdSequence(kv clientv3.KV, prefix string) *EtcdSequence {
	return &EtcdSequence{kv: kv, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *EtcdSequence) key(kind, tenant string) string {
	return s.prefix + "/sequences/" + kind + "/" + tenant
}

func (s *EtcdSequence) Next(ctx context.Context, kind, tenant string) (int64, error) {
	key := s.key(kind, tenant)
	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		resp, err := s.kv.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		var (
			current int64
			rev     int64
		)
		if len(resp.Kvs) > 0 {
			current, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, err
			}
			rev = resp.Kvs[0].ModRevision
		}
		next := current + 1
		// ModRevision of a missing key is 0, so the first writer wins the create.
		tr, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, strconv.FormatInt(next, 10))).
			Commit()
		if err != nil {
			return 0, err
		}
		if tr.Succeeded {
			return next, nil
		}
	}
	return 0, ErrSequenceContention
}
