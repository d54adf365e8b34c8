package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"edge-fleet-dispatcher/metrics"
	"edge-fleet-dispatcher/store"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval   = time.Second
	DefaultFanOutAttempts = 10
	MinSingleAttempts     = 10

	finalReadTimeout = 5 * time.Second
)

var (
	// ErrNoResponse means the node did not answer within the retry budget.
	ErrNoResponse = errors.New("aggregate: no response within retry budget")
	// ErrTargetVanished means the record being waited on was deleted, so
	// retrying the same request cannot succeed.
	ErrTargetVanished = errors.New("aggregate: correlation target vanished")
)

// PollPolicy bounds a poll loop: at most MaxAttempts reads, Interval apart.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

func (p PollPolicy) withDefaults() PollPolicy {
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	return p
}

// AttemptsForWork sizes the budget of a single-node wait from how long the
// remote work is expected to take:
//
//	max(minAttempts, ceil(work * throughput * scaling / interval))
func AttemptsForWork(work time.Duration, throughput, scaling float64, interval time.Duration, minAttempts int) int {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	n := int(math.Ceil(work.Seconds() * throughput * scaling / interval.Seconds()))
	return max(minAttempts, n)
}

// Reader is the part of the response store the aggregator polls.
type Reader interface {
	Coverage(ctx context.Context, ref store.RequestRef) (*store.PendingRequest, error)
	Rows(ctx context.Context, ref store.RequestRef, minScore float64) ([]store.Row, error)
	Correlation(ctx context.Context, key string) (*store.Correlation, error)
}

// Coverage tells a caller whether a fan-out result is complete.
type Coverage struct {
	Expected  []string
	Responded []string
}

func (c Coverage) Complete() bool {
	return len(c.Missing()) == 0
}

// Missing returns the expected responders that never answered.
func (c Coverage) Missing() []string {
	var out []string
	for _, id := range c.Expected {
		if !containsID(c.Responded, id) {
			out = append(out, id)
		}
	}
	return out
}

// FanOut is the result of WaitForAll. It may be partial; check Coverage.
type FanOut struct {
	Ref      store.RequestRef
	Rows     []store.Row
	Coverage Coverage
	Attempts int
}

type Aggregator struct {
	store Reader
	clock clock.Clock
}

func New(r Reader, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{store: r, clock: clk}
}

func (a *Aggregator) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.clock.After(d):
		return nil
	}
}

// WaitForResponse polls the correlation record for key until the node has
// answered. It fails with ErrTargetVanished as soon as the record is gone
// and with ErrNoResponse once the budget is spent. The remote work is never
// cancelled.
func (a *Aggregator) WaitForResponse(ctx context.Context, key string, policy PollPolicy) (*store.Correlation, error) {
	policy = policy.withDefaults()
	start := a.clock.Now()
	defer func() {
		metrics.WaitDuration.WithLabelValues("single").Observe(a.clock.Since(start).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		rec, err := a.store.Correlation(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			metrics.WaitOutcomes.WithLabelValues("single", "vanished").Inc()
			log.Warn().Str("key", key).Int("attempt", attempt).Msg("aggregate: correlation record vanished")
			return nil, fmt.Errorf("%w: %s", ErrTargetVanished, key)
		case err != nil:
			if ctx.Err() != nil {
				metrics.WaitOutcomes.WithLabelValues("single", "cancelled").Inc()
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("aggregate: correlation read failed")
		case rec.Done:
			metrics.WaitOutcomes.WithLabelValues("single", "response").Inc()
			log.Debug().Str("key", key).Int("attempt", attempt).Msg("aggregate: response received")
			return rec, nil
		}

		if attempt >= policy.MaxAttempts {
			break
		}
		if err := a.sleep(ctx, policy.Interval); err != nil {
			metrics.WaitOutcomes.WithLabelValues("single", "cancelled").Inc()
			return nil, err
		}
	}

	metrics.WaitOutcomes.WithLabelValues("single", "timeout").Inc()
	log.Warn().Str("key", key).Int("attempts", policy.MaxAttempts).Msg("aggregate: no response")
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrNoResponse, key, policy.MaxAttempts)
}

// WaitForAll polls the pending record of ref until every expected node has
// answered or the budget is spent, then returns whatever rows were written
// with Score >= minScore, best first. Running out of attempts is not an
// error: the result carries the coverage instead. Only cancellation of ctx
// is reported as an error, alongside what had been collected.
func (a *Aggregator) WaitForAll(ctx context.Context, ref store.RequestRef, expected []string, minScore float64, policy PollPolicy) (*FanOut, error) {
	policy = policy.withDefaults()
	start := a.clock.Now()
	defer func() {
		metrics.WaitDuration.WithLabelValues("fanout").Observe(a.clock.Since(start).Seconds())
	}()

	out := &FanOut{Ref: ref, Coverage: Coverage{Expected: append([]string(nil), expected...), Responded: []string{}}}
	var waitErr error
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		pending, err := a.store.Coverage(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				waitErr = ctx.Err()
				break
			}
			log.Warn().Err(err).Str("request", ref.String()).Int("attempt", attempt).Msg("aggregate: coverage read failed")
		} else {
			out.Coverage.Responded = intersect(pending.Responded, expected)
			if out.Coverage.Complete() {
				break
			}
		}

		if attempt >= policy.MaxAttempts {
			break
		}
		if err := a.sleep(ctx, policy.Interval); err != nil {
			waitErr = err
			break
		}
	}

	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalReadTimeout)
	defer cancel()
	rows, err := a.store.Rows(readCtx, ref, minScore)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("request", ref.String()).Msg("aggregate: reading rows failed")
	}
	// a node may answer between the last coverage read and the rows read
	for _, r := range rows {
		if containsID(expected, r.NodeID) && !containsID(out.Coverage.Responded, r.NodeID) {
			out.Coverage.Responded = append(out.Coverage.Responded, r.NodeID)
		}
	}
	out.Rows = SortByScore(rows)

	switch {
	case waitErr != nil:
		metrics.WaitOutcomes.WithLabelValues("fanout", "cancelled").Inc()
	case out.Coverage.Complete():
		metrics.WaitOutcomes.WithLabelValues("fanout", "complete").Inc()
	default:
		metrics.WaitOutcomes.WithLabelValues("fanout", "partial").Inc()
		log.Warn().Str("request", ref.String()).Strs("missing", out.Coverage.Missing()).Int("attempts", out.Attempts).Msg("aggregate: partial coverage")
	}
	return out, waitErr
}

// SortByScore returns rows ordered by descending score. Rows with equal
// scores keep their original order.
func SortByScore(rows []store.Row) []store.Row {
	out := append([]store.Row(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

func intersect(ids, allowed []string) []string {
	out := []string{}
	for _, id := range ids {
		if containsID(allowed, id) {
			out = append(out, id)
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
