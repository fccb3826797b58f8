// Package coordinator binds the Pipeline and Cache into the substrate's
// headline submit/await surface, and tracks performance over time against
// a caller-captured baseline.
package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/substrate/internal/obslog"
	"github.com/taskmesh/substrate/pkg/cache"
	"github.com/taskmesh/substrate/pkg/metrics"
	"github.com/taskmesh/substrate/pkg/pipeline"
)

// WorkFactory produces the work closure for a cache miss at key.
type WorkFactory func(key string) pipeline.WorkFunc

// ProcessOptions tunes a single Process call. A zero TTL means "no
// preference"; Process then applies the cache's own configured default.
// ProcessOptions has no way to request a write-back that never expires: a
// zero TTL always becomes the default, and a negative TTL is rejected by
// the cache (the write-back failure is logged and the value still
// returned).
type ProcessOptions struct {
	Priority   pipeline.Priority
	Timeout    time.Duration
	MaxRetries int
	TTL        time.Duration
}

// Coordinator is the thin glue between Cache and Pipeline described by the
// embedding API: Process probes the cache, falls back to the pipeline on a
// miss, and writes the result back.
type Coordinator struct {
	cache    *cache.Cache
	pipeline *pipeline.Pipeline
	sink     *metrics.Sink
	logger   *obslog.Logger

	baseline   *metrics.Snapshot
	optimisers []func(metrics.Snapshot)
	seq        atomic.Int64
}

// New constructs a Coordinator over an already-configured Cache and
// Pipeline; both must be Start()ed by the caller (or via Coordinator.Start).
func New(c *cache.Cache, p *pipeline.Pipeline, sink *metrics.Sink, logger *obslog.Logger) *Coordinator {
	if logger == nil {
		logger = obslog.GetGlobal()
	}
	return &Coordinator{
		cache:    c,
		pipeline: p,
		sink:     sink,
		logger:   logger.WithComponent("coordinator"),
	}
}

// Start launches the cache and pipeline.
func (co *Coordinator) Start(ctx context.Context) error {
	if err := co.cache.Start(); err != nil {
		return fmt.Errorf("coordinator: start cache: %w", err)
	}
	if err := co.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: start pipeline: %w", err)
	}
	return nil
}

// Stop drains neither queue; callers wanting a clean drain should call
// pipeline AwaitAll before Stop. Idempotent.
func (co *Coordinator) Stop() error {
	if err := co.pipeline.Stop(); err != nil {
		return err
	}
	return co.cache.Stop()
}

// Process is the headline operation: on a cache hit it returns
// immediately; on a miss it submits a pipeline task running work, awaits
// its completion, stores the result under opts.TTL, and returns it.
func (co *Coordinator) Process(ctx context.Context, key string, work pipeline.WorkFunc, opts ProcessOptions) ([]byte, error) {
	if value, ok := co.cache.Get(key); ok {
		return value, nil
	}

	taskID := co.nextTaskID(key)
	if err := co.pipeline.Submit(pipeline.TaskSpec{
		ID:         taskID,
		Priority:   opts.Priority,
		Work:       work,
		Timeout:    opts.Timeout,
		MaxRetries: opts.MaxRetries,
	}); err != nil {
		return nil, err
	}

	outcome, err := co.pipeline.AwaitOne(taskID, opts.Timeout)
	if err != nil {
		return nil, err
	}
	if outcome.Status != pipeline.Completed {
		return nil, outcome.Err
	}

	value, ok := outcome.Result.([]byte)
	if !ok {
		return nil, fmt.Errorf("coordinator: work for %q returned non-[]byte result", key)
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = co.cache.DefaultTTL()
	}
	if err := co.cache.Set(key, value, ttl, cache.Hot); err != nil {
		co.logger.Warn("cache write-back failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
	return value, nil
}

// ProcessBatch runs Process over every key concurrently (bounded by the
// pipeline's own worker pool), preserving input order in the result slice.
func (co *Coordinator) ProcessBatch(ctx context.Context, keys []string, factory WorkFactory, opts ProcessOptions) ([][]byte, error) {
	results := make([][]byte, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			value, err := co.Process(gctx, key, factory(key), opts)
			if err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
			results[i] = value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (co *Coordinator) nextTaskID(key string) string {
	n := co.seq.Add(1)
	return fmt.Sprintf("proc-%s-%d", key, n)
}

// SetBaseline captures the current pipeline+cache metrics as the reference
// future Reports compare against.
func (co *Coordinator) SetBaseline() {
	snap := co.snapshot()
	co.baseline = &snap
}

// RegisterOptimiser registers cb to receive the metric snapshot taken by
// each Report call; no background timer invokes it between Reports. Panics
// inside cb are recovered and logged; they never reach the coordinator's
// caller.
func (co *Coordinator) RegisterOptimiser(cb func(metrics.Snapshot)) {
	co.optimisers = append(co.optimisers, cb)
}

func (co *Coordinator) runOptimisers(snap metrics.Snapshot) {
	for _, cb := range co.optimisers {
		co.invokeOptimiser(cb, snap)
	}
}

func (co *Coordinator) invokeOptimiser(cb func(metrics.Snapshot), snap metrics.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			co.logger.Error("optimiser callback panicked", map[string]interface{}{"panic": fmt.Sprintf("%v", r)})
		}
	}()
	cb(snap)
}

func (co *Coordinator) snapshot() metrics.Snapshot {
	snap := co.pipeline.Metrics()
	stats := co.cache.Stats()
	snap.CacheHits = uint64(stats.Hits)
	snap.CacheMisses = uint64(stats.Misses)
	snap.CacheEvictions = uint64(stats.Evictions)
	snap.CacheBytes = stats.Bytes
	return snap
}
