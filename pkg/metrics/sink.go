// Package metrics implements the substrate's lock-free-read metrics
// collection: atomic counters for single-value stats, a small rolling
// window for throughput, and a periodic snapshot ticker. It optionally
// mirrors counters onto a Prometheus registry and samples process memory
// and system-wide CPU usage via gopsutil.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/taskmesh/substrate/pkg/clock"
)

// Snapshot is a point-in-time view of all tracked counters.
type Snapshot struct {
	TasksCompleted       uint64
	TasksFailed          uint64
	TasksCancelled       uint64
	TasksTimedOut        uint64
	TasksRetried         uint64
	CacheHits            uint64
	CacheMisses          uint64
	CacheEvictions       uint64
	CacheBytes           int64
	PrefetchRecursions   uint64
	PendingDepsOrphans   int64
	PeakConcurrent       int64
	InFlight             int64
	WorkerUtilization    float64
	AverageExecutionTime time.Duration
	ThroughputPerSecond  float64
	QueueDepth           map[string]int
	MemoryUsageMB        float64
	CPUUsagePercent      float64
	SampledAt            time.Time
}

// Sink collects counters from the pipeline, cache, and coordinator and
// produces periodic Snapshots. Callers obtain the latest snapshot via
// Latest(); readers never block a writer.
type Sink struct {
	clock clock.Clock

	tasksCompleted     atomic.Uint64
	tasksFailed        atomic.Uint64
	tasksCancelled     atomic.Uint64
	tasksTimedOut      atomic.Uint64
	tasksRetried       atomic.Uint64
	cacheHits          atomic.Uint64
	cacheMisses        atomic.Uint64
	cacheEvictions     atomic.Uint64
	cacheBytes         atomic.Int64
	prefetchRecursions atomic.Uint64
	pendingDepsOrphans atomic.Int64
	peakConcurrent     atomic.Int64
	inFlight           atomic.Int64

	window *rollingWindow

	mu          sync.RWMutex
	poolSize    int
	latest      Snapshot
	queueDepth  func() map[string]int
	promEnabled bool
	promTasks   *prometheus.CounterVec
	promCache   *prometheus.CounterVec

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Options configures a Sink at construction.
type Options struct {
	Clock      clock.Clock
	PoolSize   int
	Registerer prometheus.Registerer // nil disables Prometheus mirroring
	QueueDepth func() map[string]int // optional: pipeline-supplied queue depth lookup
}

// NewSink builds a Sink. A nil Clock uses the real wall clock.
func NewSink(opts Options) *Sink {
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	s := &Sink{
		clock:      c,
		window:     newRollingWindow(100),
		poolSize:   opts.PoolSize,
		queueDepth: opts.QueueDepth,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	if opts.Registerer != nil {
		s.promTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "substrate",
			Subsystem: "pipeline",
			Name:      "tasks_total",
			Help:      "Terminal task outcomes by kind.",
		}, []string{"outcome"})
		s.promCache = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "substrate",
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Cache operation counts by kind.",
		}, []string{"op"})
		opts.Registerer.MustRegister(s.promTasks, s.promCache)
		s.promEnabled = true
	}
	return s
}

// RecordCompleted records one successfully completed task and its duration.
func (s *Sink) RecordCompleted(d time.Duration) {
	s.tasksCompleted.Add(1)
	s.window.record(s.clock.Now(), d)
	if s.promEnabled {
		s.promTasks.WithLabelValues("completed").Inc()
	}
}

// RecordFailed records a task that reached FAILED.
func (s *Sink) RecordFailed() {
	s.tasksFailed.Add(1)
	if s.promEnabled {
		s.promTasks.WithLabelValues("failed").Inc()
	}
}

// RecordCancelled records a task that reached CANCELLED.
func (s *Sink) RecordCancelled() {
	s.tasksCancelled.Add(1)
	if s.promEnabled {
		s.promTasks.WithLabelValues("cancelled").Inc()
	}
}

// RecordTimedOut records a per-task timeout expiry.
func (s *Sink) RecordTimedOut() {
	s.tasksTimedOut.Add(1)
	if s.promEnabled {
		s.promTasks.WithLabelValues("timeout").Inc()
	}
}

// RecordRetried records one retry attempt (not a terminal outcome).
func (s *Sink) RecordRetried() {
	s.tasksRetried.Add(1)
	if s.promEnabled {
		s.promTasks.WithLabelValues("retried").Inc()
	}
}

// SetInFlight updates the current in-flight task count and the high-water mark.
func (s *Sink) SetInFlight(n int64) {
	s.inFlight.Store(n)
	for {
		peak := s.peakConcurrent.Load()
		if n <= peak || s.peakConcurrent.CompareAndSwap(peak, n) {
			return
		}
	}
}

// RecordCacheHit/RecordCacheMiss/RecordCacheEviction track cache outcomes.
func (s *Sink) RecordCacheHit() {
	s.cacheHits.Add(1)
	if s.promEnabled {
		s.promCache.WithLabelValues("hit").Inc()
	}
}

func (s *Sink) RecordCacheMiss() {
	s.cacheMisses.Add(1)
	if s.promEnabled {
		s.promCache.WithLabelValues("miss").Inc()
	}
}

func (s *Sink) RecordCacheEviction() {
	s.cacheEvictions.Add(1)
	if s.promEnabled {
		s.promCache.WithLabelValues("eviction").Inc()
	}
}

// SetCacheBytes records the current hot-tier byte usage.
func (s *Sink) SetCacheBytes(n int64) { s.cacheBytes.Store(n) }

// RecordPrefetchRecursion records a rejected nested prefetch.
func (s *Sink) RecordPrefetchRecursion() {
	s.prefetchRecursions.Add(1)
	if s.promEnabled {
		s.promCache.WithLabelValues("prefetch_recursion").Inc()
	}
}

// SetPendingDepsOrphans records the current count of pending-dep tasks
// blocked on an id that has never been submitted.
func (s *Sink) SetPendingDepsOrphans(n int64) { s.pendingDepsOrphans.Store(n) }

// HitRate returns hits / (hits+misses), or 0 when no lookups were recorded.
func (s *Sink) HitRate() float64 {
	hits := float64(s.cacheHits.Load())
	misses := float64(s.cacheMisses.Load())
	total := hits + misses
	if total == 0 {
		return 0
	}
	return hits / total
}

// Start launches the periodic snapshot sampler; it stops on ctx-independent
// Stop() call.
func (s *Sink) Start(interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				s.sample()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampler and waits for it to exit. Idempotent.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.done
}

// SetQueueDepthFunc wires a pipeline-supplied queue-depth lookup after
// construction, breaking the Sink/Pipeline construction cycle (the sink is
// typically built before the pipeline that reports into it).
func (s *Sink) SetQueueDepthFunc(f func() map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueDepth = f
}

// Sample forces an immediate snapshot outside the periodic tick, used by
// Pipeline.Metrics() and Coordinator.Report() for on-demand reads.
func (s *Sink) Sample() Snapshot {
	s.sample()
	return s.Latest()
}

func (s *Sink) sample() {
	snap := Snapshot{
		TasksCompleted:     s.tasksCompleted.Load(),
		TasksFailed:        s.tasksFailed.Load(),
		TasksCancelled:     s.tasksCancelled.Load(),
		TasksTimedOut:      s.tasksTimedOut.Load(),
		TasksRetried:       s.tasksRetried.Load(),
		CacheHits:          s.cacheHits.Load(),
		CacheMisses:        s.cacheMisses.Load(),
		CacheEvictions:     s.cacheEvictions.Load(),
		CacheBytes:         s.cacheBytes.Load(),
		PrefetchRecursions: s.prefetchRecursions.Load(),
		PendingDepsOrphans: s.pendingDepsOrphans.Load(),
		PeakConcurrent:     s.peakConcurrent.Load(),
		InFlight:           s.inFlight.Load(),
		SampledAt:          s.clock.Now(),
	}
	if s.poolSize > 0 {
		snap.WorkerUtilization = float64(snap.InFlight) / float64(s.poolSize)
	}
	snap.AverageExecutionTime, snap.ThroughputPerSecond = s.window.stats(s.clock.Now())

	s.mu.RLock()
	qd := s.queueDepth
	s.mu.RUnlock()
	if qd != nil {
		snap.QueueDepth = qd()
	}
	if usage, err := sampleProcessMemoryMB(); err == nil {
		snap.MemoryUsageMB = usage
	}
	if pct, err := sampleCPUPercent(); err == nil {
		snap.CPUUsagePercent = pct
	}

	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()
}

// Latest returns the most recently sampled snapshot. Before the first tick
// it reflects zero values with a zero SampledAt.
func (s *Sink) Latest() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func sampleProcessMemoryMB() (float64, error) {
	proc, err := process.NewProcess(int32(currentPID()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(info.RSS) / (1024 * 1024), nil
}

func sampleCPUPercent() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil || len(percentages) == 0 {
		return 0, err
	}
	return percentages[0], nil
}
