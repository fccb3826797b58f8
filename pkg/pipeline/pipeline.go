// Package pipeline implements a priority-scheduled, dependency-aware task
// executor: four strict-priority FIFO queues, a bounded worker pool, a
// separate concurrency-capping semaphore, per-task timeout and retry, and
// one-shot completion signals keyed by task id.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskmesh/substrate/internal/obslog"
	"github.com/taskmesh/substrate/pkg/clock"
	"github.com/taskmesh/substrate/pkg/metrics"
)

// retryBaseInterval and retryMaxInterval bound the exponential backoff
// applied between a failed attempt and its retry; jitter is backoff's
// default randomization factor.
const (
	retryBaseInterval = 50 * time.Millisecond
	retryMaxInterval  = 5 * time.Second
)

func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = 0 // the pipeline's own MaxRetries bounds attempts, not elapsed time
	return b
}

// cancelGracePeriod is how long a timed-out task's work function is given
// to cooperatively return after its context is cancelled before the
// pipeline gives up and records Timeout without it.
const cancelGracePeriod = 250 * time.Millisecond

// Config controls worker pool sizing and per-task fallback budgets.
type Config struct {
	MaxWorkers        int
	MaxConcurrent     int
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
}

// Pipeline is a priority task executor. The zero value is not usable;
// construct with New.
type Pipeline struct {
	cfg     Config
	logger  *obslog.Logger
	sink    *metrics.Sink
	clock   clock.Clock
	baseCtx context.Context

	mu    sync.Mutex
	cond  *sync.Cond
	sem   chan struct{}
	wg    sync.WaitGroup

	queues       [4][]*taskRecord // indexed by Priority
	active       map[string]*taskRecord
	completed    map[string]*taskRecord
	reverseIndex map[string]map[string]struct{} // depId -> dependent task ids

	running bool
	stopped bool
}

// New constructs a Pipeline. Call Start before submitting work.
func New(cfg Config, sink *metrics.Sink, logger *obslog.Logger, clk clock.Clock) *Pipeline {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = cfg.MaxWorkers
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = obslog.GetGlobal()
	}
	p := &Pipeline{
		cfg:          cfg,
		logger:       logger.WithComponent("pipeline"),
		sink:         sink,
		clock:        clk,
		active:       make(map[string]*taskRecord),
		completed:    make(map[string]*taskRecord),
		reverseIndex: make(map[string]map[string]struct{}),
		sem:          make(chan struct{}, cfg.MaxConcurrent),
	}
	p.cond = sync.NewCond(&p.mu)
	if sink != nil {
		sink.SetQueueDepthFunc(p.queueDepthSnapshot)
	}
	return p
}

// Start launches the worker pool. Calling Start twice is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.baseCtx = ctx
	p.mu.Unlock()

	for i := 0; i < p.cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
	p.logger.Info("pipeline started", map[string]interface{}{
		"max_workers":    p.cfg.MaxWorkers,
		"max_concurrent": p.cfg.MaxConcurrent,
	})
	return nil
}

// Stop signals all workers to exit after their current task and waits for
// them to join. Idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	var running []context.CancelFunc
	for _, rec := range p.active {
		if rec.status == Running && rec.cancelFunc != nil {
			running = append(running, rec.cancelFunc)
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, cancel := range running {
		cancel()
	}
	p.wg.Wait()
	p.logger.Info("pipeline stopped", nil)
	return nil
}

// Submit accepts a fully-formed task spec. See TaskSpec for field
// semantics; MaxRetries < 0 selects the pipeline's DefaultMaxRetries and a
// zero Timeout selects DefaultTimeout.
func (p *Pipeline) Submit(spec TaskSpec) error {
	if spec.Timeout <= 0 {
		spec.Timeout = p.cfg.DefaultTimeout
	}
	if spec.MaxRetries < 0 {
		spec.MaxRetries = p.cfg.DefaultMaxRetries
	}

	p.mu.Lock()

	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.exists(spec.ID) {
		p.mu.Unlock()
		return ErrDuplicateID
	}
	for _, d := range spec.Dependencies {
		if d == spec.ID {
			p.mu.Unlock()
			return ErrCyclicDependency
		}
	}
	if p.wouldCycleLocked(spec.ID, spec.Dependencies) {
		p.mu.Unlock()
		return ErrCyclicDependency
	}

	now := p.clock.Now()
	rec := &taskRecord{spec: spec, createdAt: now, done: make(chan struct{})}

	unresolved, failedDep, isFailedDep := p.classifyDepsLocked(spec.Dependencies)
	for _, d := range spec.Dependencies {
		if p.reverseIndex[d] == nil {
			p.reverseIndex[d] = make(map[string]struct{})
		}
		p.reverseIndex[d][spec.ID] = struct{}{}
	}

	if isFailedDep {
		rec.status = Failed
		rec.err = &DependencyFailedError{DepID: failedDep}
		rec.completedAt = now
		p.completed[spec.ID] = rec
		close(rec.done)
		p.mu.Unlock()

		p.sink.RecordFailed()
		p.propagateFailure(spec.ID)
		p.invokeCompletion(rec)
		return nil
	}

	if len(unresolved) == 0 {
		rec.status = Queued
		p.active[spec.ID] = rec
		p.queues[rec.spec.Priority] = append(p.queues[rec.spec.Priority], rec)
		p.cond.Broadcast()
	} else {
		rec.status = PendingDeps
		rec.unresolvedDeps = unresolved
		p.active[spec.ID] = rec
	}
	p.mu.Unlock()

	p.updateOrphanGauge()
	return nil
}

func (p *Pipeline) exists(id string) bool {
	if _, ok := p.active[id]; ok {
		return true
	}
	_, ok := p.completed[id]
	return ok
}

func (p *Pipeline) recordLocked(id string) (*taskRecord, bool) {
	if rec, ok := p.active[id]; ok {
		return rec, true
	}
	rec, ok := p.completed[id]
	return rec, ok
}

// wouldCycleLocked walks the dependency closure of a not-yet-created task
// against the currently known graph; must be called with p.mu held.
func (p *Pipeline) wouldCycleLocked(newID string, deps []string) bool {
	visited := make(map[string]bool)
	queue := append([]string(nil), deps...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == newID {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if rec, ok := p.recordLocked(id); ok {
			for d := range rec.unresolvedDeps {
				queue = append(queue, d)
			}
		}
	}
	return false
}

// classifyDepsLocked splits deps into the still-unresolved set, or reports
// the first dependency already known to have failed or been cancelled.
func (p *Pipeline) classifyDepsLocked(deps []string) (unresolved map[string]struct{}, failedDep string, isFailed bool) {
	unresolved = make(map[string]struct{})
	for _, d := range deps {
		if rec, ok := p.completed[d]; ok {
			if rec.status == Failed || rec.status == Cancelled {
				return nil, d, true
			}
			continue
		}
		unresolved[d] = struct{}{}
	}
	return unresolved, "", false
}

func (p *Pipeline) dequeueLocked() *taskRecord {
	for _, pr := range priorityOrder {
		q := p.queues[pr]
		for len(q) > 0 {
			rec := q[0]
			q = q[1:]
			if rec.status != Queued {
				continue // stale entry left behind by Cancel or dependency failure
			}
			p.queues[pr] = q
			return rec
		}
		p.queues[pr] = q
	}
	return nil
}

func (p *Pipeline) nextTask() *taskRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.stopped {
			return nil
		}
		if rec := p.dequeueLocked(); rec != nil {
			rec.status = Running
			now := p.clock.Now()
			if rec.firstStarted.IsZero() {
				rec.firstStarted = now
			}
			rec.lastStarted = now
			return rec
		}
		p.cond.Wait()
	}
}

func (p *Pipeline) workerLoop() {
	defer p.wg.Done()
	for {
		rec := p.nextTask()
		if rec == nil {
			return
		}
		p.runTask(rec)
	}
}

type workResult struct {
	value    interface{}
	err      error
	timedOut bool
}

func (p *Pipeline) runTask(rec *taskRecord) {
	p.sem <- struct{}{}
	p.incInFlight()
	defer func() {
		<-p.sem
		p.decInFlight()
	}()

	ctx, cancel := context.WithTimeout(p.baseCtx, rec.spec.Timeout)
	p.mu.Lock()
	rec.cancelFunc = cancel
	p.mu.Unlock()
	defer cancel()

	resultCh := make(chan workResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- workResult{err: fmt.Errorf("work panicked: %v", r)}
			}
		}()
		val, err := rec.spec.Work(ctx)
		resultCh <- workResult{value: val, err: err}
	}()

	var res workResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		select {
		case res = <-resultCh:
		case <-p.clock.After(cancelGracePeriod):
			res = workResult{timedOut: true}
		}
	}
	if res.err != nil && ctx.Err() == context.DeadlineExceeded {
		// the work gave up because its own deadline expired
		res = workResult{timedOut: true}
	}

	p.finishAttempt(rec, res)
}

func (p *Pipeline) finishAttempt(rec *taskRecord, res workResult) {
	p.mu.Lock()

	if rec.status == Cancelled {
		p.mu.Unlock()
		return
	}

	if res.err == nil && !res.timedOut {
		rec.status = Completed
		rec.result = res.value
		rec.completedAt = p.clock.Now()
		delete(p.active, rec.spec.ID)
		p.completed[rec.spec.ID] = rec
		close(rec.done)
		p.mu.Unlock()

		p.sink.RecordCompleted(rec.completedAt.Sub(rec.lastStarted))
		p.resolveDependents(rec.spec.ID)
		p.invokeCompletion(rec)
		return
	}

	var outcomeErr error
	if res.timedOut {
		outcomeErr = ErrTimeout
	} else {
		outcomeErr = &WorkError{Inner: res.err}
	}

	if rec.retryCount < rec.spec.MaxRetries {
		rec.retryCount++
		if rec.retryDelay == nil {
			rec.retryDelay = newRetryBackOff()
		}
		delay := rec.retryDelay.NextBackOff()
		p.mu.Unlock()

		if res.timedOut {
			p.sink.RecordTimedOut()
		}
		p.sink.RecordRetried()
		p.scheduleRetry(rec, delay)
		return
	}

	rec.status = Failed
	rec.err = outcomeErr
	rec.completedAt = p.clock.Now()
	delete(p.active, rec.spec.ID)
	p.completed[rec.spec.ID] = rec
	close(rec.done)
	p.mu.Unlock()

	if res.timedOut {
		p.sink.RecordTimedOut()
	}
	p.sink.RecordFailed()
	p.propagateFailure(rec.spec.ID)
	p.invokeCompletion(rec)
}

// scheduleRetry re-queues rec after delay without occupying a worker while
// it waits. A task cancelled or superseded during the wait is not revived.
func (p *Pipeline) scheduleRetry(rec *taskRecord, delay time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-p.clock.After(delay)

		p.mu.Lock()
		if p.stopped || rec.status != Running {
			p.mu.Unlock()
			return
		}
		rec.status = Queued
		p.queues[rec.spec.Priority] = append(p.queues[rec.spec.Priority], rec)
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
}

func (p *Pipeline) resolveDependents(completedID string) {
	p.mu.Lock()
	dependents := p.reverseIndex[completedID]
	delete(p.reverseIndex, completedID)

	woke := false
	for depTaskID := range dependents {
		rec, ok := p.active[depTaskID]
		if !ok {
			continue
		}
		delete(rec.unresolvedDeps, completedID)
		if rec.status == PendingDeps && len(rec.unresolvedDeps) == 0 {
			rec.status = Queued
			p.queues[rec.spec.Priority] = append(p.queues[rec.spec.Priority], rec)
			woke = true
		}
	}
	if woke {
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	p.updateOrphanGauge()
}

// propagateFailure transitively fails every (possibly indirect) dependent
// of failedID with DependencyFailedError via single-pass BFS.
func (p *Pipeline) propagateFailure(failedID string) {
	p.mu.Lock()
	var newlyFailed []*taskRecord
	queue := []string{failedID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		dependents := p.reverseIndex[id]
		delete(p.reverseIndex, id)
		for depTaskID := range dependents {
			rec, ok := p.active[depTaskID]
			if !ok || rec.status.IsTerminal() {
				continue
			}
			rec.status = Failed
			rec.err = &DependencyFailedError{DepID: id}
			rec.completedAt = p.clock.Now()
			delete(p.active, depTaskID)
			p.completed[depTaskID] = rec
			close(rec.done)
			newlyFailed = append(newlyFailed, rec)
			queue = append(queue, depTaskID)
		}
	}
	p.mu.Unlock()

	for _, rec := range newlyFailed {
		p.sink.RecordFailed()
		p.invokeCompletion(rec)
	}
}

// Cancel marks a PENDING_DEPS or QUEUED task CANCELLED and removes it from
// scheduling. A RUNNING task is also recorded CANCELLED at once, and its
// work's context is cancelled; Cancel does not wait for the work to return,
// and whatever the work later returns is discarded. Idempotent: cancelling
// an already-terminal task is a no-op. An id the pipeline does not hold
// (never submitted, or pruned) returns ErrNotFound.
func (p *Pipeline) Cancel(id string) error {
	p.mu.Lock()
	rec, ok := p.active[id]
	if !ok {
		if _, ok2 := p.completed[id]; ok2 {
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		return ErrNotFound
	}
	if rec.status.IsTerminal() {
		p.mu.Unlock()
		return nil
	}

	wasRunning := rec.status == Running
	cancelFn := rec.cancelFunc
	rec.status = Cancelled
	rec.err = ErrCancelled
	rec.completedAt = p.clock.Now()
	delete(p.active, id)
	p.completed[id] = rec
	close(rec.done)
	p.mu.Unlock()

	if wasRunning && cancelFn != nil {
		cancelFn()
	}

	p.sink.RecordCancelled()
	p.propagateFailure(id)
	p.invokeCompletion(rec)
	return nil
}

// AwaitOne blocks until id reaches a terminal state or timeout elapses. A
// non-positive timeout waits indefinitely. Safe to call concurrently from
// multiple callers for the same id.
func (p *Pipeline) AwaitOne(id string, timeout time.Duration) (Outcome, error) {
	p.mu.Lock()
	if rec, ok := p.completed[id]; ok {
		p.mu.Unlock()
		return rec.outcome(), nil
	}
	rec, ok := p.active[id]
	if !ok {
		p.mu.Unlock()
		return Outcome{}, ErrNotFound
	}
	done := rec.done
	p.mu.Unlock()

	if timeout <= 0 {
		<-done
	} else {
		select {
		case <-done:
		case <-p.clock.After(timeout):
			return Outcome{}, ErrAwaitTimeout
		}
	}

	p.mu.Lock()
	rec = p.completed[id]
	p.mu.Unlock()
	if rec == nil {
		return Outcome{}, ErrAwaitTimeout
	}
	return rec.outcome(), nil
}

// AwaitAll blocks until the pending-deps, queued, and in-flight sets are
// all empty. Not atomic with concurrent Submits; intended for
// drain-before-shutdown use. A non-positive timeout waits indefinitely.
func (p *Pipeline) AwaitAll(timeout time.Duration) error {
	const pollInterval = 5 * time.Millisecond
	var deadline time.Time
	if timeout > 0 {
		deadline = p.clock.Now().Add(timeout)
	}

	for {
		p.mu.Lock()
		empty := len(p.active) == 0
		p.mu.Unlock()
		if empty {
			return nil
		}
		if !deadline.IsZero() && !p.clock.Now().Before(deadline) {
			return ErrAwaitTimeout
		}
		<-p.clock.After(pollInterval)
	}
}

// GetTaskStatus returns a read-only snapshot of a task's bookkeeping.
func (p *Pipeline) GetTaskStatus(id string) (TaskInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.recordLocked(id); ok {
		return rec.info(), nil
	}
	return TaskInfo{}, ErrNotFound
}

// PruneCompleted drops terminal task records older than olderThan,
// bounding memory growth for long-running pipelines. Returns the count
// removed.
func (p *Pipeline) PruneCompleted(olderThan time.Duration) int {
	cutoff := p.clock.Now().Add(-olderThan)
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, rec := range p.completed {
		if rec.completedAt.Before(cutoff) {
			delete(p.completed, id)
			removed++
		}
	}
	return removed
}

// Metrics returns a point-in-time snapshot, forcing an immediate sample
// rather than waiting for the periodic tick.
func (p *Pipeline) Metrics() metrics.Snapshot {
	if p.sink == nil {
		return metrics.Snapshot{}
	}
	return p.sink.Sample()
}

func (p *Pipeline) queueDepthSnapshot() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(priorityOrder))
	for _, pr := range priorityOrder {
		out[pr.String()] = len(p.queues[pr])
	}
	return out
}

func (p *Pipeline) incInFlight() {
	if p.sink == nil {
		return
	}
	p.mu.Lock()
	n := p.countRunningLocked()
	p.mu.Unlock()
	p.sink.SetInFlight(n)
}

func (p *Pipeline) decInFlight() {
	p.incInFlight()
}

func (p *Pipeline) countRunningLocked() int64 {
	var n int64
	for _, rec := range p.active {
		if rec.status == Running {
			n++
		}
	}
	return n
}

func (p *Pipeline) updateOrphanGauge() {
	if p.sink == nil {
		return
	}
	p.mu.Lock()
	var orphans int64
	for depID := range p.reverseIndex {
		if _, ok := p.active[depID]; ok {
			continue
		}
		if _, ok := p.completed[depID]; ok {
			continue
		}
		orphans++
	}
	p.mu.Unlock()
	p.sink.SetPendingDepsOrphans(orphans)
}

func (p *Pipeline) invokeCompletion(rec *taskRecord) {
	if rec.spec.OnComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("completion callback panicked", map[string]interface{}{
				"task_id": rec.spec.ID,
				"panic":   fmt.Sprintf("%v", r),
			})
		}
	}()
	rec.spec.OnComplete(rec.outcome())
}
