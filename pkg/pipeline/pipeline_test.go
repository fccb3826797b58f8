package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/substrate/pkg/metrics"
)

func newTestPipeline(t *testing.T, workers int) *Pipeline {
	t.Helper()
	sink := metrics.NewSink(metrics.Options{PoolSize: workers})
	p := New(Config{
		MaxWorkers:        workers,
		MaxConcurrent:     workers,
		DefaultTimeout:    5 * time.Second,
		DefaultMaxRetries: 0,
	}, sink, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestPipeline_SubmitRejectsDuplicateID(t *testing.T) {
	p := newTestPipeline(t, 2)
	spec := TaskSpec{ID: "t1", Work: func(ctx context.Context) (interface{}, error) { return 1, nil }}
	require.NoError(t, p.Submit(spec))
	err := p.Submit(spec)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestPipeline_SubmitRejectsSelfDependency(t *testing.T) {
	p := newTestPipeline(t, 1)
	err := p.Submit(TaskSpec{ID: "self", Dependencies: []string{"self"}, Work: noopWork})
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestPipeline_EmptyDependencySetQueuesImmediately(t *testing.T) {
	p := newTestPipeline(t, 1)
	require.NoError(t, p.Submit(TaskSpec{ID: "a", Work: noopWork}))
	outcome, err := p.AwaitOne("a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome.Status)
}

func noopWork(ctx context.Context) (interface{}, error) { return "ok", nil }

// S1 — priority ordering: with one worker occupied by a long task, L, N, H
// submitted in that order complete in order H, N, L once the worker frees.
func TestPipeline_S1_PriorityOrdering(t *testing.T) {
	p := newTestPipeline(t, 1)

	blockCh := make(chan struct{})
	require.NoError(t, p.Submit(TaskSpec{
		ID:       "occupy",
		Priority: Normal,
		Work: func(ctx context.Context) (interface{}, error) {
			<-blockCh
			return nil, nil
		},
	}))

	var mu sync.Mutex
	var order []string
	record := func(id string) CompletionFunc {
		return func(Outcome) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}
	}

	require.NoError(t, p.Submit(TaskSpec{ID: "L", Priority: Low, Work: noopWork, OnComplete: record("L")}))
	require.NoError(t, p.Submit(TaskSpec{ID: "N", Priority: Normal, Work: noopWork, OnComplete: record("N")}))
	require.NoError(t, p.Submit(TaskSpec{ID: "H", Priority: High, Work: noopWork, OnComplete: record("H")}))

	close(blockCh)
	_, err := p.AwaitOne("L", 2*time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"H", "N", "L"}, order)
}

// S2 — dependency chain: A -> B -> C completes strictly in that order.
func TestPipeline_S2_DependencyChain(t *testing.T) {
	p := newTestPipeline(t, 3)

	var mu sync.Mutex
	var order []string
	record := func(id string) CompletionFunc {
		return func(Outcome) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}
	}

	require.NoError(t, p.Submit(TaskSpec{ID: "A", Work: noopWork, OnComplete: record("A")}))
	require.NoError(t, p.Submit(TaskSpec{ID: "B", Dependencies: []string{"A"}, Work: noopWork, OnComplete: record("B")}))
	require.NoError(t, p.Submit(TaskSpec{ID: "C", Dependencies: []string{"B"}, Work: noopWork, OnComplete: record("C")}))

	outcome, err := p.AwaitOne("C", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

// S3 — retry then fail: work always errors, maxRetries=2 yields FAILED
// with retryCount=3 (initial attempt plus two retries).
func TestPipeline_S3_RetryThenFail(t *testing.T) {
	p := newTestPipeline(t, 1)

	boom := errors.New("boom")
	require.NoError(t, p.Submit(TaskSpec{
		ID:         "flaky",
		MaxRetries: 2,
		Work:       func(ctx context.Context) (interface{}, error) { return nil, boom },
	}))

	outcome, err := p.AwaitOne("flaky", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Failed, outcome.Status)
	assert.Equal(t, 3, outcome.RetryCount)

	var workErr *WorkError
	require.ErrorAs(t, outcome.Err, &workErr)
	assert.ErrorIs(t, workErr.Inner, boom)
}

// S4 — timeout reclaim: work sleeps far longer than its timeout; the task
// reports FAILED(Timeout) promptly and the worker becomes available again.
func TestPipeline_S4_TimeoutReclaim(t *testing.T) {
	p := newTestPipeline(t, 1)

	require.NoError(t, p.Submit(TaskSpec{
		ID:      "slow",
		Timeout: 100 * time.Millisecond,
		Work: func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	start := time.Now()
	outcome, err := p.AwaitOne("slow", 2*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
	assert.Equal(t, Failed, outcome.Status)
	assert.ErrorIs(t, outcome.Err, ErrTimeout)

	require.NoError(t, p.Submit(TaskSpec{ID: "after", Work: noopWork}))
	afterOutcome, err := p.AwaitOne("after", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Completed, afterOutcome.Status)
}

func TestPipeline_DependencyFailurePropagates(t *testing.T) {
	p := newTestPipeline(t, 2)

	boom := errors.New("boom")
	require.NoError(t, p.Submit(TaskSpec{ID: "A", Work: func(ctx context.Context) (interface{}, error) { return nil, boom }}))
	require.NoError(t, p.Submit(TaskSpec{ID: "B", Dependencies: []string{"A"}, Work: noopWork}))

	outcome, err := p.AwaitOne("B", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Failed, outcome.Status)

	var depErr *DependencyFailedError
	require.ErrorAs(t, outcome.Err, &depErr)
	assert.Equal(t, "A", depErr.DepID)
}

func TestPipeline_CancelIsIdempotent(t *testing.T) {
	p := newTestPipeline(t, 1)
	blockCh := make(chan struct{})
	defer close(blockCh)

	require.NoError(t, p.Submit(TaskSpec{
		ID: "occupy",
		Work: func(ctx context.Context) (interface{}, error) {
			<-blockCh
			return nil, nil
		},
	}))
	require.NoError(t, p.Submit(TaskSpec{ID: "pending", Work: noopWork}))

	require.NoError(t, p.Cancel("pending"))
	require.NoError(t, p.Cancel("pending"))

	outcome, err := p.AwaitOne("pending", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, outcome.Status)
}

func TestPipeline_AwaitOneTimesOutWithoutAffectingTask(t *testing.T) {
	p := newTestPipeline(t, 1)
	blockCh := make(chan struct{})
	defer close(blockCh)

	require.NoError(t, p.Submit(TaskSpec{
		ID: "slow",
		Work: func(ctx context.Context) (interface{}, error) {
			<-blockCh
			return nil, nil
		},
	}))

	_, err := p.AwaitOne("slow", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrAwaitTimeout)

	status, err := p.GetTaskStatus("slow")
	require.NoError(t, err)
	assert.Equal(t, Running, status.Status)
}

func TestPipeline_StopAfterStopIsNoop(t *testing.T) {
	p := newTestPipeline(t, 1)
	require.NoError(t, p.Stop())
	assert.NoError(t, p.Stop())
}
