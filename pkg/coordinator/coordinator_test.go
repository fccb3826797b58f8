package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/substrate/pkg/cache"
	"github.com/taskmesh/substrate/pkg/metrics"
	"github.com/taskmesh/substrate/pkg/pipeline"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	sink := metrics.NewSink(metrics.Options{PoolSize: 2})
	c := cache.New(cache.Config{MemoryBudgetBytes: 4096, Policy: cache.LRU, DefaultTTL: time.Minute}, nil, sink, nil, nil)
	p := pipeline.New(pipeline.Config{MaxWorkers: 2, MaxConcurrent: 2, DefaultTimeout: 2 * time.Second}, sink, nil, nil)
	co := New(c, p, sink, nil)
	require.NoError(t, co.Start(context.Background()))
	t.Cleanup(func() { _ = co.Stop() })
	return co
}

func TestCoordinator_ProcessMissThenHit(t *testing.T) {
	co := newTestCoordinator(t)
	calls := 0
	work := func(ctx context.Context) (interface{}, error) {
		calls++
		return []byte("value"), nil
	}

	value, err := co.Process(context.Background(), "k1", work, ProcessOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), value)

	value, err = co.Process(context.Background(), "k1", work, ProcessOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), value)
	assert.Equal(t, 1, calls, "second Process should be served from cache")
}

func TestCoordinator_ProcessBatchPreservesOrder(t *testing.T) {
	co := newTestCoordinator(t)
	keys := []string{"a", "b", "c"}
	factory := func(key string) pipeline.WorkFunc {
		return func(ctx context.Context) (interface{}, error) {
			return []byte(key), nil
		}
	}

	values, err := co.ProcessBatch(context.Background(), keys, factory, ProcessOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, []byte("a"), values[0])
	assert.Equal(t, []byte("b"), values[1])
	assert.Equal(t, []byte("c"), values[2])
}

func TestCoordinator_ReportRecommendsLargerCacheOnLowHitRate(t *testing.T) {
	co := newTestCoordinator(t)
	work := func(ctx context.Context) (interface{}, error) { return []byte("v"), nil }
	for i := 0; i < 5; i++ {
		_, err := co.Process(context.Background(), string(rune('a'+i)), work, ProcessOptions{Timeout: time.Second})
		require.NoError(t, err)
	}

	report := co.Report()
	assert.Contains(t, report.Recommendations, "increase cache size or change policy")
}

func TestCoordinator_SetBaselineThenReportComparesThroughput(t *testing.T) {
	co := newTestCoordinator(t)
	co.SetBaseline()
	report := co.Report()
	assert.Equal(t, 1.0, report.ImprovementFactor)
	require.NotNil(t, report.Baseline)
}
