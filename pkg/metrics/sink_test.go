package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/substrate/pkg/clock"
)

func TestSink_HitRateZeroBeforeAnyLookups(t *testing.T) {
	s := NewSink(Options{})
	assert.Equal(t, 0.0, s.HitRate())
}

func TestSink_HitRateComputesRatio(t *testing.T) {
	s := NewSink(Options{})
	s.RecordCacheHit()
	s.RecordCacheHit()
	s.RecordCacheHit()
	s.RecordCacheMiss()
	assert.InDelta(t, 0.75, s.HitRate(), 0.0001)
}

func TestSink_PeakConcurrentTracksHighWaterMark(t *testing.T) {
	s := NewSink(Options{})
	s.SetInFlight(3)
	s.SetInFlight(7)
	s.SetInFlight(2)

	fc := clock.NewFake(time.Unix(0, 0))
	s.clock = fc
	s.Start(time.Second)
	fc.Advance(time.Second)
	// give the sampler goroutine a moment to observe the fake tick
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	snap := s.Latest()
	require.Equal(t, int64(7), snap.PeakConcurrent)
	assert.Equal(t, int64(2), snap.InFlight)
}

func TestSink_StopIsIdempotent(t *testing.T) {
	s := NewSink(Options{})
	s.Start(time.Hour)
	s.Stop()
	assert.NotPanics(t, func() { s.Stop() })
}
