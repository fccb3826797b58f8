package coordinator

import (
	"github.com/taskmesh/substrate/pkg/metrics"
)

// Thresholds used to derive Recommendations. Fixed per the contract: they
// are not configurable, since they describe generically poor operating
// points rather than workload-specific tuning.
const (
	lowHitRateThreshold          = 0.50
	highUtilizationThreshold     = 0.90
	improvementFactorThreshold   = 1.10
)

// PerformanceReport is the structured record returned by Report: a metrics
// snapshot, its ratio against the captured baseline, and fixed-threshold
// recommendations derived from the snapshot alone.
type PerformanceReport struct {
	Current           metrics.Snapshot
	Baseline          *metrics.Snapshot
	ImprovementFactor float64
	Recommendations   []string
}

// Report snapshots pipeline and cache metrics, forces an optimiser pass
// over that snapshot, and computes the improvement factor against the most
// recently captured baseline (1.0 if none has been set).
func (co *Coordinator) Report() PerformanceReport {
	snap := co.snapshot()
	co.runOptimisers(snap)

	report := PerformanceReport{
		Current:  snap,
		Baseline: co.baseline,
	}
	report.ImprovementFactor = improvementFactor(co.baseline, snap)
	report.Recommendations = recommendationsFor(snap, co.baseline)
	return report
}

func improvementFactor(baseline *metrics.Snapshot, current metrics.Snapshot) float64 {
	if baseline == nil || baseline.ThroughputPerSecond == 0 {
		return 1.0
	}
	return current.ThroughputPerSecond / baseline.ThroughputPerSecond
}

func recommendationsFor(snap metrics.Snapshot, baseline *metrics.Snapshot) []string {
	var recs []string

	hitRate := hitRateOf(snap)
	if hitRate < lowHitRateThreshold {
		recs = append(recs, "increase cache size or change policy")
	}

	if snap.WorkerUtilization > highUtilizationThreshold {
		recs = append(recs, "increase worker pool")
	}

	if baseline != nil && baseline.ThroughputPerSecond*improvementFactorThreshold < snap.ThroughputPerSecond {
		recs = append(recs, "improvement")
	} else {
		recs = append(recs, "no regression observed")
	}

	return recs
}

func hitRateOf(snap metrics.Snapshot) float64 {
	total := snap.CacheHits + snap.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(snap.CacheHits) / float64(total)
}
