package cache

import (
	"math"
	"sort"
	"time"
)

// Policy names accepted by New and by configuration.
type PolicyName string

const (
	LRU      PolicyName = "LRU"
	LFU      PolicyName = "LFU"
	TTL      PolicyName = "TTL"
	Adaptive PolicyName = "ADAPTIVE"
)

// adaptiveWeights are the fixed composite-score weights for the ADAPTIVE
// policy: recency, frequency, size, and ttl-slack respectively.
const (
	weightRecency   = 0.4
	weightFrequency = 0.3
	weightSize      = 0.2
	weightTTLSlack  = 0.1

	// recencyHalfLife is the time constant of the recency decay function.
	recencyHalfLife = time.Hour
)

// EvictionPolicy selects, from the hot tier's current entries (ordered
// least- to most-recently used or written), enough victims to free at least needed
// bytes. The returned slice is ordered in the sequence entries should be
// removed.
type EvictionPolicy interface {
	SelectVictims(entries []*Entry, needed int64, now time.Time) []*Entry
}

// NewPolicy resolves a PolicyName to its EvictionPolicy. Unknown names fall
// back to LRU.
func NewPolicy(name PolicyName) EvictionPolicy {
	switch name {
	case LFU:
		return lfuPolicy{}
	case TTL:
		return ttlPolicy{}
	case Adaptive:
		return adaptivePolicy{}
	default:
		return lruPolicy{}
	}
}

func takeUntilFreed(sorted []*Entry, needed int64) []*Entry {
	var freed int64
	var victims []*Entry
	for _, e := range sorted {
		if freed >= needed {
			break
		}
		victims = append(victims, e)
		freed += e.Size
	}
	return victims
}

type lruPolicy struct{}

// SelectVictims evicts from the front of the insertion/access order, which
// the hot tier maintains via move-to-back on every touch.
func (lruPolicy) SelectVictims(entries []*Entry, needed int64, now time.Time) []*Entry {
	return takeUntilFreed(entries, needed)
}

type lfuPolicy struct{}

func (lfuPolicy) SelectVictims(entries []*Entry, needed int64, now time.Time) []*Entry {
	sorted := append([]*Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].AccessCount != sorted[j].AccessCount {
			return sorted[i].AccessCount < sorted[j].AccessCount
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return takeUntilFreed(sorted, needed)
}

type ttlPolicy struct{}

func (ttlPolicy) SelectVictims(entries []*Entry, needed int64, now time.Time) []*Entry {
	expiryOf := func(e *Entry) time.Time {
		if e.TTL <= 0 {
			return time.Unix(1<<62, 0) // sorts after any real expiry
		}
		return e.CreatedAt.Add(e.TTL)
	}
	sorted := append([]*Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return expiryOf(sorted[i]).Before(expiryOf(sorted[j]))
	})
	return takeUntilFreed(sorted, needed)
}

type adaptivePolicy struct{}

func (adaptivePolicy) SelectVictims(entries []*Entry, needed int64, now time.Time) []*Entry {
	if len(entries) == 0 {
		return nil
	}

	var maxAccess int64
	var maxSize int64
	for _, e := range entries {
		if e.AccessCount > maxAccess {
			maxAccess = e.AccessCount
		}
		if e.Size > maxSize {
			maxSize = e.Size
		}
	}
	if maxAccess == 0 {
		maxAccess = 1
	}
	if maxSize == 0 {
		maxSize = 1
	}

	scores := make(map[*Entry]float64, len(entries))
	for _, e := range entries {
		scores[e] = adaptiveScore(e, now, maxAccess, maxSize)
	}

	sorted := append([]*Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return scores[sorted[i]] < scores[sorted[j]]
	})
	return takeUntilFreed(sorted, needed)
}

// adaptiveScore computes the composite desirability score described by the
// weighted sum of recency, frequency, size-inverse, and ttl-slack. Higher
// scores are kept longer; SelectVictims evicts the lowest first.
func adaptiveScore(e *Entry, now time.Time, maxAccess, maxSize int64) float64 {
	age := now.Sub(e.AccessedAt)
	recency := math.Exp(-age.Seconds() / recencyHalfLife.Seconds())

	frequency := float64(e.AccessCount) / float64(maxAccess)

	sizeInverse := 1 - float64(e.Size)/float64(maxSize)

	var ttlSlack float64
	if e.TTL <= 0 {
		ttlSlack = 1
	} else {
		total := e.TTL.Seconds()
		remaining := e.CreatedAt.Add(e.TTL).Sub(now).Seconds()
		if total > 0 {
			ttlSlack = remaining / total
		}
		if ttlSlack < 0 {
			ttlSlack = 0
		}
	}

	return weightRecency*recency + weightFrequency*frequency + weightSize*sizeInverse + weightTTLSlack*ttlSlack
}
