package ecsviewer

import (
	"math"
	"sync"
)

// Family names a metric family whose all-time range is tracked.
type Family string

// Built-in metric families.
const (
	FamilyComponents Family = "components"
	FamilySystems    Family = "systems"
	FamilyQueries    Family = "queries"
	FamilyEntities   Family = "entities"
	FamilyPools      Family = "pools"
)

// FamilyFor returns the per-entity family of name within f, used while
// linked min/max is enabled for a panel group.
func FamilyFor(f Family, name string) Family {
	return f + "/" + Family(name)
}

// MetricRange is a closed [Min, Max] interval. The zero-observation state is
// {+Inf, -Inf}; see EmptyRange.
type MetricRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// EmptyRange returns the sentinel range that has seen no values.
func EmptyRange() MetricRange {
	return MetricRange{Min: math.Inf(1), Max: math.Inf(-1)}
}

// IsEmpty reports whether no value has been folded into r.
func (r MetricRange) IsEmpty() bool { return r.Min > r.Max }

// Span is Max-Min, or 0 for an empty range.
func (r MetricRange) Span() float64 {
	if r.IsEmpty() {
		return 0
	}
	return r.Max - r.Min
}

// Normalize maps v into [0,1] relative to r. Degenerate ranges map to 0.
func (r MetricRange) Normalize(v float64) float64 {
	span := r.Span()
	if span <= 0 {
		return 0
	}
	n := (v - r.Min) / span
	return math.Max(0, math.Min(1, n))
}

// Include widens r to contain v. Non-finite values are ignored.
func (r MetricRange) Include(v float64) MetricRange {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return r
	}
	return MetricRange{Min: math.Min(r.Min, v), Max: math.Max(r.Max, v)}
}

// MergeRanges reduces ranges to their envelope. Empty inputs contribute
// nothing, so the result is empty only if every input is. The reduction is
// pairwise min/max and therefore independent of input order.
func MergeRanges(ranges ...MetricRange) MetricRange {
	out := EmptyRange()
	for _, r := range ranges {
		if r.IsEmpty() {
			continue
		}
		out.Min = math.Min(out.Min, r.Min)
		out.Max = math.Max(out.Max, r.Max)
	}
	return out
}

// RangeAggregator keeps a monotonically widening range per metric family
// for the lifetime of a session. It is safe for concurrent use.
type RangeAggregator struct {
	mu     sync.RWMutex
	ranges map[Family]MetricRange
}

// NewRangeAggregator creates an aggregator with no observed families.
func NewRangeAggregator() *RangeAggregator {
	return &RangeAggregator{ranges: make(map[Family]MetricRange)}
}

// Update folds values into the stored range of f and returns the result.
// Without finite values the stored range is returned untouched.
func (a *RangeAggregator) Update(f Family, values ...float64) MetricRange {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, ok := a.ranges[f]
	if !ok {
		stored = EmptyRange()
	}
	next := stored
	for _, v := range values {
		next = next.Include(v)
	}
	if next.IsEmpty() {
		return stored
	}
	a.ranges[f] = next
	return next
}

// Range returns the stored range of f. ok is false until f has observed a
// finite value.
func (a *RangeAggregator) Range(f Family) (MetricRange, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.ranges[f]
	if !ok {
		return EmptyRange(), false
	}
	return r, true
}

// Ranges returns a copy of every observed range.
func (a *RangeAggregator) Ranges() map[Family]MetricRange {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[Family]MetricRange, len(a.ranges))
	for f, r := range a.ranges {
		out[f] = r
	}
	return out
}

// Reset forgets every range.
func (a *RangeAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ranges = make(map[Family]MetricRange)
}
