package ecsviewer

import (
	"sort"
	"sync"
)

// SeriesID identifies a rolling series within a panel group. IDs are stable
// across snapshots so a series keeps its history while its row exists.
type SeriesID string

// Series identifiers used by the processor.
func ComponentSeries(name string) SeriesID { return SeriesID("component:" + name) }
func PoolSeries(name string) SeriesID      { return SeriesID("pool:" + name) }
func QuerySeries(key string) SeriesID      { return SeriesID("query:" + key) }
func SystemSeries(name string) SeriesID    { return SeriesID("system:" + name) }

// SeriesRegistry owns the sample buffers of one panel group and, when
// linked, the shared display envelope across them. Buffers are never
// modified by linking; only the range handed to views changes.
type SeriesRegistry struct {
	mu       sync.RWMutex
	opts     BufferOptions
	buffers  map[SeriesID]*SampleBuffer
	linked   bool
	envelope MetricRange
}

// NewSeriesRegistry creates an empty registry whose buffers use opts.
func NewSeriesRegistry(opts BufferOptions) *SeriesRegistry {
	return &SeriesRegistry{
		opts:     opts,
		buffers:  make(map[SeriesID]*SampleBuffer),
		envelope: EmptyRange(),
	}
}

// Buffer returns the buffer for id, creating it on first use.
func (r *SeriesRegistry) Buffer(id SeriesID) *SampleBuffer {
	r.mu.RLock()
	b, ok := r.buffers[id]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[id]; ok {
		return b
	}
	b = NewSampleBuffer(r.opts)
	r.buffers[id] = b
	return b
}

// Lookup returns the buffer for id without creating it.
func (r *SeriesRegistry) Lookup(id SeriesID) (*SampleBuffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buffers[id]
	return b, ok
}

// IDs returns the registered series, sorted.
func (r *SeriesRegistry) IDs() []SeriesID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]SeriesID, 0, len(r.buffers))
	for id := range r.buffers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered series.
func (r *SeriesRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buffers)
}

// Retain drops every series not in keep.
func (r *SeriesRegistry) Retain(keep map[SeriesID]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.buffers {
		if _, ok := keep[id]; !ok {
			delete(r.buffers, id)
		}
	}
}

// SetLinked toggles linked min/max. Enabling recomputes the envelope
// immediately so views never see a stale one.
func (r *SeriesRegistry) SetLinked(linked bool) {
	r.mu.Lock()
	r.linked = linked
	r.mu.Unlock()
	r.Link()
}

// Linked reports whether linked min/max is active.
func (r *SeriesRegistry) Linked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.linked
}

// Link recomputes the shared envelope from the current bounds of every
// buffer. It is a no-op returning the empty range while unlinked. Calling
// it again without new samples yields the same envelope.
func (r *SeriesRegistry) Link() MetricRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.linked {
		r.envelope = EmptyRange()
		return r.envelope
	}
	ranges := make([]MetricRange, 0, len(r.buffers))
	for _, b := range r.buffers {
		if bounds, ok := b.CurrentBounds(); ok {
			ranges = append(ranges, bounds)
		}
	}
	r.envelope = MergeRanges(ranges...)
	return r.envelope
}

// Envelope returns the last linked envelope.
func (r *SeriesRegistry) Envelope() (MetricRange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.envelope, r.linked && !r.envelope.IsEmpty()
}

// DisplayRange is the range a view should scale series id with: the shared
// envelope when linked, otherwise the buffer's own bounds.
func (r *SeriesRegistry) DisplayRange(id SeriesID) (MetricRange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buffers[id]
	if !ok {
		return EmptyRange(), false
	}
	if r.linked && !r.envelope.IsEmpty() {
		return r.envelope, true
	}
	return b.CurrentBounds()
}

// DisplayRanges returns DisplayRange for every series that has one.
func (r *SeriesRegistry) DisplayRanges() map[SeriesID]MetricRange {
	r.mu.RLock()
	ids := make([]SeriesID, 0, len(r.buffers))
	for id := range r.buffers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make(map[SeriesID]MetricRange, len(ids))
	for _, id := range ids {
		if rng, ok := r.DisplayRange(id); ok {
			out[id] = rng
		}
	}
	return out
}
