package ecsviewer

import (
	"math"
	"sync"
	"time"
)

// Buffer defaults.
const (
	DefaultResetBoundsInterval = 3000 * time.Millisecond
	DefaultSampleWindow        = 3000 * time.Millisecond
	DefaultMaxSamples          = 1024
)

// Sample is one observation of a series. Timestamp is Unix milliseconds.
type Sample struct {
	Timestamp int64   `json:"t"`
	Value     float64 `json:"v"`
}

// BufferOptions tunes a SampleBuffer.
type BufferOptions struct {
	// ResetBoundsInterval is how long bounds may keep widening before they
	// are recomputed from the retained samples. Zero or negative means the
	// default of 3s.
	ResetBoundsInterval time.Duration
	// Window is the visual window; samples older than the newest timestamp
	// minus Window are dropped on each bounds reset. Default: 3s.
	Window time.Duration
	// MaxSamples caps retained samples for bursty inputs. Default: 1024.
	MaxSamples int
	// OnReset, if set, is called after every bounds recompute.
	OnReset func()
}

func (o *BufferOptions) defaults() {
	if o.ResetBoundsInterval <= 0 {
		o.ResetBoundsInterval = DefaultResetBoundsInterval
	}
	if o.Window <= 0 {
		o.Window = DefaultSampleWindow
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = DefaultMaxSamples
	}
}

// SampleBuffer is a bounded, time-windowed series with self-healing bounds.
// Bounds widen on every Append; once ResetBoundsInterval has elapsed (in
// sample time) since the last recompute, stale samples are pruned and the
// bounds are rebuilt from what remains, so an old spike stops flattening
// the visible scale. It is safe for concurrent use.
type SampleBuffer struct {
	mu        sync.RWMutex
	opts      BufferOptions
	samples   []Sample
	bounds    MetricRange
	lastReset int64
	hasReset  bool
	resets    int
}

// NewSampleBuffer creates an empty buffer.
func NewSampleBuffer(opts BufferOptions) *SampleBuffer {
	opts.defaults()
	return &SampleBuffer{opts: opts, bounds: EmptyRange()}
}

// Append adds a sample. Timestamps must not go backwards; an older sample
// is dropped with ErrOutOfOrderSample. Non-finite values are dropped.
func (b *SampleBuffer) Append(timestamp int64, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}

	b.mu.Lock()
	if n := len(b.samples); n > 0 && timestamp < b.samples[n-1].Timestamp {
		b.mu.Unlock()
		return ErrOutOfOrderSample
	}

	b.samples = append(b.samples, Sample{Timestamp: timestamp, Value: value})
	trimmed := false
	if len(b.samples) > b.opts.MaxSamples {
		b.samples = append(b.samples[:0], b.samples[len(b.samples)-b.opts.MaxSamples:]...)
		trimmed = true
	}

	if !b.hasReset {
		b.hasReset = true
		b.lastReset = timestamp
	}

	var onReset func()
	switch {
	case timestamp-b.lastReset > b.opts.ResetBoundsInterval.Milliseconds():
		b.resetLocked(timestamp)
		onReset = b.opts.OnReset
	case trimmed:
		b.bounds = boundsOf(b.samples)
	default:
		b.bounds = b.bounds.Include(value)
	}
	b.mu.Unlock()

	if onReset != nil {
		onReset()
	}
	return nil
}

// resetLocked prunes samples outside the window ending at now and rebuilds
// bounds from the survivors.
func (b *SampleBuffer) resetLocked(now int64) {
	cutoff := now - b.opts.Window.Milliseconds()
	i := 0
	for i < len(b.samples) && b.samples[i].Timestamp < cutoff {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
	b.bounds = boundsOf(b.samples)
	b.lastReset = now
	b.resets++
}

func boundsOf(samples []Sample) MetricRange {
	r := EmptyRange()
	for _, s := range samples {
		r = r.Include(s.Value)
	}
	return r
}

// CurrentBounds returns the bounds over the retained samples. ok is false
// while the buffer is empty.
func (b *SampleBuffer) CurrentBounds() (MetricRange, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bounds, !b.bounds.IsEmpty()
}

// Samples returns a copy of the retained samples, oldest first.
func (b *SampleBuffer) Samples() []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Sample(nil), b.samples...)
}

// Last returns the newest sample.
func (b *SampleBuffer) Last() (Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.samples) == 0 {
		return Sample{}, false
	}
	return b.samples[len(b.samples)-1], true
}

// Len returns the number of retained samples.
func (b *SampleBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Resets returns how many times bounds were recomputed.
func (b *SampleBuffer) Resets() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resets
}
