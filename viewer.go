package ecsviewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Viewer fans the dashboard state out to multiple targets. Updates are
// event driven: an attached Processor or Propagator pushes on every change.
// An optional interval re-sends the current state for targets that need a
// periodic refresh.
type Viewer struct {
	mu       sync.RWMutex
	provider StateProvider
	targets  []Target
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	detach   []func()
	logger   *slog.Logger
}

// Option configures the Viewer.
type Option func(*Viewer)

// WithInterval sets the refresh interval. Zero disables periodic refresh.
func WithInterval(d time.Duration) Option {
	return func(v *Viewer) {
		v.interval = d
	}
}

// WithViewerLogger sets the logger.
func WithViewerLogger(l *slog.Logger) Option {
	return func(v *Viewer) {
		v.logger = l
	}
}

// New creates a new Viewer with the given options.
func New(opts ...Option) *Viewer {
	v := &Viewer{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SetStateProvider sets the source of ViewState.
func (v *Viewer) SetStateProvider(p StateProvider) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.provider = p
}

// Attach uses proc and prop as the state source and pushes an update to
// every target whenever a snapshot is published or the highlight changes.
func (v *Viewer) Attach(proc *Processor, prop *Propagator) {
	v.SetStateProvider(NewDashboardProvider(proc, prop))

	push := func(reason string) {
		if err := v.Update(context.Background()); err != nil {
			v.logger.Debug("viewer: update failed", "reason", reason, "error", err)
		}
	}
	detach := []func(){
		proc.Subscribe(func(*ConsolidatedState) { push("snapshot") }),
	}
	if prop != nil {
		detach = append(detach, prop.Subscribe(func(HighlightChange) { push("highlight") }))
	}

	v.mu.Lock()
	v.detach = append(v.detach, detach...)
	v.mu.Unlock()
}

// AddTarget adds an output target.
func (v *Viewer) AddTarget(t Target) error {
	if t == nil {
		return fmt.Errorf("nil target")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.targets = append(v.targets, t)
	return nil
}

// RemoveTarget removes a target by reference.
func (v *Viewer) RemoveTarget(t Target) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, target := range v.targets {
		if target == t {
			v.targets = append(v.targets[:i], v.targets[i+1:]...)
			return
		}
	}
}

// Targets returns the registered targets.
func (v *Viewer) Targets() []Target {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Target, len(v.targets))
	copy(out, v.targets)
	return out
}

// Start pushes the current state once and, when an interval is set,
// begins periodic refresh.
func (v *Viewer) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.cancel != nil {
		v.mu.Unlock()
		return fmt.Errorf("viewer already started")
	}

	ctx, v.cancel = context.WithCancel(ctx)
	v.done = make(chan struct{})
	interval := v.interval
	v.mu.Unlock()

	// Nothing to show before the first snapshot is not an error.
	if err := v.Update(ctx); err != nil && !errors.Is(err, errNoSnapshot) {
		return err
	}

	go v.run(ctx, interval)
	return nil
}

func (v *Viewer) run(ctx context.Context, interval time.Duration) {
	defer close(v.done)
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.Update(ctx); err != nil && !errors.Is(err, errNoSnapshot) {
				v.logger.Warn("viewer: periodic update failed", "error", err)
			}
		}
	}
}

// Stop stops periodic updates.
func (v *Viewer) Stop() {
	v.mu.Lock()
	done := v.done
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	v.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Update triggers an immediate update to all targets.
func (v *Viewer) Update(ctx context.Context) error {
	v.mu.RLock()
	provider := v.provider
	targets := make([]Target, len(v.targets))
	copy(targets, v.targets)
	v.mu.RUnlock()

	if provider == nil {
		return fmt.Errorf("no state provider set")
	}

	state, err := provider.GetViewState()
	if err != nil {
		return fmt.Errorf("failed to get view state: %w", err)
	}

	var lastErr error
	for _, target := range targets {
		if err := target.Update(ctx, state); err != nil {
			lastErr = fmt.Errorf("target %s: %w", target.Name(), err)
			v.logger.Warn("viewer: target update failed", "target", target.Name(), "error", err)
		}
	}
	return lastErr
}

// Close stops the viewer, detaches from its sources and closes all targets.
func (v *Viewer) Close() error {
	v.Stop()

	v.mu.Lock()
	targets := v.targets
	v.targets = nil
	detach := v.detach
	v.detach = nil
	v.mu.Unlock()

	for _, fn := range detach {
		fn()
	}

	var lastErr error
	for _, target := range targets {
		if err := target.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
