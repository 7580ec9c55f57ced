package ecsviewer

import (
	"log/slog"
	"sync"
)

// SignalKind names one of the cross-panel signals.
type SignalKind string

// The complete set of signals a panel may emit or observe.
const (
	SignalComponentOver SignalKind = "componentOver"
	SignalQueryOver     SignalKind = "queryOver"
	SignalSystemOver    SignalKind = "systemOver"
	SignalGraphsToggled SignalKind = "toggleGraphs"
)

// Signal is a closed set of payloads: ComponentOver, QueryOver, SystemOver
// and GraphsToggled.
type Signal interface {
	Kind() SignalKind
	isSignal()
}

// ComponentOver reports the component names under the pointer.
type ComponentOver struct{ Names []string }

// QueryOver reports the queries under the pointer.
type QueryOver struct{ Queries []QueryRecord }

// SystemOver reports the systems under the pointer; empty means hover off.
type SystemOver struct{ Systems []SystemRecord }

// GraphsToggled reports a panel group showing or hiding its charts.
type GraphsToggled struct {
	Group   PanelGroup
	Visible bool
}

func (ComponentOver) Kind() SignalKind { return SignalComponentOver }
func (QueryOver) Kind() SignalKind     { return SignalQueryOver }
func (SystemOver) Kind() SignalKind    { return SignalSystemOver }
func (GraphsToggled) Kind() SignalKind { return SignalGraphsToggled }

func (ComponentOver) isSignal() {}
func (QueryOver) isSignal()     {}
func (SystemOver) isSignal()    {}
func (GraphsToggled) isSignal() {}

// PanelGroup is one of the dashboard's panels.
type PanelGroup string

// Panel groups.
const (
	GroupEntities   PanelGroup = "entities"
	GroupComponents PanelGroup = "components"
	GroupQueries    PanelGroup = "queries"
	GroupSystems    PanelGroup = "systems"
)

// PanelGroups lists every panel group in display order.
var PanelGroups = []PanelGroup{GroupEntities, GroupComponents, GroupQueries, GroupSystems}

// HighlightState is the current cross-panel highlight.
type HighlightState struct {
	OverComponents []string      `json:"overComponents"`
	OverQueries    []QueryRecord `json:"overQueries"`
	OverSystem     bool          `json:"overSystem"`
}

func (h HighlightState) clone() HighlightState {
	return HighlightState{
		OverComponents: append([]string{}, h.OverComponents...),
		OverQueries:    append([]QueryRecord{}, h.OverQueries...),
		OverSystem:     h.OverSystem,
	}
}

// IsZero reports whether nothing is highlighted.
func (h HighlightState) IsZero() bool {
	return len(h.OverComponents) == 0 && len(h.OverQueries) == 0 && !h.OverSystem
}

// HasComponent reports whether name is hovered.
func (h HighlightState) HasComponent(name string) bool {
	return containsString(h.OverComponents, name)
}

// HasQuery reports whether the query with key is in the hovered set.
func (h HighlightState) HasQuery(key string) bool {
	for _, q := range h.OverQueries {
		if q.Key == key {
			return true
		}
	}
	return false
}

// HighlightChange is delivered to subscribers after every applied update.
// Signal is nil when the change came from toggling highlighting off.
type HighlightChange struct {
	Signal     Signal
	Previous   HighlightState
	Current    HighlightState
	Graphs     map[PanelGroup]bool
	ShowGraphs bool
}

// SnapshotSource supplies the snapshot system hovers are resolved against.
type SnapshotSource interface {
	CurrentSnapshot() *Snapshot
}

// Propagator is the highlight bus shared by every panel. Publish applies a
// signal and delivers the change synchronously to every subscriber, in
// subscription order, before returning. Subscribers must not Publish from
// inside their callback.
type Propagator struct {
	publishMu sync.Mutex

	mu       sync.RWMutex
	source   SnapshotSource
	enabled  bool
	current  HighlightState
	previous HighlightState
	graphs   map[PanelGroup]bool

	subsMu sync.Mutex
	subs   []highlightSub
	nextID uint64

	logger  *slog.Logger
	metrics *Metrics
}

type highlightSub struct {
	id uint64
	fn func(HighlightChange)
}

// PropagatorOption configures a Propagator.
type PropagatorOption func(*Propagator)

// WithHighlightEnabled sets the initial state of the highlight toggle.
func WithHighlightEnabled(enabled bool) PropagatorOption {
	return func(p *Propagator) { p.enabled = enabled }
}

// WithPropagatorLogger sets the logger.
func WithPropagatorLogger(l *slog.Logger) PropagatorOption {
	return func(p *Propagator) { p.logger = l }
}

// WithPropagatorMetrics records signal counts on m.
func WithPropagatorMetrics(m *Metrics) PropagatorOption {
	return func(p *Propagator) { p.metrics = m }
}

// NewPropagator creates a bus resolving system hovers against source.
// Highlighting starts enabled.
func NewPropagator(source SnapshotSource, opts ...PropagatorOption) *Propagator {
	p := &Propagator{
		source:  source,
		enabled: true,
		graphs:  make(map[PanelGroup]bool, len(PanelGroups)),
		logger:  slog.Default(),
	}
	for _, g := range PanelGroups {
		p.graphs[g] = false
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers fn for every applied change. The returned function
// removes the subscription.
func (p *Propagator) Subscribe(fn func(HighlightChange)) (unsubscribe func()) {
	p.subsMu.Lock()
	p.nextID++
	id := p.nextID
	p.subs = append(p.subs, highlightSub{id: id, fn: fn})
	p.subsMu.Unlock()

	return func() {
		p.subsMu.Lock()
		defer p.subsMu.Unlock()
		for i, s := range p.subs {
			if s.id == id {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish applies sig and notifies subscribers. It reports whether the
// signal was applied; hover signals are ignored while highlighting is off.
func (p *Propagator) Publish(sig Signal) bool {
	if sig == nil {
		return false
	}
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.Lock()
	if sig.Kind() != SignalGraphsToggled && !p.enabled {
		p.mu.Unlock()
		p.metrics.signalIgnored(sig.Kind())
		p.logger.Debug("highlight: signal ignored, highlighting disabled", "signal", sig.Kind())
		return false
	}

	switch s := sig.(type) {
	case ComponentOver:
		p.previous = p.current.clone()
		p.current.OverComponents = stringSet(s.Names)
	case QueryOver:
		p.previous = p.current.clone()
		p.current.OverQueries = uniqueQueries(s.Queries)
	case SystemOver:
		p.previous = p.current.clone()
		if len(s.Systems) > 0 {
			var queries []QueryRecord
			if p.source != nil {
				if snap := p.source.CurrentSnapshot(); snap != nil {
					queries = snap.Queries
				}
			}
			p.current.OverQueries = ResolveQueries(s.Systems[0], queries)
			p.current.OverSystem = true
		} else {
			p.current.OverQueries = []QueryRecord{}
			p.current.OverSystem = false
		}
	case GraphsToggled:
		p.graphs[s.Group] = s.Visible
	}
	change := p.changeLocked(sig)
	p.mu.Unlock()

	p.metrics.signalApplied(sig.Kind())
	p.deliver(change)
	return true
}

// SetEnabled toggles highlighting. Turning it off clears the current
// highlight so views can animate out of it.
func (p *Propagator) SetEnabled(enabled bool) {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.Lock()
	was := p.enabled
	p.enabled = enabled
	if was == enabled || enabled || p.current.IsZero() {
		p.mu.Unlock()
		return
	}
	p.previous = p.current.clone()
	p.current = HighlightState{OverComponents: []string{}, OverQueries: []QueryRecord{}}
	change := p.changeLocked(nil)
	p.mu.Unlock()

	p.logger.Debug("highlight: disabled, highlight cleared")
	p.deliver(change)
}

// Enabled reports whether highlighting is on.
func (p *Propagator) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// State returns copies of the current and previous highlight.
func (p *Propagator) State() (current, previous HighlightState) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.clone(), p.previous.clone()
}

// ShowGraphs is true when every panel group has its charts visible.
func (p *Propagator) ShowGraphs() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return allVisible(p.graphs)
}

func (p *Propagator) graphSnapshot() map[PanelGroup]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	graphs := make(map[PanelGroup]bool, len(p.graphs))
	for g, v := range p.graphs {
		graphs[g] = v
	}
	return graphs
}

func (p *Propagator) changeLocked(sig Signal) HighlightChange {
	graphs := make(map[PanelGroup]bool, len(p.graphs))
	for g, v := range p.graphs {
		graphs[g] = v
	}
	return HighlightChange{
		Signal:     sig,
		Previous:   p.previous.clone(),
		Current:    p.current.clone(),
		Graphs:     graphs,
		ShowGraphs: allVisible(graphs),
	}
}

func (p *Propagator) deliver(change HighlightChange) {
	p.subsMu.Lock()
	subs := make([]highlightSub, len(p.subs))
	copy(subs, p.subs)
	p.subsMu.Unlock()

	for _, s := range subs {
		s.fn(change)
	}
}

func allVisible(graphs map[PanelGroup]bool) bool {
	for _, g := range PanelGroups {
		if !graphs[g] {
			return false
		}
	}
	return true
}

func uniqueQueries(in []QueryRecord) []QueryRecord {
	out := make([]QueryRecord, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, q := range in {
		if _, ok := seen[q.Key]; ok {
			continue
		}
		seen[q.Key] = struct{}{}
		out = append(out, q)
	}
	return out
}
