package ecsviewer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nimsforest/ecsviewer"

// ConsolidatedState is what views consume after each processed snapshot.
// It is shared between readers and must not be modified.
type ConsolidatedState struct {
	Sequence            uint64
	ReceivedAt          time.Time
	Snapshot            *Snapshot
	Relations           *RelationIndex
	Ranges              map[Family]MetricRange
	NextSystemToExecute string
	// NextSystemFallback is set when LastExecutedSystem was not found and
	// NextSystemToExecute defaulted to the first system. The value is then
	// a placeholder, not a prediction.
	NextSystemFallback bool
}

// DiagnosticKind classifies a Diagnostic.
type DiagnosticKind string

// Diagnostic kinds.
const (
	DiagMalformedSnapshot  DiagnosticKind = "malformed_snapshot"
	DiagUnresolvedRelation DiagnosticKind = "unresolved_relation"
	DiagNextSystemFallback DiagnosticKind = "next_system_fallback"
	DiagInvalidOption      DiagnosticKind = "invalid_option"
)

// Diagnostic is a non-fatal event worth surfacing to operators.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	At      time.Time      `json:"at"`
}

// Panel is the rolling series owned by one panel group. Total is the
// panel-level aggregate series and is nil for panels without one.
type Panel struct {
	Group PanelGroup
	Total *SampleBuffer
	Rows  *SeriesRegistry
}

// Processor validates incoming snapshots, maintains ranges and rolling
// series, and publishes the consolidated state. Each delivery is processed
// completely before the next one starts.
type Processor struct {
	mu     sync.Mutex
	ranges *RangeAggregator
	panels map[PanelGroup]*Panel
	lastTS int64

	stateMu sync.RWMutex
	state   *ConsolidatedState
	seq     uint64

	optsMu        sync.RWMutex
	linkMinMax    map[PanelGroup]bool
	showPoolGraph bool

	subsMu   sync.Mutex
	subs     map[uint64]func(*ConsolidatedState)
	diagSubs map[uint64]func(Diagnostic)
	subOrder []uint64
	nextID   uint64

	bufferOpts BufferOptions
	now        func() time.Time
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithMetrics records processing metrics on m.
func WithMetrics(m *Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithClock overrides the clock used to timestamp samples.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// WithTracerProvider sets the OpenTelemetry tracer provider. Default: the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) ProcessorOption {
	return func(p *Processor) { p.tracer = tp.Tracer(instrumentationName) }
}

// WithBufferOptions sets the options of every rolling series.
func WithBufferOptions(opts BufferOptions) ProcessorOption {
	return func(p *Processor) { p.bufferOpts = opts }
}

// WithLinkMinMax sets the initial linked min/max mode of a panel group.
func WithLinkMinMax(group PanelGroup, linked bool) ProcessorOption {
	return func(p *Processor) { p.linkMinMax[group] = linked }
}

// WithShowPoolGraph enables per-component pool series.
func WithShowPoolGraph(show bool) ProcessorOption {
	return func(p *Processor) { p.showPoolGraph = show }
}

// NewProcessor creates a processor with no current state.
func NewProcessor(opts ...ProcessorOption) *Processor {
	p := &Processor{
		ranges:     NewRangeAggregator(),
		linkMinMax: make(map[PanelGroup]bool),
		subs:       make(map[uint64]func(*ConsolidatedState)),
		diagSubs:   make(map[uint64]func(Diagnostic)),
		now:        time.Now,
		logger:     slog.Default(),
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(p)
	}

	bufOpts := p.bufferOpts
	if p.metrics != nil {
		m, next := p.metrics, bufOpts.OnReset
		bufOpts.OnReset = func() {
			m.boundsReset()
			if next != nil {
				next()
			}
		}
	}
	p.panels = make(map[PanelGroup]*Panel, len(PanelGroups))
	for _, g := range PanelGroups {
		panel := &Panel{Group: g, Rows: NewSeriesRegistry(bufOpts)}
		if g != GroupQueries {
			panel.Total = NewSampleBuffer(bufOpts)
		}
		panel.Rows.SetLinked(p.linkMinMax[g])
		p.panels[g] = panel
	}
	return p
}

// Deliver is the single ingestion point for transports: it decodes raw and
// processes the result. A malformed payload is dropped, reported as a
// diagnostic and returned as *ErrMalformedSnapshot; the current state is
// left unchanged.
func (p *Processor) Deliver(ctx context.Context, raw []byte) error {
	ctx, span := p.tracer.Start(ctx, "ecsviewer.deliver",
		trace.WithAttributes(attribute.Int("ecsviewer.payload_bytes", len(raw))))
	defer span.End()

	snap, err := DecodeSnapshot(raw)
	if err != nil {
		p.reject(span, err)
		return err
	}
	return p.process(ctx, snap)
}

// Process handles an already typed snapshot. The snapshot is copied; later
// changes by the caller are not observed.
func (p *Processor) Process(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		span := trace.SpanFromContext(ctx)
		p.reject(span, err)
		return err
	}
	return p.process(ctx, snap.Clone())
}

func (p *Processor) reject(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "malformed snapshot")
	p.metrics.snapshotDropped()
	p.logger.Warn("processor: snapshot dropped", "error", err)
	p.emit(Diagnostic{Kind: DiagMalformedSnapshot, Message: "snapshot dropped", Err: err, At: p.now()})
}

func (p *Processor) process(ctx context.Context, snap *Snapshot) error {
	_, span := p.tracer.Start(ctx, "ecsviewer.process_snapshot",
		trace.WithAttributes(
			attribute.Int("ecsviewer.entities", snap.NumEntities),
			attribute.Int("ecsviewer.components", len(snap.Components)),
			attribute.Int("ecsviewer.systems", len(snap.Systems)),
			attribute.Int("ecsviewer.queries", len(snap.Queries)),
		))
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	received := p.now()

	p.updateRanges(snap)

	next, found := NextSystemToExecute(snap)
	if !found {
		p.metrics.nextSystemFallback()
		msg := fmt.Sprintf("last executed system %q not found, defaulting next system to %q", snap.LastExecutedSystem, next)
		p.logger.Warn("processor: "+msg, "systems", len(snap.Systems))
		p.emit(Diagnostic{Kind: DiagNextSystemFallback, Message: msg, At: received})
	}

	relations := NewRelationIndex(snap)
	p.reportUnresolved(relations, received)

	p.appendSamples(snap, received)

	p.stateMu.Lock()
	p.seq++
	state := &ConsolidatedState{
		Sequence:            p.seq,
		ReceivedAt:          received,
		Snapshot:            snap,
		Relations:           relations,
		Ranges:              p.ranges.Ranges(),
		NextSystemToExecute: next,
		NextSystemFallback:  !found,
	}
	p.state = state
	p.stateMu.Unlock()

	span.SetAttributes(attribute.Int64("ecsviewer.sequence", int64(state.Sequence)))
	p.metrics.snapshotProcessed(time.Since(start))
	p.logger.Debug("processor: snapshot processed", "sequence", state.Sequence, "next_system", next)

	p.notify(state)
	return nil
}

// NextSystemToExecute returns the cyclic successor of LastExecutedSystem.
// When it is not found the first system is returned with found=false; this
// is a degraded default that may hide a stale or renamed system, not a
// statement that the first system runs next.
func NextSystemToExecute(snap *Snapshot) (name string, found bool) {
	if snap == nil || len(snap.Systems) == 0 {
		return "", false
	}
	idx := snap.SystemIndex(snap.LastExecutedSystem)
	if idx < 0 {
		return snap.Systems[0].Name, false
	}
	return snap.Systems[(idx+1)%len(snap.Systems)].Name, true
}

func (p *Processor) updateRanges(snap *Snapshot) {
	components := make([]float64, 0, len(snap.Components))
	for _, n := range snap.Components {
		components = append(components, float64(n))
	}
	p.ranges.Update(FamilyComponents, components...)

	systems := make([]float64, 0, len(snap.Systems))
	for _, s := range snap.Systems {
		systems = append(systems, s.ExecuteTime)
	}
	p.ranges.Update(FamilySystems, systems...)

	queries := make([]float64, 0, len(snap.Queries))
	for _, q := range snap.Queries {
		queries = append(queries, float64(q.NumEntities))
	}
	p.ranges.Update(FamilyQueries, queries...)

	p.ranges.Update(FamilyEntities, float64(snap.NumEntities))

	pools := make([]float64, 0, len(snap.ComponentsPools))
	for _, pool := range snap.ComponentsPools {
		pools = append(pools, float64(pool.Size))
	}
	p.ranges.Update(FamilyPools, pools...)

	if p.LinkMinMax(GroupComponents) {
		for name, n := range snap.Components {
			p.ranges.Update(FamilyFor(FamilyComponents, name), float64(n))
		}
	}
	if p.LinkMinMax(GroupSystems) {
		for _, s := range snap.Systems {
			p.ranges.Update(FamilyFor(FamilySystems, s.Name), s.ExecuteTime)
		}
	}
	if p.LinkMinMax(GroupQueries) {
		for _, q := range snap.Queries {
			p.ranges.Update(FamilyFor(FamilyQueries, q.Key), float64(q.NumEntities))
		}
	}
}

func (p *Processor) reportUnresolved(idx *RelationIndex, at time.Time) {
	refs := idx.UnresolvedRefs()
	missing := idx.MissingComponents()
	if len(refs) == 0 && len(missing) == 0 {
		return
	}
	p.metrics.unresolvedRelations(len(refs) + len(missing))
	for _, ref := range refs {
		p.logger.Debug("processor: unresolved query reference",
			"system", ref.System, "query", ref.LocalName, "key", ref.Key)
	}
	for _, name := range missing {
		p.logger.Debug("processor: query references unknown component", "component", name)
	}
	p.emit(Diagnostic{
		Kind:    DiagUnresolvedRelation,
		Message: fmt.Sprintf("%d unresolved query references, %d unknown components", len(refs), len(missing)),
		At:      at,
	})
}

func (p *Processor) appendSamples(snap *Snapshot, at time.Time) {
	ts := at.UnixMilli()
	if ts < p.lastTS {
		ts = p.lastTS
	}
	p.lastTS = ts

	entities := p.panels[GroupEntities]
	p.appendSample(entities.Total, ts, float64(snap.NumEntities))

	components := p.panels[GroupComponents]
	p.appendSample(components.Total, ts, float64(snap.TotalInstances()))
	keep := make(map[SeriesID]struct{}, len(snap.Components)*2)
	showPools := p.ShowPoolGraph()
	for name, n := range snap.Components {
		id := ComponentSeries(name)
		keep[id] = struct{}{}
		p.appendSample(components.Rows.Buffer(id), ts, float64(n))
		if pool, ok := snap.ComponentsPools[name]; ok && showPools {
			pid := PoolSeries(name)
			keep[pid] = struct{}{}
			p.appendSample(components.Rows.Buffer(pid), ts, float64(pool.Size))
		}
	}
	components.Rows.Retain(keep)

	queries := p.panels[GroupQueries]
	keep = make(map[SeriesID]struct{}, len(snap.Queries))
	for _, q := range snap.Queries {
		id := QuerySeries(q.Key)
		keep[id] = struct{}{}
		p.appendSample(queries.Rows.Buffer(id), ts, float64(q.NumEntities))
	}
	queries.Rows.Retain(keep)

	systems := p.panels[GroupSystems]
	p.appendSample(systems.Total, ts, snap.TotalExecuteTime())
	keep = make(map[SeriesID]struct{}, len(snap.Systems))
	for _, s := range snap.Systems {
		id := SystemSeries(s.Name)
		keep[id] = struct{}{}
		p.appendSample(systems.Rows.Buffer(id), ts, s.ExecuteTime)
	}
	systems.Rows.Retain(keep)

	for _, g := range PanelGroups {
		panel := p.panels[g]
		panel.Rows.Link()
		p.metrics.trackedSeries(g, panel.Rows.Len())
	}
}

func (p *Processor) appendSample(b *SampleBuffer, ts int64, v float64) {
	if err := b.Append(ts, v); err != nil {
		p.logger.Debug("processor: sample dropped", "error", err, "timestamp", ts)
	}
}

// CurrentState returns the last published state, or nil before the first
// accepted snapshot.
func (p *Processor) CurrentState() *ConsolidatedState {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// CurrentSnapshot implements SnapshotSource.
func (p *Processor) CurrentSnapshot() *Snapshot {
	if s := p.CurrentState(); s != nil {
		return s.Snapshot
	}
	return nil
}

// Ranges returns the all-time ranges observed so far.
func (p *Processor) Ranges() map[Family]MetricRange { return p.ranges.Ranges() }

// Panel returns the rolling series of group.
func (p *Processor) Panel(group PanelGroup) (*Panel, bool) {
	panel, ok := p.panels[group]
	return panel, ok
}

// SetLinkMinMax toggles linked min/max for group.
func (p *Processor) SetLinkMinMax(group PanelGroup, linked bool) {
	p.optsMu.Lock()
	p.linkMinMax[group] = linked
	p.optsMu.Unlock()
	if panel, ok := p.panels[group]; ok {
		panel.Rows.SetLinked(linked)
	}
	p.logger.Info("processor: link min/max changed", "group", group, "linked", linked)
}

// LinkMinMax reports whether group is in linked min/max mode.
func (p *Processor) LinkMinMax(group PanelGroup) bool {
	p.optsMu.RLock()
	defer p.optsMu.RUnlock()
	return p.linkMinMax[group]
}

// SetShowPoolGraph toggles per-component pool series. Existing pool series
// are dropped on the next snapshot when disabled.
func (p *Processor) SetShowPoolGraph(show bool) {
	p.optsMu.Lock()
	p.showPoolGraph = show
	p.optsMu.Unlock()
	p.logger.Info("processor: pool graph changed", "show", show)
}

// ShowPoolGraph reports whether pool series are tracked.
func (p *Processor) ShowPoolGraph() bool {
	p.optsMu.RLock()
	defer p.optsMu.RUnlock()
	return p.showPoolGraph
}

// Subscribe registers fn to be called once per published state. Callbacks
// run synchronously on the processing path and must not call Deliver or
// Process.
func (p *Processor) Subscribe(fn func(*ConsolidatedState)) (unsubscribe func()) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	p.subOrder = append(p.subOrder, id)
	return func() { p.unsubscribe(id) }
}

// OnDiagnostic registers fn for every diagnostic event.
func (p *Processor) OnDiagnostic(fn func(Diagnostic)) (unsubscribe func()) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.nextID++
	id := p.nextID
	p.diagSubs[id] = fn
	p.subOrder = append(p.subOrder, id)
	return func() { p.unsubscribe(id) }
}

func (p *Processor) unsubscribe(id uint64) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	delete(p.subs, id)
	delete(p.diagSubs, id)
	for i, v := range p.subOrder {
		if v == id {
			p.subOrder = append(p.subOrder[:i], p.subOrder[i+1:]...)
			break
		}
	}
}

func (p *Processor) notify(state *ConsolidatedState) {
	p.subsMu.Lock()
	fns := make([]func(*ConsolidatedState), 0, len(p.subs))
	for _, id := range p.subOrder {
		if fn, ok := p.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	p.subsMu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (p *Processor) emit(d Diagnostic) {
	p.subsMu.Lock()
	fns := make([]func(Diagnostic), 0, len(p.diagSubs))
	for _, id := range p.subOrder {
		if fn, ok := p.diagSubs[id]; ok {
			fns = append(fns, fn)
		}
	}
	p.subsMu.Unlock()
	for _, fn := range fns {
		fn(d)
	}
}

// Emit forwards an externally detected diagnostic, such as a clamped
// configuration value, to diagnostic subscribers.
func (p *Processor) Emit(d Diagnostic) {
	if d.At.IsZero() {
		d.At = p.now()
	}
	p.emit(d)
}

// StateDump is the JSON document produced by DumpState.
type StateDump struct {
	Sequence            uint64                                 `json:"sequence"`
	ReceivedAt          time.Time                              `json:"receivedAt"`
	Snapshot            *Snapshot                              `json:"snapshot"`
	Ranges              map[Family]MetricRange                 `json:"ranges"`
	NextSystemToExecute string                                 `json:"nextSystemToExecute"`
	NextSystemFallback  bool                                   `json:"nextSystemFallback"`
	UnresolvedRefs      []UnresolvedRef                        `json:"unresolvedRefs,omitempty"`
	Series              map[PanelGroup]map[SeriesID]SeriesDump `json:"series"`
}

// SeriesDump summarizes one rolling series.
type SeriesDump struct {
	Samples int          `json:"samples"`
	Bounds  *MetricRange `json:"bounds,omitempty"`
	Display *MetricRange `json:"display,omitempty"`
}

// DumpState returns the full consolidated state as indented JSON and logs
// it at debug level. It does not modify anything.
func (p *Processor) DumpState() ([]byte, error) {
	state := p.CurrentState()
	if state == nil {
		return nil, errNoSnapshot
	}
	dump := StateDump{
		Sequence:            state.Sequence,
		ReceivedAt:          state.ReceivedAt,
		Snapshot:            state.Snapshot,
		Ranges:              state.Ranges,
		NextSystemToExecute: state.NextSystemToExecute,
		NextSystemFallback:  state.NextSystemFallback,
		UnresolvedRefs:      state.Relations.UnresolvedRefs(),
		Series:              make(map[PanelGroup]map[SeriesID]SeriesDump, len(p.panels)),
	}
	for g, panel := range p.panels {
		series := make(map[SeriesID]SeriesDump)
		if panel.Total != nil {
			series["total"] = dumpSeries(panel.Total, nil)
		}
		for _, id := range panel.Rows.IDs() {
			b, ok := panel.Rows.Lookup(id)
			if !ok {
				continue
			}
			var display *MetricRange
			if r, ok := panel.Rows.DisplayRange(id); ok {
				display = &r
			}
			series[id] = dumpSeries(b, display)
		}
		dump.Series[g] = series
	}

	out, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("dump state: %w", err)
	}
	p.logger.Debug("processor: state dump", "sequence", state.Sequence, "bytes", len(out))
	return out, nil
}

func dumpSeries(b *SampleBuffer, display *MetricRange) SeriesDump {
	d := SeriesDump{Samples: b.Len(), Display: display}
	if r, ok := b.CurrentBounds(); ok {
		d.Bounds = &r
	}
	return d
}

// sortedFamilies returns the families of ranges in a stable order.
func sortedFamilies(ranges map[Family]MetricRange) []Family {
	out := make([]Family, 0, len(ranges))
	for f := range ranges {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
