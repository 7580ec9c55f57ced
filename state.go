package ecsviewer

import (
	"sort"
	"time"
)

// ViewState is the complete, read-only model handed to view targets: the
// consolidated snapshot state, the current highlight and the display ranges
// of every chart.
type ViewState struct {
	Sequence           uint64
	ReceivedAt         time.Time
	NumEntities        int
	NextSystem         string
	NextSystemFallback bool

	Components []ComponentView
	Queries    []QueryView
	Systems    []SystemView
	Panels     map[PanelGroup]PanelView

	Highlight         HighlightState
	PreviousHighlight HighlightState
	HighlightEnabled  bool
	Graphs            map[PanelGroup]bool
	ShowGraphs        bool

	Ranges  map[Family]MetricRange
	Summary SummaryView
}

// ComponentView is one row of the components panel.
type ComponentView struct {
	Name      string
	Instances int
	Pool      *PoolStats
	Queries   []string // keys of queries that include or exclude it
	// Highlighted is set when a hovered query references the component.
	Highlighted    bool
	WasHighlighted bool
	Series         []Sample
	PoolSeries     []Sample
	DisplayRange   *MetricRange
}

// QueryView is one row of the queries panel.
type QueryView struct {
	Key         string
	NumEntities int
	Included    []string
	Not         []string
	Systems     []string
	// Highlighted is set when the query is hovered, belongs to a hovered
	// system, or references a hovered component.
	Highlighted    bool
	WasHighlighted bool
	Series         []Sample
	DisplayRange   *MetricRange
}

// SystemView is one row of the systems panel.
type SystemView struct {
	Name        string
	ExecuteTime float64
	Enabled     bool
	Paused      bool
	Next        bool
	Queries     []string
	Unresolved  []string
	// Highlighted is set when the system uses a highlighted query.
	Highlighted  bool
	Series       []Sample
	DisplayRange *MetricRange
}

// PanelView carries the panel-level aggregate series and link state.
type PanelView struct {
	Total      []Sample
	TotalRange *MetricRange
	Linked     bool
	Envelope   *MetricRange
}

// SummaryView contains aggregate counts.
type SummaryView struct {
	TotalEntities    int
	TotalComponents  int
	TotalInstances   int
	TotalQueries     int
	TotalSystems     int
	TotalExecuteTime float64
}

// AllRows returns the number of rows across the three list panels.
func (v *ViewState) AllRows() int {
	return len(v.Components) + len(v.Queries) + len(v.Systems)
}

// BuildViewState derives the view model from a consolidated state, the
// processor's rolling series and the current highlight. panels may be nil,
// in which case series and display ranges are left empty.
func BuildViewState(state *ConsolidatedState, panels func(PanelGroup) (*Panel, bool), current, previous HighlightState) *ViewState {
	snap := state.Snapshot
	rel := state.Relations
	if rel == nil {
		rel = NewRelationIndex(snap)
	}

	v := &ViewState{
		Sequence:           state.Sequence,
		ReceivedAt:         state.ReceivedAt,
		NumEntities:        snap.NumEntities,
		NextSystem:         state.NextSystemToExecute,
		NextSystemFallback: state.NextSystemFallback,
		Panels:             make(map[PanelGroup]PanelView, len(PanelGroups)),
		Highlight:          current,
		PreviousHighlight:  previous,
		Ranges:             state.Ranges,
		Summary: SummaryView{
			TotalEntities:    snap.NumEntities,
			TotalComponents:  len(snap.Components),
			TotalInstances:   snap.TotalInstances(),
			TotalQueries:     len(snap.Queries),
			TotalSystems:     len(snap.Systems),
			TotalExecuteTime: snap.TotalExecuteTime(),
		},
	}

	lookup := func(g PanelGroup) *Panel {
		if panels == nil {
			return nil
		}
		p, ok := panels(g)
		if !ok {
			return nil
		}
		return p
	}

	for _, g := range PanelGroups {
		panel := lookup(g)
		if panel == nil {
			continue
		}
		pv := PanelView{Linked: panel.Rows.Linked()}
		if panel.Total != nil {
			pv.Total = panel.Total.Samples()
			pv.TotalRange = boundsPtr(panel.Total.CurrentBounds())
		}
		pv.Envelope = boundsPtr(panel.Rows.Envelope())
		v.Panels[g] = pv
	}

	compPanel := lookup(GroupComponents)
	names := make([]string, 0, len(snap.Components))
	for name := range snap.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cv := ComponentView{
			Name:           name,
			Instances:      snap.Components[name],
			Highlighted:    anyReferences(current.OverQueries, name),
			WasHighlighted: anyReferences(previous.OverQueries, name),
		}
		if pool, ok := snap.ComponentsPools[name]; ok {
			pool := pool
			cv.Pool = &pool
		}
		for _, q := range rel.QueriesUsingComponent(name) {
			cv.Queries = append(cv.Queries, q.Key)
		}
		if compPanel != nil {
			cv.Series, cv.DisplayRange = seriesOf(compPanel.Rows, ComponentSeries(name))
			cv.PoolSeries, _ = seriesOf(compPanel.Rows, PoolSeries(name))
		}
		v.Components = append(v.Components, cv)
	}

	queryPanel := lookup(GroupQueries)
	highlightedQueries := make(map[string]bool, len(snap.Queries))
	for _, q := range snap.Queries {
		rc := RelatedComponents(q)
		qv := QueryView{
			Key:            q.Key,
			NumEntities:    q.NumEntities,
			Included:       rc.Included,
			Not:            rc.Not,
			Systems:        rel.SystemsUsingQuery(q.Key),
			Highlighted:    queryHighlighted(q, current),
			WasHighlighted: queryHighlighted(q, previous),
		}
		highlightedQueries[q.Key] = qv.Highlighted
		if queryPanel != nil {
			qv.Series, qv.DisplayRange = seriesOf(queryPanel.Rows, QuerySeries(q.Key))
		}
		v.Queries = append(v.Queries, qv)
	}

	sysPanel := lookup(GroupSystems)
	for _, sys := range snap.Systems {
		sv := SystemView{
			Name:        sys.Name,
			ExecuteTime: sys.ExecuteTime,
			Enabled:     sys.IsEnabled(),
			Paused:      sys.IsPaused(),
			Next:        sys.Name == state.NextSystemToExecute,
		}
		for _, local := range sortedRefNames(sys.Queries) {
			key := sys.Queries[local].Key
			if _, ok := rel.Query(key); !ok {
				sv.Unresolved = append(sv.Unresolved, key)
				continue
			}
			if !containsString(sv.Queries, key) {
				sv.Queries = append(sv.Queries, key)
			}
			if highlightedQueries[key] {
				sv.Highlighted = true
			}
		}
		if sysPanel != nil {
			sv.Series, sv.DisplayRange = seriesOf(sysPanel.Rows, SystemSeries(sys.Name))
		}
		v.Systems = append(v.Systems, sv)
	}
	return v
}

func queryHighlighted(q QueryRecord, h HighlightState) bool {
	if h.HasQuery(q.Key) {
		return true
	}
	for _, name := range h.OverComponents {
		if q.References(name) {
			return true
		}
	}
	return false
}

func anyReferences(queries []QueryRecord, component string) bool {
	for _, q := range queries {
		if q.References(component) {
			return true
		}
	}
	return false
}

func seriesOf(rows *SeriesRegistry, id SeriesID) ([]Sample, *MetricRange) {
	b, ok := rows.Lookup(id)
	if !ok {
		return nil, nil
	}
	return b.Samples(), boundsPtr(rows.DisplayRange(id))
}

func boundsPtr(r MetricRange, ok bool) *MetricRange {
	if !ok {
		return nil
	}
	return &r
}
