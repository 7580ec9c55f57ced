package ecsviewer

import (
	"encoding/json"
)

// DashboardJSON is the JSON representation of ViewState for the web frontend.
type DashboardJSON struct {
	Sequence           uint64                   `json:"sequence"`
	ReceivedAt         int64                    `json:"received_at"`
	NumEntities        int                      `json:"num_entities"`
	NextSystem         string                   `json:"next_system"`
	NextSystemFallback bool                     `json:"next_system_fallback,omitempty"`
	Components         []ComponentJSON          `json:"components"`
	Queries            []QueryJSON              `json:"queries"`
	Systems            []SystemJSON             `json:"systems"`
	Panels             map[PanelGroup]PanelJSON `json:"panels"`
	Highlight          HighlightJSON            `json:"highlight"`
	Graphs             map[PanelGroup]bool      `json:"graphs"`
	ShowGraphs         bool                     `json:"show_graphs"`
	Ranges             map[Family]RangeJSON     `json:"ranges"`
	Summary            SummaryJSON              `json:"summary"`
}

// RangeJSON is a finite [min, max] range.
type RangeJSON struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ComponentJSON is the JSON representation of a component row.
type ComponentJSON struct {
	Name           string       `json:"name"`
	Instances      int          `json:"instances"`
	Pool           *PoolStats   `json:"pool,omitempty"`
	Queries        []string     `json:"queries,omitempty"`
	Highlighted    bool         `json:"highlighted"`
	WasHighlighted bool         `json:"was_highlighted"`
	Series         [][2]float64 `json:"series,omitempty"`
	PoolSeries     [][2]float64 `json:"pool_series,omitempty"`
	Range          *RangeJSON   `json:"range,omitempty"`
}

// QueryJSON is the JSON representation of a query row.
type QueryJSON struct {
	Key            string       `json:"key"`
	NumEntities    int          `json:"num_entities"`
	Included       []string     `json:"included"`
	Not            []string     `json:"not"`
	Systems        []string     `json:"systems,omitempty"`
	Highlighted    bool         `json:"highlighted"`
	WasHighlighted bool         `json:"was_highlighted"`
	Series         [][2]float64 `json:"series,omitempty"`
	Range          *RangeJSON   `json:"range,omitempty"`
}

// SystemJSON is the JSON representation of a system row.
type SystemJSON struct {
	Name        string       `json:"name"`
	ExecuteTime float64      `json:"execute_time"`
	Enabled     bool         `json:"enabled"`
	Paused      bool         `json:"paused,omitempty"`
	Next        bool         `json:"next"`
	Queries     []string     `json:"queries"`
	Unresolved  []string     `json:"unresolved,omitempty"`
	Highlighted bool         `json:"highlighted"`
	Series      [][2]float64 `json:"series,omitempty"`
	Range       *RangeJSON   `json:"range,omitempty"`
}

// PanelJSON is the JSON representation of a panel's aggregate series.
type PanelJSON struct {
	Total      [][2]float64 `json:"total,omitempty"`
	TotalRange *RangeJSON   `json:"total_range,omitempty"`
	Linked     bool         `json:"linked"`
	Envelope   *RangeJSON   `json:"envelope,omitempty"`
}

// HighlightJSON carries the current and previous highlight so the frontend
// can animate out of one and into the other.
type HighlightJSON struct {
	Enabled            bool     `json:"enabled"`
	OverComponents     []string `json:"over_components"`
	OverQueries        []string `json:"over_queries"`
	OverSystem         bool     `json:"over_system"`
	PrevOverComponents []string `json:"prev_over_components"`
	PrevOverQueries    []string `json:"prev_over_queries"`
}

// SummaryJSON is the JSON representation of the dashboard summary.
type SummaryJSON struct {
	EntityCount      int     `json:"entity_count"`
	ComponentCount   int     `json:"component_count"`
	InstanceCount    int     `json:"instance_count"`
	QueryCount       int     `json:"query_count"`
	SystemCount      int     `json:"system_count"`
	TotalExecuteTime float64 `json:"total_execute_time"`
}

// ViewStateToJSON converts a ViewState to DashboardJSON for the web frontend.
func ViewStateToJSON(state *ViewState) DashboardJSON {
	if state == nil {
		return DashboardJSON{}
	}

	out := DashboardJSON{
		Sequence:           state.Sequence,
		ReceivedAt:         state.ReceivedAt.UnixMilli(),
		NumEntities:        state.NumEntities,
		NextSystem:         state.NextSystem,
		NextSystemFallback: state.NextSystemFallback,
		Components:         make([]ComponentJSON, len(state.Components)),
		Queries:            make([]QueryJSON, len(state.Queries)),
		Systems:            make([]SystemJSON, len(state.Systems)),
		Panels:             make(map[PanelGroup]PanelJSON, len(state.Panels)),
		Highlight: HighlightJSON{
			Enabled:            state.HighlightEnabled,
			OverComponents:     nonNil(state.Highlight.OverComponents),
			OverQueries:        queryKeys(state.Highlight.OverQueries),
			OverSystem:         state.Highlight.OverSystem,
			PrevOverComponents: nonNil(state.PreviousHighlight.OverComponents),
			PrevOverQueries:    queryKeys(state.PreviousHighlight.OverQueries),
		},
		Graphs:     state.Graphs,
		ShowGraphs: state.ShowGraphs,
		Ranges:     make(map[Family]RangeJSON, len(state.Ranges)),
		Summary: SummaryJSON{
			EntityCount:      state.Summary.TotalEntities,
			ComponentCount:   state.Summary.TotalComponents,
			InstanceCount:    state.Summary.TotalInstances,
			QueryCount:       state.Summary.TotalQueries,
			SystemCount:      state.Summary.TotalSystems,
			TotalExecuteTime: state.Summary.TotalExecuteTime,
		},
	}

	for _, f := range sortedFamilies(state.Ranges) {
		if r := rangeToJSON(state.Ranges[f]); r != nil {
			out.Ranges[f] = *r
		}
	}

	for i, c := range state.Components {
		out.Components[i] = ComponentJSON{
			Name:           c.Name,
			Instances:      c.Instances,
			Pool:           c.Pool,
			Queries:        c.Queries,
			Highlighted:    c.Highlighted,
			WasHighlighted: c.WasHighlighted,
			Series:         samplesToJSON(c.Series),
			PoolSeries:     samplesToJSON(c.PoolSeries),
			Range:          rangePtrToJSON(c.DisplayRange),
		}
	}

	for i, q := range state.Queries {
		out.Queries[i] = QueryJSON{
			Key:            q.Key,
			NumEntities:    q.NumEntities,
			Included:       nonNil(q.Included),
			Not:            nonNil(q.Not),
			Systems:        q.Systems,
			Highlighted:    q.Highlighted,
			WasHighlighted: q.WasHighlighted,
			Series:         samplesToJSON(q.Series),
			Range:          rangePtrToJSON(q.DisplayRange),
		}
	}

	for i, s := range state.Systems {
		out.Systems[i] = SystemJSON{
			Name:        s.Name,
			ExecuteTime: s.ExecuteTime,
			Enabled:     s.Enabled,
			Paused:      s.Paused,
			Next:        s.Next,
			Queries:     nonNil(s.Queries),
			Unresolved:  s.Unresolved,
			Highlighted: s.Highlighted,
			Series:      samplesToJSON(s.Series),
			Range:       rangePtrToJSON(s.DisplayRange),
		}
	}

	for g, p := range state.Panels {
		out.Panels[g] = PanelJSON{
			Total:      samplesToJSON(p.Total),
			TotalRange: rangePtrToJSON(p.TotalRange),
			Linked:     p.Linked,
			Envelope:   rangePtrToJSON(p.Envelope),
		}
	}
	return out
}

// samplesToJSON flattens samples to [timestamp, value] pairs, the shape
// streaming chart libraries consume directly.
func samplesToJSON(samples []Sample) [][2]float64 {
	if len(samples) == 0 {
		return nil
	}
	out := make([][2]float64, len(samples))
	for i, s := range samples {
		out[i] = [2]float64{float64(s.Timestamp), s.Value}
	}
	return out
}

func rangeToJSON(r MetricRange) *RangeJSON {
	if r.IsEmpty() {
		return nil
	}
	return &RangeJSON{Min: r.Min, Max: r.Max}
}

func rangePtrToJSON(r *MetricRange) *RangeJSON {
	if r == nil {
		return nil
	}
	return rangeToJSON(*r)
}

func queryKeys(queries []QueryRecord) []string {
	out := make([]string, len(queries))
	for i, q := range queries {
		out[i] = q.Key
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ViewStateToJSONBytes converts a ViewState to JSON bytes.
func ViewStateToJSONBytes(state *ViewState) ([]byte, error) {
	return json.Marshal(ViewStateToJSON(state))
}
