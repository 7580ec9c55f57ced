package ecsviewer

// StateProvider provides the current ViewState for visualization.
type StateProvider interface {
	// GetViewState returns the current visualization state.
	GetViewState() (*ViewState, error)
}

// StaticStateProvider wraps a fixed ViewState.
type StaticStateProvider struct {
	state *ViewState
}

// NewStaticStateProvider creates a StateProvider from a fixed ViewState.
func NewStaticStateProvider(state *ViewState) *StaticStateProvider {
	return &StaticStateProvider{state: state}
}

// GetViewState implements StateProvider.
func (p *StaticStateProvider) GetViewState() (*ViewState, error) {
	return p.state, nil
}

// DashboardProvider builds the ViewState from a live Processor and
// Propagator.
type DashboardProvider struct {
	processor  *Processor
	propagator *Propagator
}

// NewDashboardProvider creates a StateProvider over proc and prop. prop may
// be nil when no highlighting is wired.
func NewDashboardProvider(proc *Processor, prop *Propagator) *DashboardProvider {
	return &DashboardProvider{processor: proc, propagator: prop}
}

// GetViewState implements StateProvider. It fails until the processor has
// accepted a snapshot.
func (p *DashboardProvider) GetViewState() (*ViewState, error) {
	state := p.processor.CurrentState()
	if state == nil {
		return nil, errNoSnapshot
	}

	var current, previous HighlightState
	enabled := false
	graphs := make(map[PanelGroup]bool, len(PanelGroups))
	showGraphs := false
	if p.propagator != nil {
		current, previous = p.propagator.State()
		enabled = p.propagator.Enabled()
		graphs = p.propagator.graphSnapshot()
		showGraphs = allVisible(graphs)
	}

	v := BuildViewState(state, p.processor.Panel, current, previous)
	v.HighlightEnabled = enabled
	v.Graphs = graphs
	v.ShowGraphs = showGraphs
	return v, nil
}
