package ecsviewer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNextSystemToExecute(t *testing.T) {
	tests := []struct {
		last      string
		want      string
		wantFound bool
	}{
		{"S0", "S1", true},
		{"S1", "S2", true},
		{"S2", "S0", true},
		{"missing", "S0", false},
		{"", "S0", false},
	}
	for _, tt := range tests {
		t.Run(tt.last, func(t *testing.T) {
			snap := fixtureSnapshot(t)
			snap.LastExecutedSystem = tt.last
			got, found := NextSystemToExecute(snap)
			if got != tt.want || found != tt.wantFound {
				t.Fatalf("expected (%q, %v), got (%q, %v)", tt.want, tt.wantFound, got, found)
			}
		})
	}

	if name, found := NextSystemToExecute(nil); name != "" || found {
		t.Fatalf("nil snapshot should give no system, got %q", name)
	}
}

func TestProcessorDeliver(t *testing.T) {
	p := newTestProcessor(t)
	if p.CurrentState() != nil || p.CurrentSnapshot() != nil {
		t.Fatal("processor should start without state")
	}

	if err := p.Deliver(context.Background(), []byte(fixtureJSON)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	state := p.CurrentState()
	if state == nil || state.Sequence != 1 {
		t.Fatalf("expected state with sequence 1, got %+v", state)
	}
	if state.NextSystemToExecute != "S2" || state.NextSystemFallback {
		t.Fatalf("expected next S2, got %q (fallback %v)", state.NextSystemToExecute, state.NextSystemFallback)
	}

	want := map[Family]MetricRange{
		FamilyComponents: {Min: 4, Max: 10},
		FamilySystems:    {Min: 0.25, Max: 1.5},
		FamilyQueries:    {Min: 4, Max: 6},
		FamilyEntities:   {Min: 10, Max: 10},
		FamilyPools:      {Min: 8, Max: 12},
	}
	for f, r := range want {
		if got := state.Ranges[f]; got != r {
			t.Errorf("range %s: expected %+v, got %+v", f, r, got)
		}
	}

	if q := queryKeys(state.Relations.RelatedQueries("S1")); !equalStrings(q, []string{"keyA", "keyB"}) {
		t.Fatalf("relations not built, got %v", q)
	}

	systems, _ := p.Panel(GroupSystems)
	if last, ok := systems.Total.Last(); !ok || last.Value != 2.25 {
		t.Fatalf("expected total execute time 2.25, got %+v", last)
	}
	queries, _ := p.Panel(GroupQueries)
	if queries.Total != nil {
		t.Fatal("queries panel has no aggregate series")
	}
	if queries.Rows.Len() != 2 {
		t.Fatalf("expected 2 query series, got %d", queries.Rows.Len())
	}
}

func TestProcessorRangesOnlyWiden(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	first := fixtureSnapshot(t)
	if err := p.Process(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := fixtureSnapshot(t)
	second.NumEntities = 3
	second.Systems[1].ExecuteTime = 9
	if err := p.Process(ctx, second); err != nil {
		t.Fatal(err)
	}

	r := p.Ranges()
	if r[FamilyEntities] != (MetricRange{Min: 3, Max: 10}) {
		t.Fatalf("entities range should widen, got %+v", r[FamilyEntities])
	}
	if r[FamilySystems] != (MetricRange{Min: 0.25, Max: 9}) {
		t.Fatalf("systems range should widen, got %+v", r[FamilySystems])
	}
	if p.CurrentState().Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", p.CurrentState().Sequence)
	}
}

func TestProcessorDropsMalformed(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	p := newTestProcessor(t, WithMetrics(m))
	ctx := context.Background()

	var diags []Diagnostic
	p.OnDiagnostic(func(d Diagnostic) { diags = append(diags, d) })

	if err := p.Deliver(ctx, []byte(fixtureJSON)); err != nil {
		t.Fatal(err)
	}
	before := p.CurrentState()

	err := p.Deliver(ctx, []byte(`{"numEntities": 1}`))
	if !IsMalformed(err) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if p.CurrentState() != before {
		t.Fatal("malformed snapshot must leave the state unchanged")
	}
	if len(diags) != 1 || diags[0].Kind != DiagMalformedSnapshot || diags[0].Err == nil {
		t.Fatalf("expected one malformed diagnostic, got %+v", diags)
	}

	bad := fixtureSnapshot(t)
	bad.Systems = nil
	if err := p.Process(ctx, bad); !IsMalformed(err) {
		t.Fatalf("expected malformed error for typed snapshot, got %v", err)
	}

	if got := testutil.ToFloat64(m.snapshotsDropped); got != 2 {
		t.Fatalf("expected 2 dropped snapshots, got %v", got)
	}
	if got := testutil.ToFloat64(m.snapshotsProcessed); got != 1 {
		t.Fatalf("expected 1 processed snapshot, got %v", got)
	}
}

func TestProcessorNextSystemFallback(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	p := newTestProcessor(t, WithMetrics(m))

	var diags []Diagnostic
	p.OnDiagnostic(func(d Diagnostic) { diags = append(diags, d) })

	snap := fixtureSnapshot(t)
	snap.LastExecutedSystem = "Renamed"
	if err := p.Process(context.Background(), snap); err != nil {
		t.Fatal(err)
	}

	state := p.CurrentState()
	if state.NextSystemToExecute != "S0" || !state.NextSystemFallback {
		t.Fatalf("expected fallback to S0, got %q (fallback %v)", state.NextSystemToExecute, state.NextSystemFallback)
	}
	if len(diags) != 1 || diags[0].Kind != DiagNextSystemFallback {
		t.Fatalf("expected a fallback diagnostic, got %+v", diags)
	}
	if got := testutil.ToFloat64(m.nextFallbacks); got != 1 {
		t.Fatalf("expected 1 fallback, got %v", got)
	}
}

func TestProcessorUnresolvedRelations(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	p := newTestProcessor(t, WithMetrics(m))

	var diags []Diagnostic
	p.OnDiagnostic(func(d Diagnostic) { diags = append(diags, d) })

	snap := fixtureSnapshot(t)
	snap.Systems = append(snap.Systems, SystemRecord{
		Name:    "S3",
		Queries: map[string]QueryRef{"ghosts": {Key: "keyZ"}},
	})
	if err := p.Process(context.Background(), snap); err != nil {
		t.Fatalf("unresolved references should not reject the snapshot: %v", err)
	}

	if len(diags) != 1 || diags[0].Kind != DiagUnresolvedRelation {
		t.Fatalf("expected one unresolved diagnostic, got %+v", diags)
	}
	if got := testutil.ToFloat64(m.unresolved); got != 1 {
		t.Fatalf("expected 1 unresolved relation, got %v", got)
	}
	if rel := p.CurrentState().Relations.RelatedQueries("S3"); len(rel) != 0 {
		t.Fatalf("unresolved reference should relate to nothing, got %v", rel)
	}
}

func TestProcessorSubscribe(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	var seen []uint64
	unsub := p.Subscribe(func(s *ConsolidatedState) { seen = append(seen, s.Sequence) })

	for i := 0; i < 2; i++ {
		if err := p.Process(ctx, fixtureSnapshot(t)); err != nil {
			t.Fatal(err)
		}
	}
	_ = p.Deliver(ctx, []byte(`not json`))
	unsub()
	if err := p.Process(ctx, fixtureSnapshot(t)); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected one notification per accepted snapshot, got %v", seen)
	}
}

func TestProcessorRetainsLiveSeries(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	if err := p.Process(ctx, fixtureSnapshot(t)); err != nil {
		t.Fatal(err)
	}
	components, _ := p.Panel(GroupComponents)
	if _, ok := components.Rows.Lookup(ComponentSeries("Shape")); !ok {
		t.Fatal("expected a Shape series")
	}

	snap := fixtureSnapshot(t)
	delete(snap.Components, "Shape")
	snap.Queries = snap.Queries[:1]
	snap.Systems[1].Queries = map[string]QueryRef{"movers": {Key: "keyA"}}
	if err := p.Process(ctx, snap); err != nil {
		t.Fatal(err)
	}

	if _, ok := components.Rows.Lookup(ComponentSeries("Shape")); ok {
		t.Fatal("series of a removed component should be dropped")
	}
	b, ok := components.Rows.Lookup(ComponentSeries("Position"))
	if !ok || b.Len() != 2 {
		t.Fatal("surviving series should keep its history")
	}
	queries, _ := p.Panel(GroupQueries)
	if _, ok := queries.Rows.Lookup(QuerySeries("keyB")); ok {
		t.Fatal("series of a removed query should be dropped")
	}
}

func TestProcessorLinkMinMax(t *testing.T) {
	p := newTestProcessor(t, WithLinkMinMax(GroupSystems, true))
	if err := p.Process(context.Background(), fixtureSnapshot(t)); err != nil {
		t.Fatal(err)
	}

	systems, _ := p.Panel(GroupSystems)
	env, ok := systems.Rows.Envelope()
	if !ok || env != (MetricRange{Min: 0.25, Max: 1.5}) {
		t.Fatalf("expected envelope [0.25,1.5], got %+v", env)
	}
	if got, _ := systems.Rows.DisplayRange(SystemSeries("S2")); got != env {
		t.Fatalf("linked series should display the envelope, got %+v", got)
	}
	if r := p.Ranges()[FamilyFor(FamilySystems, "S1")]; r != (MetricRange{Min: 1.5, Max: 1.5}) {
		t.Fatalf("linked group should track per-row ranges, got %+v", r)
	}

	components, _ := p.Panel(GroupComponents)
	if _, ok := components.Rows.Envelope(); ok {
		t.Fatal("unlinked group should have no envelope")
	}

	p.SetLinkMinMax(GroupSystems, false)
	if p.LinkMinMax(GroupSystems) {
		t.Fatal("expected systems unlinked")
	}
	if got, _ := systems.Rows.DisplayRange(SystemSeries("S2")); got != (MetricRange{Min: 0.25, Max: 0.25}) {
		t.Fatalf("unlinked series should display its own bounds, got %+v", got)
	}
}

func TestProcessorPoolGraph(t *testing.T) {
	p := newTestProcessor(t, WithShowPoolGraph(true))
	ctx := context.Background()

	if err := p.Process(ctx, fixtureSnapshot(t)); err != nil {
		t.Fatal(err)
	}
	components, _ := p.Panel(GroupComponents)
	b, ok := components.Rows.Lookup(PoolSeries("Position"))
	if !ok {
		t.Fatal("expected a Position pool series")
	}
	if last, _ := b.Last(); last.Value != 12 {
		t.Fatalf("expected pool size 12, got %v", last.Value)
	}
	if _, ok := components.Rows.Lookup(PoolSeries("Velocity")); ok {
		t.Fatal("components without a pool should have no pool series")
	}

	p.SetShowPoolGraph(false)
	if err := p.Process(ctx, fixtureSnapshot(t)); err != nil {
		t.Fatal(err)
	}
	if _, ok := components.Rows.Lookup(PoolSeries("Position")); ok {
		t.Fatal("pool series should be dropped once disabled")
	}
}

func TestProcessorProcessCopiesSnapshot(t *testing.T) {
	p := newTestProcessor(t)
	snap := fixtureSnapshot(t)
	if err := p.Process(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	snap.Components["Position"] = 99
	snap.Systems[0].Name = "changed"

	got := p.CurrentSnapshot()
	if got.Components["Position"] != 10 || got.Systems[0].Name != "S0" {
		t.Fatal("processor should not observe caller mutations")
	}
}

func TestProcessorDumpState(t *testing.T) {
	p := newTestProcessor(t)
	if _, err := p.DumpState(); !errors.Is(err, errNoSnapshot) {
		t.Fatalf("expected errNoSnapshot, got %v", err)
	}

	if err := p.Process(context.Background(), fixtureSnapshot(t)); err != nil {
		t.Fatal(err)
	}
	out, err := p.DumpState()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}

	var dump StateDump
	if err := json.Unmarshal(out, &dump); err != nil {
		t.Fatalf("dump is not valid JSON: %v", err)
	}
	if dump.Sequence != 1 || dump.NextSystemToExecute != "S2" {
		t.Fatalf("unexpected dump header %+v", dump)
	}
	if dump.Snapshot == nil || dump.Snapshot.NumEntities != 10 {
		t.Fatal("dump should carry the snapshot")
	}
	if _, ok := dump.Series[GroupSystems]["total"]; !ok {
		t.Fatal("dump should include the systems aggregate series")
	}
	if _, ok := dump.Series[GroupQueries]["total"]; ok {
		t.Fatal("queries panel has no aggregate series")
	}
	s0 := dump.Series[GroupSystems][SystemSeries("S0")]
	if s0.Samples != 1 || s0.Bounds == nil || *s0.Bounds != (MetricRange{Min: 0.5, Max: 0.5}) {
		t.Fatalf("unexpected S0 series dump %+v", s0)
	}

	again, _ := p.DumpState()
	if string(again) != string(out) {
		t.Fatal("dumping should not change state")
	}
}

func TestProcessorEmit(t *testing.T) {
	p := newTestProcessor(t)
	var got Diagnostic
	p.OnDiagnostic(func(d Diagnostic) { got = d })
	p.Emit(Diagnostic{Kind: DiagInvalidOption, Message: "window clamped"})
	if got.Kind != DiagInvalidOption || got.At.IsZero() {
		t.Fatalf("unexpected diagnostic %+v", got)
	}
}

func TestProcessorDefaultResetInterval(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	p := NewProcessor(
		WithLogger(discardLogger()),
		WithMetrics(m),
		WithClock(newFakeClock(time.Second).Now),
	)
	for i := 0; i < 3; i++ {
		if err := p.Deliver(context.Background(), []byte(fixtureJSON)); err != nil {
			t.Fatal(err)
		}
	}

	entities, _ := p.Panel(GroupEntities)
	if got := entities.Total.opts.ResetBoundsInterval; got != DefaultResetBoundsInterval {
		t.Fatalf("expected the default reset interval, got %v", got)
	}
	if entities.Total.Resets() != 0 {
		t.Fatalf("expected no bounds reset within 3s, got %d", entities.Total.Resets())
	}
	if got := testutil.ToFloat64(m.boundsResets); got != 0 {
		t.Fatalf("expected no bounds resets recorded, got %v", got)
	}
}
