package ecsviewer

import (
	"testing"
	"time"
)

func TestSeriesRegistryBuffer(t *testing.T) {
	r := NewSeriesRegistry(BufferOptions{})
	a := r.Buffer(SystemSeries("S0"))
	if r.Buffer(SystemSeries("S0")) != a {
		t.Fatal("Buffer should return the same buffer for the same id")
	}
	if _, ok := r.Lookup(SystemSeries("S1")); ok {
		t.Fatal("Lookup should not create buffers")
	}
	r.Buffer(SystemSeries("S1"))
	r.Buffer(ComponentSeries("Position"))

	ids := r.IDs()
	want := []SeriesID{"component:Position", "system:S0", "system:S1"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}

	r.Retain(map[SeriesID]struct{}{SystemSeries("S1"): {}})
	if r.Len() != 1 {
		t.Fatalf("expected 1 series after retain, got %d", r.Len())
	}
	if _, ok := r.Lookup(SystemSeries("S1")); !ok {
		t.Fatal("retained series missing")
	}
}

func TestSeriesRegistryEnvelopeIsOrderIndependent(t *testing.T) {
	values := map[SeriesID][]float64{
		"a": {1, 5},
		"b": {-3, 2},
		"c": {4, 12},
	}
	orders := [][]SeriesID{
		{"a", "b", "c"}, {"a", "c", "b"}, {"b", "a", "c"},
		{"b", "c", "a"}, {"c", "a", "b"}, {"c", "b", "a"},
	}
	want := MetricRange{Min: -3, Max: 12}

	for _, order := range orders {
		r := NewSeriesRegistry(BufferOptions{ResetBoundsInterval: time.Hour})
		for _, id := range order {
			b := r.Buffer(id)
			for i, v := range values[id] {
				mustAppend(t, b, int64(i), v)
			}
		}
		r.SetLinked(true)
		env, ok := r.Envelope()
		if !ok || env != want {
			t.Fatalf("order %v: expected %+v, got %+v", order, want, env)
		}
		if again := r.Link(); again != env {
			t.Fatalf("order %v: relinking changed the envelope to %+v", order, again)
		}
	}
}

func TestSeriesRegistryDisplayRange(t *testing.T) {
	r := NewSeriesRegistry(BufferOptions{ResetBoundsInterval: time.Hour})
	mustAppend(t, r.Buffer("a"), 0, 1)
	mustAppend(t, r.Buffer("a"), 1, 2)
	mustAppend(t, r.Buffer("b"), 0, 10)
	r.Buffer("empty")

	if got, ok := r.DisplayRange("a"); !ok || got != (MetricRange{Min: 1, Max: 2}) {
		t.Fatalf("unlinked series should use its own bounds, got %+v", got)
	}
	if _, ok := r.DisplayRange("missing"); ok {
		t.Fatal("unknown series should have no display range")
	}
	if _, ok := r.DisplayRanges()["empty"]; ok {
		t.Fatal("empty unlinked series should have no display range")
	}

	r.SetLinked(true)
	linked := MetricRange{Min: 1, Max: 10}
	for id, got := range r.DisplayRanges() {
		if got != linked {
			t.Fatalf("linked series %s should use the envelope, got %+v", id, got)
		}
	}
	if len(r.DisplayRanges()) != 3 {
		t.Fatalf("every linked series should be displayed, got %v", r.DisplayRanges())
	}

	a, _ := r.Lookup("a")
	if own, _ := a.CurrentBounds(); own != (MetricRange{Min: 1, Max: 2}) {
		t.Fatalf("linking must not alter buffer bounds, got %+v", own)
	}

	r.SetLinked(false)
	if _, ok := r.Envelope(); ok {
		t.Fatal("unlinking should clear the envelope")
	}
	if got, _ := r.DisplayRange("b"); got != (MetricRange{Min: 10, Max: 10}) {
		t.Fatalf("unlinked series should fall back to its own bounds, got %+v", got)
	}
}

func TestSeriesRegistryLinkWhileUnlinked(t *testing.T) {
	r := NewSeriesRegistry(BufferOptions{})
	mustAppend(t, r.Buffer("a"), 0, 3)
	if env := r.Link(); !env.IsEmpty() {
		t.Fatalf("unlinked registry should return an empty envelope, got %+v", env)
	}
	if r.Linked() {
		t.Fatal("registry should start unlinked")
	}
}
