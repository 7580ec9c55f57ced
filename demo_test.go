package ecsviewer

import (
	"context"
	"reflect"
	"testing"
)

func TestDemoWorldSnapshotsAreValid(t *testing.T) {
	w := NewDemoWorld(1)
	p := newTestProcessor(t)

	var diags []Diagnostic
	p.OnDiagnostic(func(d Diagnostic) { diags = append(diags, d) })

	for i := 0; i < 20; i++ {
		snap := w.Step()
		if err := snap.Validate(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if err := p.Process(context.Background(), snap); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		for name, pool := range snap.ComponentsPools {
			if pool.Size%32 != 0 || pool.Used != snap.Components[name] || pool.Free != pool.Size-pool.Used {
				t.Fatalf("step %d: inconsistent pool %s %+v", i, name, pool)
			}
		}
	}
	if len(diags) != 0 {
		t.Fatalf("demo world should resolve fully, got %+v", diags)
	}
	if p.CurrentState().NextSystemFallback {
		t.Fatal("demo world should name a known last system")
	}
}

func TestDemoWorldIsDeterministic(t *testing.T) {
	a, b := NewDemoWorld(42), NewDemoWorld(42)
	for i := 0; i < 5; i++ {
		if sa, sb := a.Step(), b.Step(); !reflect.DeepEqual(sa, sb) {
			t.Fatalf("step %d differs for the same seed", i)
		}
	}
}

func TestDemoWorldCyclesSystems(t *testing.T) {
	w := NewDemoWorld(3)
	first := w.Step()
	if first.LastExecutedSystem != "InputSystem" {
		t.Fatalf("expected InputSystem first, got %q", first.LastExecutedSystem)
	}
	if next, found := NextSystemToExecute(first); !found || next != "MovementSystem" {
		t.Fatalf("expected MovementSystem next, got %q", next)
	}

	w.Pause("RenderSystem", true)
	snap := w.Step()
	render, _ := snap.System("RenderSystem")
	if !render.IsPaused() || render.ExecuteTime != 0 {
		t.Fatalf("paused system should report no work, got %+v", render)
	}
	collision, _ := snap.System("CollisionSystem")
	if collision.Queries["colliders"].Key != "Collider,Position,!Player" {
		t.Fatalf("unexpected collision query key %q", collision.Queries["colliders"].Key)
	}
	for i := 1; i < len(snap.Queries); i++ {
		if snap.Queries[i-1].Key >= snap.Queries[i].Key {
			t.Fatal("queries should be unique and sorted by key")
		}
	}
}
