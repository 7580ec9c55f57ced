package ecsviewer

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fixtureJSON is a three-system world: S1 ran last, so S2 runs next. S1
// uses both queries, S0 only keyA and S2 none.
const fixtureJSON = `{
  "numEntities": 10,
  "components": {"Position": 10, "Velocity": 6, "Shape": 4},
  "componentsPools": {"Position": {"free": 2, "used": 10, "size": 12}, "Shape": 8},
  "systems": [
    {"name": "S0", "executeTime": 0.5, "queries": {"movers": {"key": "keyA"}}},
    {"name": "S1", "executeTime": 1.5, "queries": {"movers": "keyA", "shapes": {"key": "keyB"}}},
    {"name": "S2", "executeTime": 0.25, "queries": {}}
  ],
  "queries": [
    {"key": "keyA", "numEntities": 6, "components": {"included": ["Position", "Velocity"], "not": []}},
    {"key": "keyB", "numEntities": 4, "components": {"included": ["Shape"], "not": ["Velocity"]}}
  ],
  "lastExecutedSystem": "S1"
}`

func fixtureSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	snap, err := DecodeSnapshot([]byte(fixtureJSON))
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return snap
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock advances by step on every call so consecutive snapshots get
// distinct timestamps.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000), step: step}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func newTestProcessor(t *testing.T, opts ...ProcessorOption) *Processor {
	t.Helper()
	base := []ProcessorOption{
		WithLogger(discardLogger()),
		WithClock(newFakeClock(100 * time.Millisecond).Now),
	}
	return NewProcessor(append(base, opts...)...)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
