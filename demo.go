package ecsviewer

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
)

// DemoWorld produces a plausible stream of snapshots from a small simulated
// game world. It backs the example programs and tests that need realistic
// input without a browser relay.
type DemoWorld struct {
	mu       sync.Mutex
	rng      *rand.Rand
	counts   map[string]int
	pools    map[string]PoolStats
	systems  []demoSystem
	last     int
	paused   map[string]bool
	entities int
}

type demoSystem struct {
	name    string
	cost    float64
	queries map[string][]string // local name -> included components
	not     map[string][]string
}

var demoComponents = []string{"Position", "Velocity", "Sprite", "Health", "Enemy", "Player", "Collider"}

// NewDemoWorld creates a deterministic world for seed.
func NewDemoWorld(seed uint64) *DemoWorld {
	w := &DemoWorld{
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		counts: make(map[string]int, len(demoComponents)),
		pools:  make(map[string]PoolStats, len(demoComponents)),
		paused: make(map[string]bool),
		last:   -1,
	}
	w.systems = []demoSystem{
		{name: "InputSystem", cost: 0.05, queries: map[string][]string{"player": {"Player", "Velocity"}}},
		{name: "MovementSystem", cost: 0.4, queries: map[string][]string{"moving": {"Position", "Velocity"}}},
		{
			name: "AISystem", cost: 0.9,
			queries: map[string][]string{"enemies": {"Enemy", "Position"}, "targets": {"Player", "Position"}},
		},
		{
			name: "CollisionSystem", cost: 1.2,
			queries: map[string][]string{"colliders": {"Collider", "Position"}},
			not:     map[string][]string{"colliders": {"Player"}},
		},
		{name: "RenderSystem", cost: 2.5, queries: map[string][]string{"sprites": {"Sprite", "Position"}}},
	}
	w.entities = 200
	for i, name := range demoComponents {
		w.counts[name] = 40 + 20*i
	}
	w.counts["Player"] = 1
	return w
}

// Pause marks a system as paused in subsequent snapshots.
func (w *DemoWorld) Pause(system string, paused bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused[system] = paused
}

// Step advances the world by one frame and returns its snapshot.
func (w *DemoWorld) Step() *Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entities = max(1, w.entities+w.rng.IntN(21)-10)
	for _, name := range demoComponents {
		if name == "Player" {
			continue
		}
		n := max(0, w.counts[name]+w.rng.IntN(9)-4)
		w.counts[name] = min(n, w.entities)
		size := max(w.pools[name].Size, w.counts[name])
		if size%32 != 0 {
			size += 32 - size%32
		}
		w.pools[name] = PoolStats{Used: w.counts[name], Free: size - w.counts[name], Size: size}
	}
	w.last = (w.last + 1) % len(w.systems)

	snap := &Snapshot{
		NumEntities:        w.entities,
		Components:         make(map[string]int, len(w.counts)),
		ComponentsPools:    make(map[string]PoolStats, len(w.pools)),
		LastExecutedSystem: w.systems[w.last].name,
	}
	for k, v := range w.counts {
		snap.Components[k] = v
	}
	for k, v := range w.pools {
		snap.ComponentsPools[k] = v
	}

	seen := make(map[string]bool)
	for _, s := range w.systems {
		rec := SystemRecord{
			Name:        s.name,
			ExecuteTime: s.cost * (0.75 + w.rng.Float64()/2),
			Queries:     make(map[string]QueryRef, len(s.queries)),
		}
		if w.paused[s.name] {
			paused := true
			rec.Paused = &paused
			rec.ExecuteTime = 0
		}
		for local, included := range s.queries {
			key := demoQueryKey(included, s.not[local])
			rec.Queries[local] = QueryRef{Key: key}
			if seen[key] {
				continue
			}
			seen[key] = true
			snap.Queries = append(snap.Queries, QueryRecord{
				Key:         key,
				NumEntities: w.matches(included, s.not[local]),
				Components: QueryComponents{
					Included: append([]string(nil), included...),
					Not:      append([]string{}, s.not[local]...),
				},
			})
		}
		snap.Systems = append(snap.Systems, rec)
	}
	sort.Slice(snap.Queries, func(i, j int) bool { return snap.Queries[i].Key < snap.Queries[j].Key })
	return snap
}

// matches approximates a query's entity count by its rarest component.
func (w *DemoWorld) matches(included, not []string) int {
	n := w.entities
	for _, c := range included {
		n = min(n, w.counts[c])
	}
	for _, c := range not {
		n = max(0, n-w.counts[c])
	}
	return n
}

func demoQueryKey(included, not []string) string {
	key := strings.Join(included, ",")
	if len(not) > 0 {
		key += ",!" + strings.Join(not, ",!")
	}
	return key
}
