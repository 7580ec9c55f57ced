// Package ecsviewer is the correlation and aggregation core of a live
// introspection dashboard for entity-component-system runtimes. It ingests
// runtime snapshots, keeps chart ranges and rolling series, propagates
// hover highlights between panels and fans the result out to view targets.
package ecsviewer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Snapshot is one point-in-time report of the observed runtime.
type Snapshot struct {
	NumEntities        int                  `json:"numEntities"`
	Components         map[string]int       `json:"components"`
	ComponentsPools    map[string]PoolStats `json:"componentsPools,omitempty"`
	Systems            []SystemRecord       `json:"systems"`
	Queries            []QueryRecord        `json:"queries"`
	LastExecutedSystem string               `json:"lastExecutedSystem,omitempty"`
}

// SystemRecord describes a system and the queries it consumes.
type SystemRecord struct {
	Name        string              `json:"name"`
	ExecuteTime float64             `json:"executeTime"`
	Queries     map[string]QueryRef `json:"queries"`
	Enabled     *bool               `json:"enabled,omitempty"`
	Paused      *bool               `json:"paused,omitempty"`
}

// IsEnabled treats an absent flag as enabled.
func (s SystemRecord) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// IsPaused treats an absent flag as running.
func (s SystemRecord) IsPaused() bool { return s.Paused != nil && *s.Paused }

// QueryRef points from a system's local query name to a QueryRecord key.
// On the wire it is either a bare string or an object with a "key" field.
type QueryRef struct {
	Key string
}

var errUnresolvableKey = errors.New("query reference is neither a string nor an object with a string key")

// UnmarshalJSON implements json.Unmarshaler.
func (r *QueryRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.Key)
	}
	var obj struct {
		Key *string `json:"key"`
	}
	if err := json.Unmarshal(data, &obj); err != nil || obj.Key == nil {
		return errUnresolvableKey
	}
	r.Key = *obj.Key
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r QueryRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key string `json:"key"`
	}{r.Key})
}

// QueryRecord is a registered query and its live match count.
type QueryRecord struct {
	Key         string          `json:"key"`
	NumEntities int             `json:"numEntities"`
	Components  QueryComponents `json:"components"`
}

// QueryComponents lists the component names a query requires or excludes.
type QueryComponents struct {
	Included []string `json:"included"`
	Not      []string `json:"not"`
}

// PoolStats is the object pool usage reported for a component type.
type PoolStats struct {
	Free int `json:"free"`
	Used int `json:"used"`
	Size int `json:"size"`
}

// UnmarshalJSON accepts either a pool object or a bare pool size. Counts
// must be non-negative integers in both forms.
func (p *PoolStats) UnmarshalJSON(data []byte) error {
	var w wirePool
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	stats, err := w.stats("pool")
	if err != nil {
		return err
	}
	*p = stats
	return nil
}

// wirePool holds pool counts as raw JSON numbers until they are checked.
type wirePool struct {
	Free float64 `json:"free"`
	Used float64 `json:"used"`
	Size float64 `json:"size"`
}

func (w *wirePool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '{' {
		*w = wirePool{}
		return json.Unmarshal(data, &w.Size)
	}
	type plain wirePool
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*w = wirePool(v)
	return nil
}

func (w wirePool) stats(field string) (PoolStats, error) {
	free, err := count(field+".free", w.Free)
	if err != nil {
		return PoolStats{}, err
	}
	used, err := count(field+".used", w.Used)
	if err != nil {
		return PoolStats{}, err
	}
	size, err := count(field+".size", w.Size)
	if err != nil {
		return PoolStats{}, err
	}
	return PoolStats{Free: free, Used: used, Size: size}, nil
}

// Wire shapes. Pointers distinguish absent required fields from zero values
// and counts arrive as JSON numbers that must be integral.
type wireSnapshot struct {
	NumEntities        *float64             `json:"numEntities"`
	Components         map[string]float64   `json:"components"`
	ComponentsPools    map[string]wirePool  `json:"componentsPools"`
	Systems            []wireSystem         `json:"systems"`
	Queries            []wireQuery          `json:"queries"`
	LastExecutedSystem *string              `json:"lastExecutedSystem"`
}

type wireSystem struct {
	Name        *string             `json:"name"`
	ExecuteTime *float64            `json:"executeTime"`
	Queries     map[string]QueryRef `json:"queries"`
	Enabled     *bool               `json:"enabled"`
	Paused      *bool               `json:"paused"`
}

type wireQuery struct {
	Key         *string          `json:"key"`
	NumEntities *float64         `json:"numEntities"`
	Components  *QueryComponents `json:"components"`
}

// DecodeSnapshot parses a raw snapshot payload and validates it. Every
// failure is reported as *ErrMalformedSnapshot.
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &ErrMalformedSnapshot{Field: "payload", Reason: "decode", Cause: err}
	}

	if w.NumEntities == nil {
		return nil, malformed("numEntities", "missing")
	}
	if w.Components == nil {
		return nil, malformed("components", "missing")
	}
	if w.Systems == nil {
		return nil, malformed("systems", "missing")
	}
	if w.Queries == nil {
		return nil, malformed("queries", "missing")
	}

	numEntities, err := count("numEntities", *w.NumEntities)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		NumEntities:     numEntities,
		Components:      make(map[string]int, len(w.Components)),
		Systems:         make([]SystemRecord, 0, len(w.Systems)),
		Queries:         make([]QueryRecord, 0, len(w.Queries)),
	}
	if w.LastExecutedSystem != nil {
		snap.LastExecutedSystem = *w.LastExecutedSystem
	}

	for name, v := range w.Components {
		n, err := count("components."+name, v)
		if err != nil {
			return nil, err
		}
		snap.Components[name] = n
	}

	if w.ComponentsPools != nil {
		snap.ComponentsPools = make(map[string]PoolStats, len(w.ComponentsPools))
		for name, wp := range w.ComponentsPools {
			stats, err := wp.stats("componentsPools." + name)
			if err != nil {
				return nil, err
			}
			snap.ComponentsPools[name] = stats
		}
	}

	for i, ws := range w.Systems {
		field := fmt.Sprintf("systems[%d]", i)
		if ws.Name == nil {
			return nil, malformed(field+".name", "missing")
		}
		if ws.ExecuteTime == nil {
			return nil, malformed(field+".executeTime", "missing")
		}
		snap.Systems = append(snap.Systems, SystemRecord{
			Name:        *ws.Name,
			ExecuteTime: *ws.ExecuteTime,
			Queries:     ws.Queries,
			Enabled:     ws.Enabled,
			Paused:      ws.Paused,
		})
	}

	for i, wq := range w.Queries {
		field := fmt.Sprintf("queries[%d]", i)
		if wq.Key == nil {
			return nil, malformed(field+".key", "missing")
		}
		if wq.NumEntities == nil {
			return nil, malformed(field+".numEntities", "missing")
		}
		n, err := count(field+".numEntities", *wq.NumEntities)
		if err != nil {
			return nil, err
		}
		q := QueryRecord{Key: *wq.Key, NumEntities: n}
		if wq.Components != nil {
			q.Components = *wq.Components
		}
		snap.Queries = append(snap.Queries, q)
	}

	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

func count(field string, v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, malformed(field, "not a finite number")
	}
	if v < 0 {
		return 0, malformed(field, "negative count")
	}
	if v != math.Trunc(v) {
		return 0, malformed(field, "not an integer")
	}
	if v >= math.MaxInt {
		return 0, malformed(field, "out of range")
	}
	return int(v), nil
}

// Validate checks the structural invariants of an already typed snapshot.
// Query keys that are well formed but absent from Queries are not errors;
// the relation index treats them as empty relations.
func (s *Snapshot) Validate() error {
	if s == nil {
		return malformed("snapshot", "nil")
	}
	if s.NumEntities < 0 {
		return malformed("numEntities", "negative count")
	}
	if s.Components == nil {
		return malformed("components", "missing")
	}
	for name, n := range s.Components {
		if n < 0 {
			return malformed("components."+name, "negative count")
		}
	}
	for name, pool := range s.ComponentsPools {
		if pool.Free < 0 || pool.Used < 0 || pool.Size < 0 {
			return malformed("componentsPools."+name, "negative count")
		}
	}
	if len(s.Systems) == 0 {
		return malformed("systems", "no entries")
	}

	systems := make(map[string]struct{}, len(s.Systems))
	for i, sys := range s.Systems {
		field := fmt.Sprintf("systems[%d]", i)
		if sys.Name == "" {
			return malformed(field+".name", "empty")
		}
		if _, dup := systems[sys.Name]; dup {
			return malformed(field+".name", fmt.Sprintf("duplicate system %q", sys.Name))
		}
		systems[sys.Name] = struct{}{}
		if math.IsNaN(sys.ExecuteTime) || math.IsInf(sys.ExecuteTime, 0) {
			return malformed(field+".executeTime", "not a finite number")
		}
		if sys.ExecuteTime < 0 {
			return malformed(field+".executeTime", "negative")
		}
		for local, ref := range sys.Queries {
			if ref.Key == "" {
				return malformed(field+".queries."+local, "empty query key")
			}
		}
	}

	keys := make(map[string]struct{}, len(s.Queries))
	for i, q := range s.Queries {
		field := fmt.Sprintf("queries[%d]", i)
		if q.Key == "" {
			return malformed(field+".key", "empty")
		}
		if _, dup := keys[q.Key]; dup {
			return malformed(field+".key", fmt.Sprintf("duplicate query %q", q.Key))
		}
		keys[q.Key] = struct{}{}
		if q.NumEntities < 0 {
			return malformed(field+".numEntities", "negative count")
		}
	}
	return nil
}

// Clone returns a deep copy so the processor can hold a snapshot no caller
// can mutate.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		NumEntities:        s.NumEntities,
		Components:         make(map[string]int, len(s.Components)),
		Systems:            make([]SystemRecord, len(s.Systems)),
		Queries:            make([]QueryRecord, len(s.Queries)),
		LastExecutedSystem: s.LastExecutedSystem,
	}
	for k, v := range s.Components {
		out.Components[k] = v
	}
	if s.ComponentsPools != nil {
		out.ComponentsPools = make(map[string]PoolStats, len(s.ComponentsPools))
		for k, v := range s.ComponentsPools {
			out.ComponentsPools[k] = v
		}
	}
	for i, sys := range s.Systems {
		c := sys
		if sys.Queries != nil {
			c.Queries = make(map[string]QueryRef, len(sys.Queries))
			for k, v := range sys.Queries {
				c.Queries[k] = v
			}
		}
		if sys.Enabled != nil {
			v := *sys.Enabled
			c.Enabled = &v
		}
		if sys.Paused != nil {
			v := *sys.Paused
			c.Paused = &v
		}
		out.Systems[i] = c
	}
	for i, q := range s.Queries {
		c := q
		c.Components.Included = append([]string(nil), q.Components.Included...)
		c.Components.Not = append([]string(nil), q.Components.Not...)
		out.Queries[i] = c
	}
	return out
}

// SystemIndex returns the position of the named system or -1.
func (s *Snapshot) SystemIndex(name string) int {
	for i, sys := range s.Systems {
		if sys.Name == name {
			return i
		}
	}
	return -1
}

// System returns the named system.
func (s *Snapshot) System(name string) (SystemRecord, bool) {
	if i := s.SystemIndex(name); i >= 0 {
		return s.Systems[i], true
	}
	return SystemRecord{}, false
}

// TotalInstances sums component instance counts.
func (s *Snapshot) TotalInstances() int {
	total := 0
	for _, n := range s.Components {
		total += n
	}
	return total
}

// TotalExecuteTime sums system execution times.
func (s *Snapshot) TotalExecuteTime() float64 {
	total := 0.0
	for _, sys := range s.Systems {
		total += sys.ExecuteTime
	}
	return total
}
