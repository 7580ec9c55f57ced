package ecsviewer

import "sort"

// UnresolvedRef is a system query reference whose key matched no query in
// the snapshot it came from.
type UnresolvedRef struct {
	System    string
	LocalName string
	Key       string
}

// RelationIndex is the system ↔ query ↔ component relation derived from a
// single snapshot. It is rebuilt for every snapshot and never patched.
type RelationIndex struct {
	snap         *Snapshot
	queriesByKey map[string]QueryRecord
	byComponent  map[string][]string // component -> query keys, snapshot order
	byQuery      map[string][]string // query key -> system names, snapshot order
	unresolved   []UnresolvedRef
	missingComps []string
}

// NewRelationIndex derives the relations of snap. A nil snapshot yields an
// empty index.
func NewRelationIndex(snap *Snapshot) *RelationIndex {
	idx := &RelationIndex{
		snap:         snap,
		queriesByKey: make(map[string]QueryRecord),
		byComponent:  make(map[string][]string),
		byQuery:      make(map[string][]string),
	}
	if snap == nil {
		return idx
	}

	missing := make(map[string]struct{})
	for _, q := range snap.Queries {
		idx.queriesByKey[q.Key] = q
		rc := RelatedComponents(q)
		for _, name := range append(rc.Included, rc.Not...) {
			if !containsString(idx.byComponent[name], q.Key) {
				idx.byComponent[name] = append(idx.byComponent[name], q.Key)
			}
			if _, ok := snap.Components[name]; !ok {
				missing[name] = struct{}{}
			}
		}
	}
	for name := range missing {
		idx.missingComps = append(idx.missingComps, name)
	}
	sort.Strings(idx.missingComps)

	for _, sys := range snap.Systems {
		for _, local := range sortedRefNames(sys.Queries) {
			key := sys.Queries[local].Key
			if _, ok := idx.queriesByKey[key]; !ok {
				idx.unresolved = append(idx.unresolved, UnresolvedRef{System: sys.Name, LocalName: local, Key: key})
				continue
			}
			if !containsString(idx.byQuery[key], sys.Name) {
				idx.byQuery[key] = append(idx.byQuery[key], sys.Name)
			}
		}
	}
	return idx
}

// Snapshot returns the snapshot the index was built from.
func (idx *RelationIndex) Snapshot() *Snapshot { return idx.snap }

// Query looks a query up by key.
func (idx *RelationIndex) Query(key string) (QueryRecord, bool) {
	q, ok := idx.queriesByKey[key]
	return q, ok
}

// RelatedQueries returns the queries used by the named system.
func (idx *RelationIndex) RelatedQueries(systemName string) []QueryRecord {
	if idx.snap == nil {
		return nil
	}
	sys, ok := idx.snap.System(systemName)
	if !ok {
		return nil
	}
	return ResolveQueries(sys, idx.snap.Queries)
}

// QueriesUsingComponent returns the queries that include or exclude the
// named component, in snapshot order.
func (idx *RelationIndex) QueriesUsingComponent(name string) []QueryRecord {
	keys := idx.byComponent[name]
	out := make([]QueryRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, idx.queriesByKey[k])
	}
	return out
}

// SystemsUsingQuery returns the names of systems that reference key.
func (idx *RelationIndex) SystemsUsingQuery(key string) []string {
	return append([]string(nil), idx.byQuery[key]...)
}

// UnresolvedRefs lists system query references with no matching query.
func (idx *RelationIndex) UnresolvedRefs() []UnresolvedRef {
	return append([]UnresolvedRef(nil), idx.unresolved...)
}

// MissingComponents lists component names referenced by queries but absent
// from the snapshot's component counts.
func (idx *RelationIndex) MissingComponents() []string {
	return append([]string(nil), idx.missingComps...)
}

// RelatedQueries resolves the named system's query references against
// snap.Queries. Keys with no match are omitted.
func RelatedQueries(systemName string, snap *Snapshot) []QueryRecord {
	if snap == nil {
		return nil
	}
	sys, ok := snap.System(systemName)
	if !ok {
		return nil
	}
	return ResolveQueries(sys, snap.Queries)
}

// ResolveQueries resolves sys's query references against queries, ordered by
// local query name. Unknown keys are omitted and a key referenced under two
// local names is returned once.
func ResolveQueries(sys SystemRecord, queries []QueryRecord) []QueryRecord {
	if len(sys.Queries) == 0 {
		return []QueryRecord{}
	}
	out := make([]QueryRecord, 0, len(sys.Queries))
	seen := make(map[string]struct{}, len(sys.Queries))
	for _, local := range sortedRefNames(sys.Queries) {
		key := sys.Queries[local].Key
		if _, dup := seen[key]; dup {
			continue
		}
		for _, q := range queries {
			if q.Key == key {
				out = append(out, q)
				seen[key] = struct{}{}
				break
			}
		}
	}
	return out
}

// RelatedComponents returns the query's included and excluded component
// names, deduplicated and sorted.
func RelatedComponents(q QueryRecord) QueryComponents {
	return QueryComponents{
		Included: stringSet(q.Components.Included),
		Not:      stringSet(q.Components.Not),
	}
}

// References reports whether q includes or excludes the named component.
func (q QueryRecord) References(component string) bool {
	return containsString(q.Components.Included, component) || containsString(q.Components.Not, component)
}

func sortedRefNames(refs map[string]QueryRef) []string {
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stringSet returns the distinct values of in, sorted. Never nil.
func stringSet(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
