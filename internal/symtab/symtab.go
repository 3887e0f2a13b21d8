// Package symtab implements spec.md §4.6: the append-only symbol and
// mapping tables a profile accumulates samples against, backed by
// bounded LRU caches so repeated addresses in the same DSO and
// repeated mappings of the same DSO don't re-resolve or re-append on
// every sample. Mappings are keyed by DSO stable-id alone, so one file
// mapped into several processes shares a single Mapping; no per-(pid,
// start) mapping is kept.
//
// Grounded on the teacher's locationIndex map in cmd/profiler3 (keyed
// by {pid, addr} to find-or-create a profile.Location), generalized
// to a two-level cache keyed by (DSO stable-id, pc) so locations are
// shared across processes mapping the same library, per spec.md §4.4's
// stable-id DSO dedup.
package symtab

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/pprof/profile"

	"github.com/perfstacks/nprof/internal/proctree"
)

// Symbolizer resolves a file-relative address within dso to a function
// name and line, or "" if unknown. The caller converts the sampled pc
// to that address (pc - dso.Start + dso.Offset); any further PIE/non-PIE
// adjustment is left to the symbolizer (spec.md §4.6), since only it
// knows the ELF segment layout.
type Symbolizer interface {
	Symbolize(dso *proctree.DSO, fileRelativeAddr uint64) (funcName string, line int64)
}

const (
	locationCacheSize = 8192
	mappingCacheSize  = 1024
)

// Table accumulates profile.Location, profile.Mapping and
// profile.Function entries for one output profile.
type Table struct {
	sym Symbolizer

	locations []*profile.Location
	mappings  []*profile.Mapping
	functions []*profile.Function

	locationCache *lru.Cache[locationKey, *profile.Location]
	mappingCache  *lru.Cache[uint64, *profile.Mapping]
	functionCache map[string]*profile.Function
}

type locationKey struct {
	stableID uint64
	addr     uint64
}

// New creates a Table that resolves function names via sym. sym may
// be nil, in which case every Location has no Line information
// (spec.md §4.6's degraded mode when no symbolizer is configured for
// a DSO's kind, e.g. VDSO).
func New(sym Symbolizer) *Table {
	locCache, _ := lru.New[locationKey, *profile.Location](locationCacheSize)
	mapCache, _ := lru.New[uint64, *profile.Mapping](mappingCacheSize)
	return &Table{
		sym:           sym,
		locationCache: locCache,
		mappingCache:  mapCache,
		functionCache: make(map[string]*profile.Function),
	}
}

// MappingFor returns the profile.Mapping for dso, creating and
// appending one the first time this stable-id is seen.
func (t *Table) MappingFor(dso *proctree.DSO) *profile.Mapping {
	if m, ok := t.mappingCache.Get(dso.StableID); ok {
		return m
	}
	m := &profile.Mapping{
		ID:      uint64(len(t.mappings) + 1),
		Start:   dso.Start,
		Limit:   dso.Limit,
		Offset:  dso.Offset,
		File:    dso.Pathname,
		HasFunctions: t.sym != nil,
	}
	t.mappings = append(t.mappings, m)
	t.mappingCache.Add(dso.StableID, m)
	return m
}

// LocationFor returns the profile.Location for an absolute address in
// dso, symbolizing and caching it on first use.
func (t *Table) LocationFor(dso *proctree.DSO, addr uint64) *profile.Location {
	key := locationKey{stableID: dso.StableID, addr: addr}
	if l, ok := t.locationCache.Get(key); ok {
		return l
	}

	m := t.MappingFor(dso)
	loc := &profile.Location{
		ID:      uint64(len(t.locations) + 1),
		Address: addr,
		Mapping: m,
	}

	if t.sym != nil {
		fileRelative := addr - dso.Start + dso.Offset
		name, line := t.sym.Symbolize(dso, fileRelative)
		if name != "" {
			fn := t.functionFor(name)
			loc.Line = []profile.Line{{Function: fn, Line: line}}
		}
	}

	t.locations = append(t.locations, loc)
	t.locationCache.Add(key, loc)
	return loc
}

func (t *Table) functionFor(name string) *profile.Function {
	if fn, ok := t.functionCache[name]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(t.functions) + 1),
		Name:       name,
		SystemName: name,
	}
	t.functions = append(t.functions, fn)
	t.functionCache[name] = fn
	return fn
}

// Locations, Mappings and Functions return the accumulated tables in
// append order, ready to assign onto a profile.Profile.
func (t *Table) Locations() []*profile.Location { return t.locations }
func (t *Table) Mappings() []*profile.Mapping    { return t.mappings }
func (t *Table) Functions() []*profile.Function  { return t.functions }
