// Package proctree implements spec.md §4.4: per-process tracking of
// loaded DSOs (mappings), built from PERF_RECORD_MMAP2/COMM/FORK/EXIT
// events plus on-demand backfill from /proc/<pid>/maps, with a
// stable-id assigned to each distinct DSO so the exporter can dedup
// mappings across processes that share the same binary.
//
// /proc/<pid>/maps parsing is grounded on the teacher's cmd/profiler3
// (marselester-diy-parca-agent), which already depends on
// github.com/google/pprof/profile for this exact purpose via
// profile.ParseProcMaps; mappingForAddr's linear scan is replaced here
// by a sorted-slice binary search since a live tree gets many more
// lookups than profiler3's one-shot dump.
package proctree

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/pprof/profile"
)

// Kind classifies a DSO per spec.md §4.4's Kind enum, since VDSO,
// vsyscall, anonymous and stack mappings need different (or no)
// symbolization. Every DSO, whatever its Kind, gets a stable id derived
// from its path, offset and size.
type Kind int

const (
	KindStandard Kind = iota
	KindVDSO
	KindVSyscall
	KindAnon
	KindStack
	KindHeap
)

func classify(pathname string) Kind {
	switch pathname {
	case "[vdso]":
		return KindVDSO
	case "[vsyscall]":
		return KindVSyscall
	case "[stack]":
		return KindStack
	case "[heap]":
		return KindHeap
	case "":
		return KindAnon
	default:
		return KindStandard
	}
}

// DSO is one loaded mapping (shared object, main executable, or
// anonymous region) belonging to a process, per spec.md §3.
type DSO struct {
	Start, Limit uint64
	Offset       uint64
	Pathname     string
	Kind         Kind
	Executable   bool

	// StableID identifies content (by path+offset+size, hashed) so the
	// same library mapped into many processes shares one exported
	// profile.Mapping, per spec.md §4.4.
	StableID uint64
}

func (d *DSO) contains(addr uint64) bool {
	return d.Start <= addr && addr < d.Limit
}

// Process holds one pid's ordered DSO set, kept sorted by Start so
// find can binary search. Ordered per spec.md §3's "map[pid]orderedSet
// of DSO" shape.
type Process struct {
	PID     int
	Comm    string
	dsos    []*DSO // sorted by Start
	exited  bool
}

// find returns the DSO containing addr, or nil.
func (p *Process) find(addr uint64) *DSO {
	i := sort.Search(len(p.dsos), func(i int) bool { return p.dsos[i].Limit > addr })
	if i < len(p.dsos) && p.dsos[i].contains(addr) {
		return p.dsos[i]
	}
	return nil
}

func (p *Process) insertErasingOverlap(d *DSO) {
	out := p.dsos[:0]
	for _, existing := range p.dsos {
		if existing.Limit <= d.Start || existing.Start >= d.Limit {
			out = append(out, existing)
		}
	}
	out = append(out, d)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	p.dsos = out
}

// Tree tracks every live process's DSO set, backed by a bounded
// stable-id cache so repeated (path, offset, size) tuples across
// processes resolve to the same id without rehashing every time.
type Tree struct {
	mu        sync.Mutex
	processes map[int]*Process

	stableIDCache *lru.Cache[string, uint64]

	// readProcMaps is overridable in tests; defaults to reading the real
	// /proc/<pid>/maps file.
	readProcMaps func(pid int) ([]*profile.Mapping, error)
}

const stableIDCacheSize = 4096

// New creates an empty Tree.
func New() *Tree {
	cache, _ := lru.New[string, uint64](stableIDCacheSize)
	t := &Tree{
		processes:     make(map[int]*Process),
		stableIDCache: cache,
	}
	t.readProcMaps = t.defaultReadProcMaps
	return t
}

func (t *Tree) defaultReadProcMaps(pid int) ([]*profile.Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return profile.ParseProcMaps(f)
}

// stableID hashes the content-identity of a DSO (spec.md §4.4): two
// mappings of the same file at the same offset/size, even in
// different processes, must collapse to one exported Mapping.
func (t *Tree) stableID(d *DSO) uint64 {
	key := fmt.Sprintf("%s|%x|%x", d.Pathname, d.Offset, d.Limit-d.Start)
	if v, ok := t.stableIDCache.Get(key); ok {
		return v
	}
	h := xxhash.Sum64String(key)
	t.stableIDCache.Add(key, h)
	return h
}

// OnComm handles a PERF_RECORD_COMM(exec) event: if execFlag is set,
// the process image was replaced and its DSO set must be dropped so
// the next address lookup backfills from the new /proc/<pid>/maps,
// per spec.md §4.4.
func (t *Tree) OnComm(pid int, comm string, execFlag bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.getOrCreate(pid)
	p.Comm = comm
	if execFlag {
		p.dsos = nil
	}
}

// OnFork handles a PERF_RECORD_FORK event: a forked child without an
// intervening exec shares its parent's memory layout until it execs,
// so its DSO set is seeded as a copy of the parent's.
func (t *Tree) OnFork(childPID, parentPID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := t.getOrCreate(childPID)
	if parent, ok := t.processes[parentPID]; ok {
		child.dsos = append([]*DSO(nil), parent.dsos...)
		child.Comm = parent.Comm
	}
}

// OnExit handles a PERF_RECORD_EXIT event. The process entry is kept
// (marked exited) rather than deleted immediately, since samples for
// it may still be in flight through the ring buffer; it is reaped by
// Sweep.
func (t *Tree) OnExit(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.processes[pid]; ok {
		p.exited = true
	}
}

// Sweep drops process entries marked exited, called once per export
// cycle (spec.md §4.4) after their pending samples have been flushed.
func (t *Tree) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pid, p := range t.processes {
		if p.exited {
			delete(t.processes, pid)
		}
	}
}

// OnMmap handles a PERF_RECORD_MMAP2 event for an executable mapping.
// Non-executable, non-anonymous mappings (e.g. data segments) are
// tracked too since the unwinder may need them for frame-pointer
// validation, but are never symbolized.
func (t *Tree) OnMmap(pid int, start, limit, offset uint64, pathname string, executable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.getOrCreate(pid)
	d := &DSO{
		Start:      start,
		Limit:      limit,
		Offset:     offset,
		Pathname:   pathname,
		Kind:       classify(pathname),
		Executable: executable,
	}
	d.StableID = t.stableID(d)
	p.insertErasingOverlap(d)
}

func (t *Tree) getOrCreate(pid int) *Process {
	p, ok := t.processes[pid]
	if !ok {
		p = &Process{PID: pid}
		t.processes[pid] = p
	}
	return p
}

// FindOrBackpopulate resolves addr in pid's DSO set, per spec.md §4.4's
// "find_or_backpopulate": if the DSO set is empty (this profiler
// started after the process did, or a page-in raced ahead of the
// COMM/MMAP2 records reaching the ring buffer), it is populated once
// from /proc/<pid>/maps before searching.
func (t *Tree) FindOrBackpopulate(pid int, addr uint64) (*DSO, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.getOrCreate(pid)
	if d := p.find(addr); d != nil {
		return d, nil
	}
	if len(p.dsos) > 0 {
		// Already backfilled once; the address genuinely isn't mapped
		// (freed since, or JIT'd code with no backing mapping).
		return nil, nil
	}

	mappings, err := t.readProcMaps(pid)
	if err != nil {
		return nil, fmt.Errorf("proctree: backfill pid %d: %w", pid, err)
	}
	for _, m := range mappings {
		d := &DSO{
			Start:      m.Start,
			Limit:      m.Limit,
			Offset:     m.Offset,
			Pathname:   m.File,
			Kind:       classify(m.File),
			Executable: true, // ParseProcMaps only returns 'x' entries
		}
		d.StableID = t.stableID(d)
		p.dsos = append(p.dsos, d)
	}
	sort.Slice(p.dsos, func(i, j int) bool { return p.dsos[i].Start < p.dsos[j].Start })

	return p.find(addr), nil
}

// Mappings returns every distinct (by StableID) DSO currently tracked,
// for building the exported profile.Mapping table.
func (t *Tree) Mappings() []*DSO {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[uint64]*DSO)
	for _, p := range t.processes {
		for _, d := range p.dsos {
			if _, ok := seen[d.StableID]; !ok {
				seen[d.StableID] = d
			}
		}
	}
	out := make([]*DSO, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StableID < out[j].StableID })
	return out
}

// CommFor returns the last known comm string for pid, used to label
// per-process pprof output, or "" if pid is unknown.
func (t *Tree) CommFor(pid int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.processes[pid]; ok {
		return p.Comm
	}
	return ""
}
