package gc

import (
	"github.com/cockroachdb/errors"

	"github.com/chazu/blockgc/heap"
)

// MarkStats summarizes one trace.
type MarkStats struct {
	MaxGen         int
	Roots          int
	MarkedClosures int
	MarkedBlocks   int
	ScannedStatics int
	ScannedFrames  int
	RememberedSets []int // entries per generation after the rebuild
}

// Marker traces the heap from its roots and marks every reachable closure
// and the blocks that hold it. Nothing moves: a mark is a bit in the owning
// block's side table.
//
// Generations above maxGen are not collected. Closures in them count as
// live without being traced, and their remembered sets act as extra roots.
type Marker struct {
	heap   *heap.Heap
	maxGen int

	worklist []*heap.Closure
	statics  map[heap.Addr]bool
	scanned  map[heap.Addr]bool // old-generation thread objects already queued
	remsets  [][]heap.Addr
	stats    MarkStats
}

// NewMarker creates a marker collecting generations 0 through maxGen.
func NewMarker(h *heap.Heap, maxGen int) *Marker {
	if maxGen < 0 || maxGen >= h.NumGenerations() {
		maxGen = h.NumGenerations() - 1
	}
	return &Marker{
		heap:    h,
		maxGen:  maxGen,
		statics: make(map[heap.Addr]bool),
		scanned: make(map[heap.Addr]bool),
		remsets: make([][]heap.Addr, h.NumGenerations()),
		stats:   MarkStats{MaxGen: maxGen},
	}
}

// Trace marks everything reachable from the roots and rebuilds every
// generation's remembered set. The world must be stopped.
func (m *Marker) Trace() (*MarkStats, error) {
	m.clearMarks()

	if err := m.markRoots(); err != nil {
		return nil, err
	}
	if err := m.drain(); err != nil {
		return nil, err
	}

	for i, g := range m.heap.Generations() {
		g.SetRememberedSet(m.remsets[i])
		m.stats.RememberedSets = append(m.stats.RememberedSets, len(m.remsets[i]))
		if i <= m.maxGen {
			g.SetMarksValid(true)
		}
	}
	m.stats.MarkedBlocks = m.countMarkedBlocks()
	return &m.stats, nil
}

// collected reports whether generation gen is part of this trace.
func (m *Marker) collected(gen int) bool {
	return gen != heap.NoGen && gen <= m.maxGen
}

func (m *Marker) clearMarks() {
	pool := m.heap.Pool()
	for _, g := range m.heap.Generations() {
		if !m.collected(g.Index) {
			continue
		}
		g.SetMarksValid(false)
		for _, id := range g.Blocks() {
			pool.Block(id).ClearMarks()
		}
		for _, id := range g.LargeObjects() {
			for _, b := range m.heap.RunBlocks(pool.Block(id)) {
				b.ClearMarks()
			}
		}
	}
}

// markRoots seeds the worklist from the static list, the threads the
// scheduler can resume, every blocking queue and the remembered sets of
// generations that are not being collected.
func (m *Marker) markRoots() error {
	for _, c := range m.heap.Statics().Snapshot() {
		m.stats.Roots++
		if err := m.markStatic(c); err != nil {
			return err
		}
	}

	for _, t := range m.heap.Threads().Snapshot() {
		switch t.State {
		case heap.ThreadRunnable, heap.ThreadBlockedOnIO:
			m.stats.Roots++
			if err := m.markThread(heap.Nil, t); err != nil {
				return err
			}
		}
	}

	// A queued thread stays live even if nothing else refers to it or to
	// the blackhole it waits on.
	for _, bh := range m.heap.Blackholes() {
		c := m.heap.Lookup(bh)
		if c == nil {
			continue
		}
		for _, id := range c.Queue.Members() {
			t := m.heap.Threads().Get(id)
			if t == nil {
				return corruptf(bh, "queued thread %d is not registered", id)
			}
			m.stats.Roots++
			if err := m.markThread(bh, t); err != nil {
				return err
			}
		}
	}

	for _, g := range m.heap.Generations() {
		if m.collected(g.Index) {
			continue
		}
		for _, a := range g.RememberedSet() {
			c := m.heap.Lookup(a)
			if c == nil {
				continue
			}
			m.stats.Roots++
			if err := m.scan(c); err != nil {
				return err
			}
			m.remember(g.Index, c)
		}
	}
	return nil
}

// markThread marks a root thread. A thread object in a generation that is
// not being collected is not marked, but its stack still has to be scanned
// because it may hold the only references to younger closures.
func (m *Marker) markThread(from heap.Addr, t *heap.Thread) error {
	if m.collected(m.heap.GenerationOf(t.TSO)) {
		return m.markAddr(from, t.TSO)
	}
	c := m.heap.Lookup(t.TSO)
	if c == nil {
		return corruptf(from, "thread %d has no thread object at %s", t.ID, t.TSO)
	}
	if m.scanned[c.Addr] {
		return nil
	}
	m.scanned[c.Addr] = true
	m.worklist = append(m.worklist, c)
	return nil
}

// markStatic queues a static closure for scanning once. Statics are never
// reclaimed, so their visited bit lives in the marker rather than a block.
func (m *Marker) markStatic(c *heap.Closure) error {
	if m.statics[c.Addr] {
		return nil
	}
	m.statics[c.Addr] = true
	m.stats.ScannedStatics++
	m.worklist = append(m.worklist, c)
	return nil
}

// markAddr marks the closure at a, if it is in a collected generation and
// not yet marked, and queues it for scanning. from is the referring address,
// used in diagnostics.
func (m *Marker) markAddr(from, a heap.Addr) error {
	if a == heap.Nil {
		return nil
	}
	if a.IsStatic() {
		c := m.heap.Statics().Lookup(a)
		if c == nil {
			return corruptf(from, "pointer to unknown static %s", a)
		}
		return m.markStatic(c)
	}

	b, slot, ok := m.heap.Locate(a)
	if !ok {
		return corruptf(from, "dangling pointer to %s", a)
	}
	if !m.collected(b.Gen) {
		return nil
	}
	if !b.Mark(slot) {
		return nil
	}
	if b.IsLarge() {
		for _, rb := range m.heap.RunBlocks(b) {
			rb.Flags |= heap.BlockMarked
		}
	}
	m.stats.MarkedClosures++
	m.worklist = append(m.worklist, b.SlotAt(slot).Closure)
	return nil
}

func (m *Marker) drain() error {
	for len(m.worklist) > 0 {
		n := len(m.worklist) - 1
		c := m.worklist[n]
		m.worklist = m.worklist[:n]

		if err := m.scan(c); err != nil {
			return err
		}
		if gen := m.heap.GenerationOf(c.Addr); gen != heap.NoGen {
			m.remember(gen, c)
		}
	}
	return nil
}

// scan marks the children of c.
func (m *Marker) scan(c *heap.Closure) error {
	if _, err := c.Header.Info(); err != nil {
		return errors.WithAssertionFailure(errors.Wrapf(err, "scan %s", c.Addr))
	}
	if len(c.Fields) != int(c.Header.Ptrs) {
		return corruptf(c.Addr, "%s has %d fields, header says %d", c.Header.Kind, len(c.Fields), c.Header.Ptrs)
	}
	for _, f := range c.Fields {
		if err := m.markAddr(c.Addr, f); err != nil {
			return err
		}
	}

	switch c.Header.Kind {
	case heap.KindThread:
		t := m.heap.Threads().Get(c.Thread)
		if t == nil {
			// Unregistered thread objects have nothing further to trace.
			return nil
		}
		if err := m.scanStack(c.Addr, t.Stack); err != nil {
			return err
		}
		return m.markAddr(c.Addr, t.BlockedOn)
	case heap.KindBlackhole:
		for _, id := range c.Queue.Members() {
			if t := m.heap.Threads().Get(id); t != nil {
				if err := m.markThread(c.Addr, t); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (m *Marker) scanStack(tso heap.Addr, s *heap.Stack) error {
	var err error
	s.Each(func(_ int, f heap.Frame) bool {
		if _, err = f.Size(); err != nil {
			err = errors.WithAssertionFailure(errors.Wrapf(err, "stack of %s", tso))
			return false
		}
		m.stats.ScannedFrames++
		for _, p := range f.Ptrs {
			if err = m.markAddr(tso, p); err != nil {
				return false
			}
		}
		return true
	})
	return err
}

// remember adds c to the rebuilt remembered set of gen if it points into a
// younger generation.
func (m *Marker) remember(gen int, c *heap.Closure) {
	if gen <= 0 {
		return
	}
	if m.heap.PointsYounger(c, gen) {
		m.remsets[gen] = append(m.remsets[gen], c.Addr)
	}
}

func (m *Marker) countMarkedBlocks() int {
	n := 0
	pool := m.heap.Pool()
	for _, g := range m.heap.Generations() {
		if !m.collected(g.Index) {
			continue
		}
		for _, id := range g.Blocks() {
			if pool.Block(id).IsMarked() {
				n++
			}
		}
		for _, id := range g.LargeObjects() {
			if head := pool.Block(id); head.IsMarked() {
				n += int(head.RunLen)
			}
		}
	}
	return n
}

func corruptf(at heap.Addr, format string, args ...interface{}) error {
	err := errors.Wrapf(heap.ErrCorrupt, format, args...)
	return errors.WithAssertionFailure(errors.Wrapf(err, "at %s", at))
}
