package verify

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/chazu/blockgc/heap"
)

// fixture is a small heap exercising every structure the verifier checks:
// both generations, a large object, a crossing mutable closure, a static
// root, a blackhole with a waiter and a thread blocked on I/O.
type fixture struct {
	h *heap.Heap

	leaf, pair, big, mv, thunk, static heap.Addr

	owner, waiter, io *heap.Thread
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{h: heap.New(heap.Options{BlockWords: 16, PoolBlocks: 64, Generations: 2, StackChunkWords: 16})}
	h := f.h

	f.leaf = f.alloc(t, 0, heap.KindConstr, nil, 2)
	f.pair = f.alloc(t, 0, heap.KindConstr, []heap.Addr{f.leaf, f.leaf}, 0)
	f.big = f.alloc(t, 1, heap.KindConstr, []heap.Addr{f.pair}, 30)
	f.mv = f.alloc(t, 1, heap.KindMutVar, []heap.Addr{f.pair}, 0)

	var err error
	f.static, err = h.AllocateStatic(heap.NewHeader(heap.KindConstr, 2, 0), []heap.Addr{f.big, f.mv}, nil)
	if err != nil {
		t.Fatalf("AllocateStatic failed: %v", err)
	}

	f.owner = f.thread(t, 0)
	f.owner.Stack.Push(heap.Frame{Kind: heap.FrameReturn, Ptrs: []heap.Addr{f.leaf}, NonPtrs: 1})
	f.thunk = f.alloc(t, 0, heap.KindThunk, nil, 1)
	if err := h.Blackhole(f.thunk, f.owner); err != nil {
		t.Fatalf("Blackhole failed: %v", err)
	}

	f.waiter = f.thread(t, 1)
	if err := h.BlockOn(f.waiter, f.thunk); err != nil {
		t.Fatalf("BlockOn failed: %v", err)
	}
	f.io = f.thread(t, 0)
	if err := h.BlockOnIO(f.io); err != nil {
		t.Fatalf("BlockOnIO failed: %v", err)
	}
	return f
}

func (f *fixture) alloc(t *testing.T, gen int, kind heap.Kind, fields []heap.Addr, payload int) heap.Addr {
	t.Helper()
	a, err := f.h.Allocate(gen, heap.NewHeader(kind, len(fields), payload), fields, make([]uint64, payload))
	if err != nil {
		t.Fatalf("Allocate %s failed: %v", kind, err)
	}
	return a
}

func (f *fixture) thread(t *testing.T, gen int) *heap.Thread {
	t.Helper()
	th, err := f.h.NewThread(gen)
	if err != nil {
		t.Fatalf("NewThread failed: %v", err)
	}
	return th
}

func expectViolation(t *testing.T, err error, inv string) *Violation {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected a %s violation, got none", inv)
	}
	v, ok := AsViolation(err)
	if !ok {
		t.Fatalf("Expected a violation, got %v", err)
	}
	if v.Invariant != inv {
		t.Fatalf("Violation = %v, want invariant %s", v, inv)
	}
	if !errors.HasAssertionFailure(err) {
		t.Errorf("Violation %v is not an assertion failure", v)
	}
	return v
}

// ---------------------------------------------------------------------------
// CheckAll
// ---------------------------------------------------------------------------

func TestCheckAllClean(t *testing.T) {
	f := newFixture(t)
	r := New(f.h, WithOrphanCheck(true)).CheckAll()
	if !r.OK() {
		t.Fatalf("Clean fixture reported %d violations: %v", len(r.Violations), r.Err())
	}
	if len(r.Checks) != 10 {
		t.Errorf("Ran %d checks, want 10: %v", len(r.Checks), r.Checks)
	}
	if r.Err() != nil || r.First() != nil {
		t.Error("Clean report should carry no error")
	}
}

// TestCorruptPointerReportedOnce corrupts a single pointer so that it
// refers to freed memory and expects exactly one violation naming the
// closure holding it.
func TestCorruptPointerReportedOnce(t *testing.T) {
	f := newFixture(t)
	freed := f.h.BlockStart(40)
	if !f.h.BlockOf(freed).IsFree() {
		t.Fatal("Fixture unexpectedly uses block 40")
	}
	f.h.Lookup(f.pair).Fields[1] = freed

	r := New(f.h).CheckAll()
	if len(r.Violations) != 1 {
		t.Fatalf("Got %d violations, want 1: %v", len(r.Violations), r.Violations)
	}
	v := r.First()
	if v.Addr != f.pair || v.Invariant != InvClosurePointer || v.Check != "heap/0" {
		t.Errorf("Violation = %v, want %s in heap/0 at %s", v, InvClosurePointer, f.pair)
	}
	if v.Dump == "" {
		t.Error("Closure violation should carry a dump")
	}
	err := r.Err()
	if !errors.HasAssertionFailure(err) || !strings.Contains(err.Error(), f.pair.String()) {
		t.Errorf("Report error = %v", err)
	}
}

func TestReportCountsViolations(t *testing.T) {
	f := newFixture(t)
	f.h.Lookup(f.pair).Fields[1] = f.h.BlockStart(40)
	f.h.Statics().Lookup(f.static).StaticLink = f.static

	r := New(f.h).CheckAll()
	if len(r.Violations) != 2 {
		t.Fatalf("Got %d violations, want 2: %v", len(r.Violations), r.Violations)
	}
	if !strings.Contains(r.Err().Error(), "2 invariant violations") {
		t.Errorf("Report error = %v", r.Err())
	}
}

// ---------------------------------------------------------------------------
// Closures and blocks
// ---------------------------------------------------------------------------

func TestCheckClosure(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)

	size, err := v.CheckClosure(f.h.Lookup(f.pair))
	if err != nil || size != 3 {
		t.Fatalf("CheckClosure(pair) = %d, %v, want 3", size, err)
	}

	c := f.h.Lookup(f.leaf)
	c.Header.Kind = heap.Kind(99)
	_, err = v.CheckClosure(c)
	expectViolation(t, err, InvClosureKind)
	c.Header.Kind = heap.KindConstr

	c.Words = append(c.Words, 7)
	_, err = v.CheckClosure(c)
	expectViolation(t, err, InvClosureLayout)

	c.Header.NonPtrs++
	_, err = v.CheckClosure(c)
	expectViolation(t, err, InvClosureSize)
}

func TestCheckBlockLayout(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)
	b := f.h.BlockOf(f.leaf)
	if err := v.CheckBlock(b); err != nil {
		t.Fatalf("CheckBlock failed on a clean block: %v", err)
	}
	b.Used++
	expectViolation(t, v.CheckBlock(b), InvBlockLayout)
}

func TestCheckHeapOwner(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)
	b := f.h.BlockOf(f.leaf)
	b.Gen = 1
	err := v.CheckHeap(0)
	viol := expectViolation(t, err, InvBlockOwner)
	if viol.Addr != f.h.BlockStart(b.ID) {
		t.Errorf("Violation at %s, want block start %s", viol.Addr, f.h.BlockStart(b.ID))
	}
	expectViolation(t, v.CheckHeap(9), InvBlockOwner)
}

func TestCheckLargeObjects(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)
	if err := v.CheckLargeObjects(1); err != nil {
		t.Fatalf("CheckLargeObjects failed on a clean run: %v", err)
	}
	head := f.h.BlockOf(f.big)
	tail := f.h.Pool().Block(head.ID + 1)
	tail.Head = tail.ID
	expectViolation(t, v.CheckLargeObjects(1), InvLargeRun)
}

func TestCheckOwnershipFreeBlock(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)
	f.h.BlockOf(f.leaf).Flags |= heap.BlockFree
	expectViolation(t, v.CheckOwnership(), InvBlockOwner)
}

// ---------------------------------------------------------------------------
// Stacks and threads
// ---------------------------------------------------------------------------

func TestCheckStackFrame(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)

	size, err := v.CheckStackFrame(f.owner.TSO, heap.UpdateFrame(f.thunk))
	if err != nil || size != 2 {
		t.Errorf("CheckStackFrame(update) = %d, %v, want 2", size, err)
	}
	_, err = v.CheckStackFrame(f.owner.TSO, heap.UpdateFrame(f.leaf))
	expectViolation(t, err, InvStackFrame)
	_, err = v.CheckStackFrame(f.owner.TSO, heap.Frame{Kind: heap.FrameReturn, Ptrs: []heap.Addr{f.h.BlockStart(40)}})
	expectViolation(t, err, InvStackFrame)
	_, err = v.CheckStackFrame(f.owner.TSO, heap.Frame{Kind: heap.FrameKind(77)})
	expectViolation(t, err, InvStackFrame)
}

func TestCheckStack(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *heap.Stack)
		inv    string
	}{
		{"extent mismatch", func(s *heap.Stack) { s.Chunks[0].Extent-- }, InvStackExtent},
		{"extent beyond capacity", func(s *heap.Stack) { s.Chunks[0].Capacity = 2 }, InvStackExtent},
		{"missing stop", func(s *heap.Stack) { s.Chunks[0].Frames[0].Kind = heap.FrameReturn }, InvStackFrame},
		{"stop above base", func(s *heap.Stack) {
			s.Chunks[0].Frames = append(s.Chunks[0].Frames, heap.Frame{Kind: heap.FrameStop})
			s.Chunks[0].Extent++
		}, InvStackFrame},
		{"empty chunk", func(s *heap.Stack) { s.Chunks[0].Frames = nil }, InvStackFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			v := New(f.h)
			if err := v.CheckStack(f.owner.TSO, f.owner.Stack); err != nil {
				t.Fatalf("Clean stack failed: %v", err)
			}
			tt.mutate(f.owner.Stack)
			expectViolation(t, v.CheckStack(f.owner.TSO, f.owner.Stack), tt.inv)
		})
	}
}

// TestCheckStackChunks verifies the underflow frame rule across chunks.
func TestCheckStackChunks(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)
	s := f.owner.Stack
	for len(s.Chunks) < 2 {
		s.Push(heap.Frame{Kind: heap.FrameReturn, NonPtrs: 6})
	}
	if err := v.CheckStack(f.owner.TSO, s); err != nil {
		t.Fatalf("Chained stack failed: %v", err)
	}
	s.Chunks[0].Frames[0].Kind = heap.FrameStop
	expectViolation(t, v.CheckStack(f.owner.TSO, s), InvStackFrame)
}

func TestCheckThreadQueueMismatch(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)
	for _, th := range []*heap.Thread{f.owner, f.waiter, f.io} {
		if err := v.CheckThread(th); err != nil {
			t.Fatalf("CheckThread(%s) failed: %v", th, err)
		}
	}

	// A blocked thread that left its queue.
	f.h.Lookup(f.thunk).Queue.Remove(f.waiter.ID)
	expectViolation(t, v.CheckThread(f.waiter), InvThreadQueue)

	// A thread blocked on I/O that sits in a queue.
	f.h.Lookup(f.thunk).Queue.Push(f.io.ID)
	expectViolation(t, v.CheckThread(f.io), InvThreadQueue)
	expectViolation(t, v.CheckBlockingQueue(f.thunk), InvQueueMember)
}

func TestCheckThreadState(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)
	f.io.BlockedOn = f.thunk
	expectViolation(t, v.CheckThread(f.io), InvThreadState)

	f = newFixture(t)
	v = New(f.h)
	f.waiter.BlockedOn = f.leaf
	expectViolation(t, v.CheckThread(f.waiter), InvThreadState)
}

func TestCheckRegistryOrphans(t *testing.T) {
	f := newFixture(t)
	orphan := f.alloc(t, 0, heap.KindThread, nil, 2)
	f.h.Lookup(orphan).Thread = 999

	v := New(f.h)
	if err := v.CheckRegistry(false); err != nil {
		t.Errorf("Registry check without orphan scan failed: %v", err)
	}
	viol := expectViolation(t, v.CheckRegistry(true), InvRegistryOrphan)
	if viol.Addr != orphan {
		t.Errorf("Orphan reported at %s, want %s", viol.Addr, orphan)
	}
}

// ---------------------------------------------------------------------------
// Roots and queues
// ---------------------------------------------------------------------------

func TestCheckStaticsCycle(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)
	if err := v.CheckStatics(); err != nil {
		t.Fatalf("CheckStatics failed: %v", err)
	}
	f.h.Statics().Lookup(f.static).StaticLink = f.static
	expectViolation(t, v.CheckStatics(), InvStaticChain)
}

func TestCheckRememberedSet(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)
	if err := v.CheckRememberedSets(); err != nil {
		t.Fatalf("CheckRememberedSets failed: %v", err)
	}

	// A write that bypassed the barrier.
	hidden := f.alloc(t, 1, heap.KindMutVar, []heap.Addr{heap.Nil}, 0)
	f.h.Lookup(hidden).Fields[0] = f.leaf
	viol := expectViolation(t, v.CheckRememberedSet(1), InvRemsetMissing)
	if viol.Addr != hidden {
		t.Errorf("Missing entry reported at %s, want %s", viol.Addr, hidden)
	}
}

// TestCheckRememberedSetImmutable verifies that old immutable closures with
// young pointers are remembered and that a missing entry for one is found.
func TestCheckRememberedSetImmutable(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)
	if !f.h.Generation(1).InRememberedSet(f.big) {
		t.Fatal("Old constructor pointing into generation 0 is not remembered")
	}

	f.h.Generation(1).SetRememberedSet([]heap.Addr{f.mv})
	viol := expectViolation(t, v.CheckRememberedSet(1), InvRemsetMissing)
	if viol.Addr != f.big {
		t.Errorf("Missing entry reported at %s, want %s", viol.Addr, f.big)
	}
}

func TestCheckRememberedSetEntries(t *testing.T) {
	tests := []struct {
		name string
		gen  int
		set  func(f *fixture) []heap.Addr
	}{
		{"youngest generation", 0, func(f *fixture) []heap.Addr { return []heap.Addr{f.leaf} }},
		{"static entry", 1, func(f *fixture) []heap.Addr { return []heap.Addr{f.mv, f.big, f.static} }},
		{"foreign entry", 1, func(f *fixture) []heap.Addr { return []heap.Addr{f.mv, f.io.TSO} }},
		{"dead entry", 1, func(f *fixture) []heap.Addr { return []heap.Addr{f.mv, f.h.BlockStart(40)} }},
		// Fresh sets hold only closures that still point younger.
		{"stale entry", 1, func(f *fixture) []heap.Addr { return []heap.Addr{f.mv, f.waiter.TSO} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.h.Generation(tt.gen).SetRememberedSet(tt.set(f))
			expectViolation(t, New(f.h).CheckRememberedSet(tt.gen), InvRemsetEntry)
		})
	}
}

func TestCheckBlockingQueueDuplicate(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)
	if err := v.CheckBlockingQueues(); err != nil {
		t.Fatalf("CheckBlockingQueues failed: %v", err)
	}
	f.h.Lookup(f.thunk).Queue.Push(f.waiter.ID)
	expectViolation(t, v.CheckBlockingQueues(), InvQueueDuplicate)
}

// TestBlackholeOwnerFrame verifies that a blackhole whose running owner lost
// its update frame is reported.
func TestBlackholeOwnerFrame(t *testing.T) {
	f := newFixture(t)
	inner := f.alloc(t, 0, heap.KindThunk, nil, 1)
	if err := f.h.Blackhole(inner, f.owner); err != nil {
		t.Fatalf("Blackhole failed: %v", err)
	}
	if r := New(f.h).CheckAll(); !r.OK() {
		t.Fatalf("Nested blackholes reported violations: %v", r.Err())
	}

	f.owner.Stack.Pop()
	r := New(f.h).CheckAll()
	if len(r.Violations) != 1 {
		t.Fatalf("Got %d violations, want 1: %v", len(r.Violations), r.Violations)
	}
	if v := r.First(); v.Invariant != InvBlackholeOwner || v.Addr != inner {
		t.Errorf("Violation = %v, want %s at %s", v, InvBlackholeOwner, inner)
	}
	if New(f.h).IsBlackhole(f.owner, inner) {
		t.Error("Blackhole without an update frame recognized")
	}
}

func TestIsBlackhole(t *testing.T) {
	f := newFixture(t)
	v := New(f.h)
	if !v.IsBlackhole(f.owner, f.thunk) {
		t.Error("Owner's own blackhole not recognized")
	}
	if v.IsBlackhole(f.waiter, f.thunk) {
		t.Error("Blackhole owned by another thread reported as the waiter's")
	}
	if v.IsBlackhole(f.owner, f.leaf) {
		t.Error("Constructor reported as a blackhole")
	}

	value := f.alloc(t, 0, heap.KindConstr, nil, 1)
	if _, err := f.h.Resolve(f.thunk, value); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if v.IsBlackhole(f.owner, f.thunk) {
		t.Error("Resolved blackhole still recognized")
	}
	if r := v.CheckAll(); !r.OK() {
		t.Errorf("Heap after resolve has violations: %v", r.Err())
	}
}
