package heap

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	return New(Options{BlockWords: 16, PoolBlocks: 16, Generations: 2, StackChunkWords: 16})
}

func mustAllocate(t *testing.T, h *Heap, gen int, kind Kind, fields []Addr, payload int) Addr {
	t.Helper()
	a, err := h.Allocate(gen, NewHeader(kind, len(fields), payload), fields, make([]uint64, payload))
	if err != nil {
		t.Fatalf("Allocate %s in gen %d failed: %v", kind, gen, err)
	}
	return a
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// TestAllocateBumpsWithinBlock verifies that small closures are packed into
// the generation's current block and a new block is drawn when it fills.
func TestAllocateBumpsWithinBlock(t *testing.T) {
	h := newTestHeap(t)

	var addrs []Addr
	for i := 0; i < 5; i++ {
		addrs = append(addrs, mustAllocate(t, h, 0, KindConstr, nil, 3))
	}
	for i := 0; i < 4; i++ {
		if want := HeapBase + Addr(i*4); addrs[i] != want {
			t.Errorf("Closure %d at %s, want %s", i, addrs[i], want)
		}
	}
	if want := HeapBase + 16; addrs[4] != want {
		t.Errorf("Fifth closure at %s, want start of block 1 (%s)", addrs[4], want)
	}

	g := h.Generation(0)
	if len(g.Blocks()) != 2 || g.LiveBlocks() != 2 {
		t.Errorf("Generation 0 has %d blocks (%d live), want 2", len(g.Blocks()), g.LiveBlocks())
	}
	if g.LiveBytes() != BytesOf(20) {
		t.Errorf("LiveBytes = %d, want %d", g.LiveBytes(), BytesOf(20))
	}
	for _, a := range addrs {
		c := h.Lookup(a)
		if c == nil || c.Addr != a {
			t.Fatalf("Lookup(%s) = %v", a, c)
		}
		if h.GenerationOf(a) != 0 {
			t.Errorf("GenerationOf(%s) = %d, want 0", a, h.GenerationOf(a))
		}
	}
	if h.Lookup(addrs[0]+1) != nil {
		t.Error("Lookup inside a closure should fail")
	}
}

// TestAllocateLarge verifies that closures bigger than a block get a run of
// their own on the large-object list.
func TestAllocateLarge(t *testing.T) {
	h := newTestHeap(t)
	a := mustAllocate(t, h, 1, KindConstr, nil, 39) // 40 words, 3 blocks

	g := h.Generation(1)
	if len(g.LargeObjects()) != 1 || len(g.Blocks()) != 0 {
		t.Fatalf("Expected one large object and no small blocks, got %v / %v", g.LargeObjects(), g.Blocks())
	}
	head := h.BlockOf(a)
	if head.RunLen != 3 || !head.IsLarge() {
		t.Errorf("Head block = %+v, want large run of 3", head)
	}
	for _, b := range h.RunBlocks(head) {
		if b.Gen != 1 || b.Head != head.ID || !b.IsLarge() {
			t.Errorf("Run block %d = %+v", b.ID, b)
		}
	}
	if g.LiveBlocks() != 3 {
		t.Errorf("LiveBlocks = %d, want 3", g.LiveBlocks())
	}
	if h.Lookup(h.BlockStart(head.ID+1)) != nil {
		t.Error("Tail blocks of a run must not resolve to a closure")
	}
}

func TestAllocateErrors(t *testing.T) {
	h := newTestHeap(t)

	if _, err := h.Allocate(7, NewHeader(KindConstr, 0, 1), nil, []uint64{0}); !errors.Is(err, ErrNoSuchGeneration) {
		t.Errorf("Allocate in gen 7: error = %v, want ErrNoSuchGeneration", err)
	}
	_, err := h.Allocate(0, Header{Kind: KindInvalid}, nil, nil)
	if !errors.Is(err, ErrCorruptHeader) || !errors.Is(err, ErrCorrupt) {
		t.Errorf("Allocate with invalid header: error = %v, want ErrCorruptHeader", err)
	}
	if _, err := h.Allocate(0, NewHeader(KindMutVar, 2, 0), []Addr{Nil, Nil}, nil); !errors.Is(err, ErrCorruptHeader) {
		t.Errorf("Allocate mutvar with 2 pointers: error = %v, want ErrCorruptHeader", err)
	}
	if _, err := h.Allocate(0, NewHeader(KindConstr, 2, 0), []Addr{Nil}, nil); err == nil {
		t.Error("Allocate with missing fields should fail")
	}
}

func TestAllocateStatic(t *testing.T) {
	h := newTestHeap(t)
	young := mustAllocate(t, h, 0, KindConstr, nil, 1)

	a, err := h.AllocateStatic(NewHeader(KindConstr, 1, 0), []Addr{young}, nil)
	if err != nil {
		t.Fatalf("AllocateStatic failed: %v", err)
	}
	b, err := h.AllocateStatic(NewHeader(KindFun, 0, 2), nil, []uint64{1, 2})
	if err != nil {
		t.Fatalf("AllocateStatic failed: %v", err)
	}
	if a != StaticBase || b != StaticBase+2 {
		t.Errorf("Statics at %s and %s, want %s and %s", a, b, StaticBase, StaticBase+2)
	}
	if !a.IsStatic() || a.IsHeap() {
		t.Errorf("%s should be a static address", a)
	}
	if h.Lookup(b).StaticLink != a {
		t.Error("Newest static should link to the previous head")
	}
	if h.GenerationOf(a) != NoGen {
		t.Errorf("GenerationOf(static) = %d, want NoGen", h.GenerationOf(a))
	}
}

// ---------------------------------------------------------------------------
// Write barrier and promotion
// ---------------------------------------------------------------------------

// TestWriteBarrier verifies that old mutable closures pointing at young ones
// are recorded in their generation's remembered set.
func TestWriteBarrier(t *testing.T) {
	h := newTestHeap(t)
	young := mustAllocate(t, h, 0, KindConstr, nil, 1)
	old := mustAllocate(t, h, 1, KindConstr, nil, 1)
	mv := mustAllocate(t, h, 1, KindMutVar, []Addr{old}, 0)

	g1 := h.Generation(1)
	if g1.InRememberedSet(mv) {
		t.Fatal("Mutvar pointing at its own generation should not be remembered")
	}
	if err := h.WriteField(mv, 0, young); err != nil {
		t.Fatalf("WriteField failed: %v", err)
	}
	if !g1.InRememberedSet(mv) {
		t.Error("Mutvar pointing into generation 0 should be remembered")
	}
	if g1.RememberedSetFresh() {
		t.Error("A barrier write must mark the remembered set stale")
	}

	// Allocating an old mutable closure that already points young.
	mv2 := mustAllocate(t, h, 1, KindMutVar, []Addr{young}, 0)
	if !g1.InRememberedSet(mv2) {
		t.Error("Freshly allocated crossing mutvar should be remembered")
	}
	// Immutable closures cannot be written later, so they are recorded
	// when they are born pointing young.
	con := mustAllocate(t, h, 1, KindConstr, []Addr{young}, 0)
	if !g1.InRememberedSet(con) {
		t.Error("Freshly allocated crossing constructor should be remembered")
	}

	if err := h.WriteField(old, 0, young); !errors.Is(err, ErrBadState) {
		t.Errorf("WriteField on a constructor: error = %v, want ErrBadState", err)
	}
	if err := h.WriteField(mv, 3, young); err == nil {
		t.Error("WriteField out of range should fail")
	}
	if err := h.WriteField(HeapBase+1000, 0, young); !errors.Is(err, ErrNoSuchClosure) {
		t.Errorf("WriteField to free memory: error = %v, want ErrNoSuchClosure", err)
	}
}

// TestPromote verifies that a promoted block changes owner and accounting.
func TestPromote(t *testing.T) {
	h := newTestHeap(t)
	a := mustAllocate(t, h, 0, KindConstr, nil, 3)
	mv := mustAllocate(t, h, 0, KindMutVar, []Addr{Nil}, 0)
	young := mustAllocate(t, h, 0, KindConstr, nil, 1)
	id := h.BlockOf(a).ID

	// young shares the block, so after promotion mv points within gen 1.
	if err := h.Promote(id, 1); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	if h.GenerationOf(a) != 1 || h.GenerationOf(mv) != 1 || h.GenerationOf(young) != 1 {
		t.Error("All closures of the block should now belong to generation 1")
	}
	g0, g1 := h.Generation(0), h.Generation(1)
	if g0.Owns(id) || !g1.Owns(id) {
		t.Errorf("Block %d ownership: gen0 %v, gen1 %v", id, g0.Owns(id), g1.Owns(id))
	}
	if g0.LiveWords() != 0 || g1.LiveWords() != 8 {
		t.Errorf("Live words gen0/gen1 = %d/%d, want 0/8", g0.LiveWords(), g1.LiveWords())
	}

	// A new young object lands in a fresh gen 0 block.
	fresh := mustAllocate(t, h, 0, KindConstr, nil, 1)
	if h.BlockOf(fresh).ID == id {
		t.Error("Generation 0 kept allocating into a promoted block")
	}
	if err := h.WriteField(mv, 0, fresh); err != nil {
		t.Fatalf("WriteField failed: %v", err)
	}
	if !g1.InRememberedSet(mv) {
		t.Error("Promoted mutvar pointing into generation 0 should be remembered")
	}

	if err := h.Promote(id, 5); !errors.Is(err, ErrNoSuchGeneration) {
		t.Errorf("Promote to gen 5: error = %v, want ErrNoSuchGeneration", err)
	}
	h.Pin(h.BlockOf(fresh).ID)
	if err := h.Promote(h.BlockOf(fresh).ID, 1); !errors.Is(err, ErrBadState) {
		t.Errorf("Promote pinned block: error = %v, want ErrBadState", err)
	}
}

// TestPromoteRemembersImmutable verifies that a promoted constructor whose
// referent stays young is remembered by its new generation.
func TestPromoteRemembersImmutable(t *testing.T) {
	h := newTestHeap(t)
	young := mustAllocate(t, h, 0, KindConstr, nil, 1)
	con := mustAllocate(t, h, 0, KindConstr, []Addr{young}, 14)
	if err := h.Promote(h.BlockOf(con).ID, 1); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	if h.GenerationOf(young) != 0 {
		t.Fatal("Referent moved with the promoted block")
	}
	if !h.Generation(1).InRememberedSet(con) {
		t.Error("Promoted constructor pointing into generation 0 should be remembered")
	}
	if h.Generation(0).InRememberedSet(con) {
		t.Error("Generation 0 should not remember anything")
	}
}

// TestPromoteInvalidatesFreshness verifies that moving a block marks every
// remembered set stale.
func TestPromoteInvalidatesFreshness(t *testing.T) {
	h := newTestHeap(t)
	young := mustAllocate(t, h, 0, KindConstr, nil, 1)
	mustAllocate(t, h, 1, KindMutVar, []Addr{young}, 0)
	g1 := h.Generation(1)
	g1.SetRememberedSet(g1.RememberedSet())
	if !g1.RememberedSetFresh() {
		t.Fatal("SetRememberedSet should mark the set fresh")
	}
	if err := h.Promote(h.BlockOf(young).ID, 1); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	if g1.RememberedSetFresh() {
		t.Error("Promotion should leave remembered sets stale")
	}
}

// ---------------------------------------------------------------------------
// Threads and blackholes
// ---------------------------------------------------------------------------

func TestNewThread(t *testing.T) {
	h := newTestHeap(t)
	th, err := h.NewThread(0)
	if err != nil {
		t.Fatalf("NewThread failed: %v", err)
	}
	if th.ID != 1 {
		t.Errorf("First thread ID = %d, want 1", th.ID)
	}
	tso := h.Lookup(th.TSO)
	if tso == nil || tso.Header.Kind != KindThread || tso.Thread != th.ID {
		t.Fatalf("Thread object = %v", tso)
	}
	if h.ThreadOf(th.TSO) != th {
		t.Error("ThreadOf should resolve the thread object")
	}
	if th.State != ThreadRunnable || th.Stack.Depth() != 1 {
		t.Errorf("New thread state %s depth %d, want runnable with a stop frame", th.State, th.Stack.Depth())
	}
}

// TestBlackholeAndResolve walks a thunk through evaluation by one thread
// while another waits for it.
func TestBlackholeAndResolve(t *testing.T) {
	h := newTestHeap(t)
	owner, _ := h.NewThread(0)
	waiter, _ := h.NewThread(0)
	thunk := mustAllocate(t, h, 0, KindThunk, nil, 2)
	value := mustAllocate(t, h, 0, KindConstr, nil, 1)

	if err := h.Blackhole(thunk, owner); err != nil {
		t.Fatalf("Blackhole failed: %v", err)
	}
	bh := h.Lookup(thunk)
	if bh.Header.Kind != KindBlackhole || bh.Fields[0] != owner.TSO || bh.Queue == nil {
		t.Fatalf("Blackhole = %+v", bh)
	}
	if top, _ := owner.Stack.Chunks[0].Top(); top.Kind != FrameUpdate || top.Ptrs[0] != thunk {
		t.Errorf("Owner's top frame = %+v, want update of %s", top, thunk)
	}
	if bhs := h.Blackholes(); len(bhs) != 1 || bhs[0] != thunk {
		t.Errorf("Blackholes = %v", bhs)
	}

	if err := h.BlockOn(waiter, thunk); err != nil {
		t.Fatalf("BlockOn failed: %v", err)
	}
	if waiter.State != ThreadBlockedOnBlackhole || waiter.BlockedOn != thunk || !bh.Queue.Contains(waiter.ID) {
		t.Errorf("Waiter = %v blocked on %s", waiter, waiter.BlockedOn)
	}
	if err := h.BlockOn(waiter, thunk); !errors.Is(err, ErrBadState) {
		t.Errorf("Blocking a blocked thread: error = %v, want ErrBadState", err)
	}

	woken, err := h.Resolve(thunk, value)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(woken) != 1 || woken[0] != waiter.ID {
		t.Errorf("Woken = %v, want [%d]", woken, waiter.ID)
	}
	if waiter.State != ThreadRunnable || waiter.BlockedOn != Nil {
		t.Errorf("Waiter after resolve = %v blocked on %s", waiter, waiter.BlockedOn)
	}
	ind := h.Lookup(thunk)
	if ind.Header.Kind != KindIndirection || ind.Fields[0] != value || ind.Queue != nil {
		t.Errorf("Resolved closure = %+v, want indirection to %s", ind, value)
	}
	if owner.Stack.Depth() != 1 {
		t.Errorf("Owner stack depth = %d, want the update frame popped", owner.Stack.Depth())
	}
	if len(h.Blackholes()) != 0 {
		t.Error("Resolved blackhole still indexed")
	}
	if _, err := h.Resolve(thunk, value); !errors.Is(err, ErrBadState) {
		t.Errorf("Resolving twice: error = %v, want ErrBadState", err)
	}
}

// TestResolveNested verifies that nested evaluations resolve innermost
// first and that resolving out of order leaves both blackholes intact.
func TestResolveNested(t *testing.T) {
	h := newTestHeap(t)
	owner, _ := h.NewThread(0)
	outer := mustAllocate(t, h, 0, KindThunk, nil, 1)
	inner := mustAllocate(t, h, 0, KindThunk, nil, 1)
	value := mustAllocate(t, h, 0, KindConstr, nil, 1)
	if err := h.Blackhole(outer, owner); err != nil {
		t.Fatalf("Blackhole(outer) failed: %v", err)
	}
	if err := h.Blackhole(inner, owner); err != nil {
		t.Fatalf("Blackhole(inner) failed: %v", err)
	}

	if _, err := h.Resolve(outer, value); !errors.Is(err, ErrBadState) {
		t.Fatalf("Resolving the outer blackhole first: error = %v, want ErrBadState", err)
	}
	if owner.Stack.Depth() != 3 || len(h.Blackholes()) != 2 {
		t.Fatalf("Failed resolve changed state: depth %d, blackholes %v", owner.Stack.Depth(), h.Blackholes())
	}
	if h.Lookup(outer).Header.Kind != KindBlackhole {
		t.Error("Failed resolve rewrote the outer blackhole")
	}

	if _, err := h.Resolve(inner, value); err != nil {
		t.Fatalf("Resolve(inner) failed: %v", err)
	}
	if _, err := h.Resolve(outer, inner); err != nil {
		t.Fatalf("Resolve(outer) failed: %v", err)
	}
	if owner.Stack.Depth() != 1 || len(h.Blackholes()) != 0 {
		t.Errorf("After resolving both: depth %d, blackholes %v", owner.Stack.Depth(), h.Blackholes())
	}
}

func TestResolveNil(t *testing.T) {
	h := newTestHeap(t)
	owner, _ := h.NewThread(0)
	thunk := mustAllocate(t, h, 0, KindThunk, nil, 1)
	if err := h.Blackhole(thunk, owner); err != nil {
		t.Fatalf("Blackhole failed: %v", err)
	}
	if _, err := h.Resolve(thunk, Nil); !errors.Is(err, ErrBadState) {
		t.Errorf("Resolve to nil: error = %v, want ErrBadState", err)
	}
	if h.Lookup(thunk).Header.Kind != KindBlackhole || owner.Stack.Depth() != 2 {
		t.Error("Rejected resolve changed the blackhole or its owner")
	}
}

// TestUnregisteredThread verifies that thread operations refuse threads the
// registry does not hold.
func TestUnregisteredThread(t *testing.T) {
	h := newTestHeap(t)
	th, _ := h.NewThread(0)
	thunk := mustAllocate(t, h, 0, KindThunk, nil, 1)
	h.Threads().Remove(th.ID)

	if err := h.BlockOnIO(th); !errors.Is(err, ErrNoSuchThread) {
		t.Errorf("BlockOnIO: error = %v, want ErrNoSuchThread", err)
	}
	if err := h.Blackhole(thunk, th); !errors.Is(err, ErrNoSuchThread) {
		t.Errorf("Blackhole: error = %v, want ErrNoSuchThread", err)
	}
	if h.Lookup(thunk).Header.Kind != KindThunk {
		t.Error("Refused blackhole rewrote the thunk")
	}
	if err := h.Finish(th, ThreadComplete); !errors.Is(err, ErrNoSuchThread) {
		t.Errorf("Finish: error = %v, want ErrNoSuchThread", err)
	}
	if err := h.Wake(nil); !errors.Is(err, ErrNoSuchThread) {
		t.Errorf("Wake(nil): error = %v, want ErrNoSuchThread", err)
	}
}

func TestBlackholeRequiresThunk(t *testing.T) {
	h := newTestHeap(t)
	th, _ := h.NewThread(0)
	c := mustAllocate(t, h, 0, KindConstr, nil, 1)
	if err := h.Blackhole(c, th); !errors.Is(err, ErrBadState) {
		t.Errorf("Blackhole of a constructor: error = %v, want ErrBadState", err)
	}
	if err := h.BlockOn(th, c); !errors.Is(err, ErrBadState) {
		t.Errorf("BlockOn a constructor: error = %v, want ErrBadState", err)
	}
}

// TestFinishLeavesQueue verifies that a thread killed while blocked leaves
// the blocking queue.
func TestFinishLeavesQueue(t *testing.T) {
	h := newTestHeap(t)
	owner, _ := h.NewThread(0)
	waiter, _ := h.NewThread(0)
	thunk := mustAllocate(t, h, 0, KindThunk, nil, 1)
	h.Blackhole(thunk, owner)
	h.BlockOn(waiter, thunk)

	if err := h.Finish(waiter, ThreadKilled); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if h.Lookup(thunk).Queue.Contains(waiter.ID) {
		t.Error("Killed thread is still queued")
	}
	if waiter.BlockedOn != Nil || waiter.State != ThreadKilled {
		t.Errorf("Killed thread = %v blocked on %s", waiter, waiter.BlockedOn)
	}
	if err := h.Finish(owner, ThreadRunnable); !errors.Is(err, ErrBadState) {
		t.Errorf("Finish as runnable: error = %v, want ErrBadState", err)
	}
}

func TestBlockOnIO(t *testing.T) {
	h := newTestHeap(t)
	th, _ := h.NewThread(0)
	if err := h.BlockOnIO(th); err != nil {
		t.Fatalf("BlockOnIO failed: %v", err)
	}
	if err := h.BlockOnIO(th); !errors.Is(err, ErrBadState) {
		t.Errorf("Blocking twice: error = %v, want ErrBadState", err)
	}
	if err := h.Wake(th); err != nil || th.State != ThreadRunnable {
		t.Errorf("Wake: err %v, state %s", err, th.State)
	}
}
