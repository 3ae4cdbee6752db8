package heap

import (
	"sync"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
)

// Options configures a Heap.
type Options struct {
	// BlockWords is the block size in words.
	BlockWords int
	// PoolBlocks is the size of the block arena.
	PoolBlocks int
	// Generations is the number of generations; at least 1.
	Generations int
	// StackChunkWords is the capacity of a fresh stack chunk.
	StackChunkWords int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		BlockWords:      DefaultBlockWords,
		PoolBlocks:      1024,
		Generations:     2,
		StackChunkWords: DefaultStackChunkWords,
	}
}

// Heap ties together the block pool, the generations, the thread registry,
// the static list and the blackhole index.
//
// Mutator-side operations (allocation, writes, blackholing) and collection
// cycles are serialized by the world lock: holding it is what "the world is
// stopped" means.
type Heap struct {
	world sync.Mutex

	opts       Options
	pool       *Pool
	gens       []*Generation
	threads    *ThreadRegistry
	statics    *StaticList
	blackholes mapset.Set[Addr]
}

// New creates an empty heap.
func New(opts Options) *Heap {
	def := DefaultOptions()
	if opts.BlockWords <= 0 {
		opts.BlockWords = def.BlockWords
	}
	if opts.PoolBlocks <= 0 {
		opts.PoolBlocks = def.PoolBlocks
	}
	if opts.Generations <= 0 {
		opts.Generations = def.Generations
	}
	if opts.StackChunkWords <= 0 {
		opts.StackChunkWords = def.StackChunkWords
	}
	h := &Heap{
		opts:       opts,
		pool:       NewPool(opts.PoolBlocks, opts.BlockWords),
		threads:    NewThreadRegistry(),
		statics:    NewStaticList(),
		blackholes: mapset.NewThreadUnsafeSet[Addr](),
	}
	for i := 0; i < opts.Generations; i++ {
		h.gens = append(h.gens, newGeneration(i))
	}
	return h
}

// Lock stops the world.
func (h *Heap) Lock() { h.world.Lock() }

// Unlock resumes the world.
func (h *Heap) Unlock() { h.world.Unlock() }

// Options returns the effective options.
func (h *Heap) Options() Options { return h.opts }

// BlockWords returns the block size in words.
func (h *Heap) BlockWords() int { return h.opts.BlockWords }

// Pool returns the block pool.
func (h *Heap) Pool() *Pool { return h.pool }

// Threads returns the thread registry.
func (h *Heap) Threads() *ThreadRegistry { return h.threads }

// Statics returns the static object list.
func (h *Heap) Statics() *StaticList { return h.statics }

// NumGenerations returns the number of generations.
func (h *Heap) NumGenerations() int { return len(h.gens) }

// Generation returns generation i, or nil if out of range.
func (h *Heap) Generation(i int) *Generation {
	if i < 0 || i >= len(h.gens) {
		return nil
	}
	return h.gens[i]
}

// Generations returns every generation, youngest first.
func (h *Heap) Generations() []*Generation {
	out := make([]*Generation, len(h.gens))
	copy(out, h.gens)
	return out
}

// ---------------------------------------------------------------------------
// Addressing
// ---------------------------------------------------------------------------

// Locate resolves a heap address to the block and slot holding the closure
// that starts there. ok is false for statics, free blocks, tail blocks of a
// run, addresses inside an object and dead filler.
func (h *Heap) Locate(a Addr) (b *Block, slot int, ok bool) {
	if !a.IsHeap() {
		return nil, -1, false
	}
	id, off := splitAddr(h.opts.BlockWords, a)
	b = h.pool.Block(id)
	if b == nil || b.IsFree() || !b.IsHead() {
		return nil, -1, false
	}
	slot = b.find(off)
	if slot < 0 || b.slots[slot].Closure == nil {
		return b, -1, false
	}
	return b, slot, true
}

// Lookup returns the live closure at a, or nil.
func (h *Heap) Lookup(a Addr) *Closure {
	if a.IsStatic() {
		return h.statics.Lookup(a)
	}
	b, slot, ok := h.Locate(a)
	if !ok {
		return nil
	}
	return b.slots[slot].Closure
}

// GenerationOf returns the generation owning the block at a, or NoGen for
// statics and unowned memory.
func (h *Heap) GenerationOf(a Addr) int {
	if !a.IsHeap() {
		return NoGen
	}
	id, _ := splitAddr(h.opts.BlockWords, a)
	b := h.pool.Block(id)
	if b == nil || b.IsFree() {
		return NoGen
	}
	return b.Gen
}

// BlockOf returns the block containing a, free or not.
func (h *Heap) BlockOf(a Addr) *Block {
	if !a.IsHeap() {
		return nil
	}
	id, _ := splitAddr(h.opts.BlockWords, a)
	return h.pool.Block(id)
}

// BlockStart returns the address of the first word of block id.
func (h *Heap) BlockStart(id BlockID) Addr {
	return blockAddr(h.opts.BlockWords, id, 0)
}

// RunBlocks returns every block of the run headed by head.
func (h *Heap) RunBlocks(head *Block) []*Block {
	out := make([]*Block, 0, head.RunLen)
	for id := head.ID; id < head.ID+BlockID(head.RunLen); id++ {
		out = append(out, h.pool.Block(id))
	}
	return out
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate places a new closure in generation gen and returns its address.
// Objects larger than a block get a run of their own on the large-object
// list.
func (h *Heap) Allocate(gen int, hdr Header, fields []Addr, words []uint64) (Addr, error) {
	g := h.Generation(gen)
	if g == nil {
		return Nil, errors.Wrapf(ErrNoSuchGeneration, "allocate in %d", gen)
	}
	size, err := hdr.Info()
	if err != nil {
		return Nil, err
	}
	if len(fields) != int(hdr.Ptrs) {
		return Nil, errors.Newf("allocate %s: %d fields for %d pointers", hdr.Kind, len(fields), hdr.Ptrs)
	}
	c := &Closure{
		Header: hdr,
		Fields: append([]Addr(nil), fields...),
		Words:  append([]uint64(nil), words...),
	}
	if size > h.opts.BlockWords {
		return h.allocateLarge(g, c, size)
	}

	var b *Block
	if g.current != NoBlock {
		b = h.pool.Block(g.current)
		if int(b.Used)+size > h.opts.BlockWords {
			b = nil
		}
	}
	if b == nil {
		run, err := h.pool.Alloc(1)
		if err != nil {
			return Nil, err
		}
		b = h.pool.Block(run.Start)
		b.Gen = g.Index
		if g.marksValid {
			b.Flags |= BlockMarked
		}
		g.blocks = append(g.blocks, b.ID)
		g.current = b.ID
		g.liveBlocks++
	}
	off := b.append(c, uint32(size), g.marksValid)
	c.Addr = blockAddr(h.opts.BlockWords, b.ID, off)
	g.liveWords += uint64(size)
	h.barrier(g, c)
	return c.Addr, nil
}

func (h *Heap) allocateLarge(g *Generation, c *Closure, size int) (Addr, error) {
	n := (size + h.opts.BlockWords - 1) / h.opts.BlockWords
	run, err := h.pool.Alloc(n)
	if err != nil {
		return Nil, err
	}
	for id := run.Start; id < run.End(); id++ {
		b := h.pool.Block(id)
		b.Gen = g.Index
		b.Flags |= BlockLarge
		if g.marksValid {
			b.Flags |= BlockMarked
		}
	}
	head := h.pool.Block(run.Start)
	head.append(c, uint32(size), g.marksValid)
	c.Addr = blockAddr(h.opts.BlockWords, head.ID, 0)
	g.large = append(g.large, head.ID)
	g.liveWords += uint64(size)
	g.liveBlocks += n
	h.barrier(g, c)
	return c.Addr, nil
}

// AllocateStatic places a closure in the static area and links it on the
// static object list.
func (h *Heap) AllocateStatic(hdr Header, fields []Addr, words []uint64) (Addr, error) {
	if _, err := hdr.Info(); err != nil {
		return Nil, err
	}
	if len(fields) != int(hdr.Ptrs) {
		return Nil, errors.Newf("allocate static %s: %d fields for %d pointers", hdr.Kind, len(fields), hdr.Ptrs)
	}
	c := &Closure{
		Header: hdr,
		Fields: append([]Addr(nil), fields...),
		Words:  append([]uint64(nil), words...),
	}
	return h.statics.Add(c), nil
}

// ---------------------------------------------------------------------------
// Mutation
// ---------------------------------------------------------------------------

// WriteField stores target into pointer field i of the mutable closure at a.
func (h *Heap) WriteField(a Addr, i int, target Addr) error {
	c := h.Lookup(a)
	if c == nil {
		return errors.Wrapf(ErrNoSuchClosure, "write %s", a)
	}
	if !c.Mutable() {
		return errors.Wrapf(ErrBadState, "write to immutable %s", c)
	}
	if i < 0 || i >= len(c.Fields) {
		return errors.Newf("write %s: field %d out of range", c, i)
	}
	c.Fields[i] = target
	if g := h.Generation(h.GenerationOf(a)); g != nil {
		h.barrier(g, c)
	}
	return nil
}

// barrier records c in its generation's remembered set if it points into a
// younger generation. Mutable closures pass through here on every write.
// Immutable ones pass through when they are created, promoted or updated in
// place, which are the only times an old immutable closure can gain a young
// pointer.
func (h *Heap) barrier(g *Generation, c *Closure) {
	if h.PointsYounger(c, g.Index) {
		g.remember(c.Addr)
	}
}

// PointsYounger reports whether any pointer field of c refers to a closure
// in a generation younger than gen.
func (h *Heap) PointsYounger(c *Closure, gen int) bool {
	for _, f := range c.Fields {
		if tg := h.GenerationOf(f); tg != NoGen && tg < gen {
			return true
		}
	}
	return false
}

// Promote moves the block (or large run) id into generation to. Closures in
// it that now point into a younger generation are remembered by their new
// owner and forgotten by the old one.
func (h *Heap) Promote(id BlockID, to int) error {
	dst := h.Generation(to)
	if dst == nil {
		return errors.Wrapf(ErrNoSuchGeneration, "promote to %d", to)
	}
	b := h.pool.Block(id)
	if b == nil || b.IsFree() || !b.IsHead() {
		return errors.Wrapf(ErrBadState, "promote block %d: not an owned run head", id)
	}
	if b.Has(BlockPinned) {
		return errors.Wrapf(ErrBadState, "promote block %d: pinned", id)
	}
	src := h.Generation(b.Gen)
	if src == dst {
		return nil
	}
	large := b.IsLarge()
	src.removeBlock(id)

	var words uint64
	for _, s := range b.slots {
		if s.Closure != nil {
			words += uint64(s.Words)
		}
	}
	for _, rb := range h.RunBlocks(b) {
		rb.Gen = to
	}
	if large {
		dst.large = append(dst.large, id)
	} else {
		dst.blocks = append(dst.blocks, id)
	}
	src.liveWords -= min(words, src.liveWords)
	src.liveBlocks -= min(int(b.RunLen), src.liveBlocks)
	dst.liveWords += words
	dst.liveBlocks += int(b.RunLen)

	for _, s := range b.slots {
		if s.Closure == nil {
			continue
		}
		src.forget(s.Closure.Addr)
		h.barrier(dst, s.Closure)
	}
	// Pointers into the moved block may no longer cross generations.
	for _, g := range h.gens {
		g.remsetFresh = false
	}
	return nil
}

// Pin keeps the run headed by id in its generation.
func (h *Heap) Pin(id BlockID) {
	if b := h.pool.Block(id); b != nil {
		for _, rb := range h.RunBlocks(b) {
			rb.Flags |= BlockPinned
		}
	}
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

// NewThread creates a runnable thread whose thread object lives in gen.
func (h *Heap) NewThread(gen int) (*Thread, error) {
	id := h.threads.NextID()
	tso, err := h.Allocate(gen, NewHeader(KindThread, 0, 2), nil, []uint64{uint64(id), 0})
	if err != nil {
		return nil, err
	}
	h.Lookup(tso).Thread = id
	t := &Thread{
		ID:    id,
		State: ThreadRunnable,
		TSO:   tso,
		Stack: NewStack(h.opts.StackChunkWords),
	}
	h.threads.Register(t)
	return t, nil
}

// registered returns ErrNoSuchThread unless t is the thread the registry
// holds under its ID.
func (h *Heap) registered(t *Thread) error {
	if t == nil {
		return errors.Wrap(ErrNoSuchThread, "nil thread")
	}
	if h.threads.Get(t.ID) != t {
		return errors.Wrapf(ErrNoSuchThread, "thread %d", t.ID)
	}
	return nil
}

// ThreadOf returns the registered thread behind a thread object.
func (h *Heap) ThreadOf(tso Addr) *Thread {
	c := h.Lookup(tso)
	if c == nil || c.Header.Kind != KindThread {
		return nil
	}
	t := h.threads.Get(c.Thread)
	if t == nil || t.TSO != tso {
		return nil
	}
	return t
}

// BlockOnIO parks a runnable thread on I/O.
func (h *Heap) BlockOnIO(t *Thread) error {
	if err := h.registered(t); err != nil {
		return err
	}
	if t.State != ThreadRunnable {
		return errors.Wrapf(ErrBadState, "block %s on io", t)
	}
	t.State = ThreadBlockedOnIO
	return nil
}

// Wake makes a thread blocked on I/O runnable again.
func (h *Heap) Wake(t *Thread) error {
	if err := h.registered(t); err != nil {
		return err
	}
	if t.State != ThreadBlockedOnIO {
		return errors.Wrapf(ErrBadState, "wake %s", t)
	}
	t.State = ThreadRunnable
	return nil
}

// Finish terminates a thread with state Complete or Killed. The thread stays
// registered until a collection finds its thread object unreachable.
func (h *Heap) Finish(t *Thread, state ThreadState) error {
	if err := h.registered(t); err != nil {
		return err
	}
	if !state.Finished() {
		return errors.Wrapf(ErrBadState, "finish %s as %s", t, state)
	}
	if t.State == ThreadBlockedOnBlackhole {
		if bh := h.Lookup(t.BlockedOn); bh != nil && bh.Queue != nil {
			bh.Queue.Remove(t.ID)
		}
	}
	t.State = state
	t.BlockedOn = Nil
	t.Stack.Reset()
	return nil
}

// ---------------------------------------------------------------------------
// Blackholes
// ---------------------------------------------------------------------------

// Blackhole claims the thunk at a for evaluation by t: the thunk is
// rewritten in place into a blackhole owned by t and an update frame for it
// is pushed on t's stack.
func (h *Heap) Blackhole(a Addr, t *Thread) error {
	if err := h.registered(t); err != nil {
		return err
	}
	c := h.Lookup(a)
	if c == nil {
		return errors.Wrapf(ErrNoSuchClosure, "blackhole %s", a)
	}
	if c.Header.Kind != KindThunk {
		return errors.Wrapf(ErrBadState, "blackhole %s: not a thunk", c)
	}
	c.Header = NewHeader(KindBlackhole, 1, 0)
	c.Fields = []Addr{t.TSO}
	c.Words = nil
	c.Queue = &BlockingQueue{}
	t.Stack.Push(UpdateFrame(a))
	h.blackholes.Add(a)
	if g := h.Generation(h.GenerationOf(a)); g != nil {
		h.barrier(g, c)
	}
	return nil
}

// BlockOn parks a runnable thread on the blackhole at bh.
func (h *Heap) BlockOn(t *Thread, bh Addr) error {
	if err := h.registered(t); err != nil {
		return err
	}
	c := h.Lookup(bh)
	if c == nil || c.Header.Kind != KindBlackhole {
		return errors.Wrapf(ErrBadState, "block %s on %s: not a blackhole", t, bh)
	}
	if t.State != ThreadRunnable {
		return errors.Wrapf(ErrBadState, "block %s on %s", t, bh)
	}
	t.State = ThreadBlockedOnBlackhole
	t.BlockedOn = bh
	c.Queue.Push(t.ID)
	return nil
}

// Resolve finishes the evaluation behind the blackhole at bh: the blackhole
// becomes an indirection to value, the owner's update frame is popped and
// every waiter is made runnable. It returns the woken threads.
//
// A live owner must have the update frame for bh on top of its stack, so
// evaluations nested inside it have to be resolved first. A finished owner
// has no frames left to pop.
func (h *Heap) Resolve(bh Addr, value Addr) ([]ThreadID, error) {
	c := h.Lookup(bh)
	if c == nil || c.Header.Kind != KindBlackhole {
		return nil, errors.Wrapf(ErrBadState, "resolve %s: not a blackhole", bh)
	}
	if value == Nil {
		return nil, errors.Wrapf(ErrBadState, "resolve %s to nil", bh)
	}
	if owner := h.ThreadOf(c.Fields[0]); owner != nil && !owner.State.Finished() {
		top, ok := owner.Stack.Top()
		if !ok || top.Kind != FrameUpdate || len(top.Ptrs) != 1 || top.Ptrs[0] != bh {
			return nil, errors.Wrapf(ErrBadState, "resolve %s: top frame of %s is %s", bh, owner, top.Kind)
		}
		owner.Stack.Pop()
	}
	woken := c.Queue.Members()
	for _, id := range woken {
		if t := h.threads.Get(id); t != nil && t.BlockedOn == bh {
			t.State = ThreadRunnable
			t.BlockedOn = Nil
		}
	}
	c.Header = NewHeader(KindIndirection, 1, 0)
	c.Fields = []Addr{value}
	c.Queue = nil
	h.blackholes.Remove(bh)
	if g := h.Generation(h.GenerationOf(bh)); g != nil {
		// The entry for the owner pointer is stale; the value may need one.
		g.forget(bh)
		g.remsetFresh = false
		h.barrier(g, c)
	}
	return woken, nil
}

// Blackholes returns the addresses of every unresolved blackhole, sorted.
func (h *Heap) Blackholes() []Addr {
	return sortedAddrs(h.blackholes)
}

// Forget drops reclaimed closures from the heap's side indexes.
func (h *Heap) Forget(dead []*Closure) {
	for _, c := range dead {
		h.blackholes.Remove(c.Addr)
	}
}
