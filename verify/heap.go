package verify

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/chazu/blockgc/heap"
)

// CheckClosure verifies a single closure and returns its size in words:
// its header must decode, its fields must match the layout, its size must
// match the words allocated for it, and every pointer field must refer to
// memory the heap currently owns.
func (v *Verifier) CheckClosure(c *heap.Closure) (int, error) {
	size, err := c.Header.Info()
	if err != nil {
		return 0, closureViolationf(InvClosureKind, c, "%v", err)
	}
	if len(c.Fields) != int(c.Header.Ptrs) || len(c.Words) != int(c.Header.NonPtrs) {
		return 0, closureViolationf(InvClosureLayout, c,
			"header says %d+%d words, closure has %d pointers and %d words",
			c.Header.Ptrs, c.Header.NonPtrs, len(c.Fields), len(c.Words))
	}

	if c.Addr.IsHeap() {
		b, slot, ok := v.heap.Locate(c.Addr)
		if !ok {
			return 0, closureViolationf(InvClosurePointer, c, "closure address is not an allocated slot")
		}
		allocated := int(b.SlotAt(slot).Words)
		switch c.Header.Kind {
		case heap.KindBlackhole, heap.KindIndirection:
			// Rewritten thunks keep their original slot; the tail is slop.
			if size > allocated {
				return 0, closureViolationf(InvClosureSize, c, "size %d exceeds allocated %d", size, allocated)
			}
		default:
			if size != allocated {
				return 0, closureViolationf(InvClosureSize, c, "size %d, allocated %d", size, allocated)
			}
		}
	}

	for i, f := range c.Fields {
		if !v.validPointer(f) {
			return 0, closureViolationf(InvClosurePointer, c, "field %d points to unowned memory %s", i, f)
		}
	}

	switch c.Header.Kind {
	case heap.KindThread:
		if c.Thread == 0 {
			return 0, closureViolationf(InvClosureLayout, c, "thread object without thread id")
		}
	case heap.KindBlackhole:
		if c.Queue == nil {
			return 0, closureViolationf(InvClosureLayout, c, "blackhole without blocking queue")
		}
		owner := v.heap.Lookup(c.Fields[0])
		if owner == nil || owner.Header.Kind != heap.KindThread {
			return 0, closureViolationf(InvClosurePointer, c, "blackhole owner %s is not a thread", c.Fields[0])
		}
	case heap.KindIndirection:
		if c.Fields[0] == heap.Nil {
			return 0, closureViolationf(InvClosurePointer, c, "indirection to nil")
		}
	}
	return size, nil
}

// CheckBlock walks the slots of an owned block and checks every live
// closure in it. Slots must tile the used part of the block exactly.
func (v *Verifier) CheckBlock(b *heap.Block) error {
	at := v.blockAddr(b)
	if b.IsFree() {
		return violationf(InvBlockOwner, at, "block %d is on a generation list but free", b.ID)
	}
	if v.heap.Generation(b.Gen) == nil {
		return violationf(InvBlockOwner, at, "block %d owned by unknown generation %d", b.ID, b.Gen)
	}
	if !b.IsLarge() && int(b.Used) > v.heap.BlockWords() {
		return violationf(InvBlockLayout, at, "block %d uses %d of %d words", b.ID, b.Used, v.heap.BlockWords())
	}

	var next uint32
	for i := 0; i < b.NumSlots(); i++ {
		s := b.SlotAt(i)
		if s.Offset != next {
			return violationf(InvBlockLayout, at, "block %d slot %d at offset %d, expected %d", b.ID, i, s.Offset, next)
		}
		next += s.Words
		if s.Closure == nil {
			continue
		}
		if _, err := v.CheckClosure(s.Closure); err != nil {
			return err
		}
	}
	if next != b.Used {
		return violationf(InvBlockLayout, at, "block %d slots cover %d words, used is %d", b.ID, next, b.Used)
	}
	return nil
}

// CheckHeap checks every small-object block of generation gen.
func (v *Verifier) CheckHeap(gen int) error {
	g := v.heap.Generation(gen)
	if g == nil {
		return violationf(InvBlockOwner, heap.Nil, "no generation %d", gen)
	}
	pool := v.heap.Pool()
	for _, id := range g.Blocks() {
		b := pool.Block(id)
		if b == nil {
			return violationf(InvBlockOwner, heap.Nil, "generation %d lists block %d outside the arena", gen, id)
		}
		if b.Gen != gen {
			return violationf(InvBlockOwner, v.blockAddr(b), "block %d on generation %d's list is owned by %d", id, gen, b.Gen)
		}
		if b.IsLarge() {
			return violationf(InvBlockOwner, v.blockAddr(b), "large block %d on the small-object list", id)
		}
		if err := v.CheckBlock(b); err != nil {
			return err
		}
	}
	return nil
}

// CheckLargeObjects checks the large-object list of generation gen: every
// block of a run belongs to the run, to the generation, and agrees with the
// head about being live.
func (v *Verifier) CheckLargeObjects(gen int) error {
	g := v.heap.Generation(gen)
	if g == nil {
		return violationf(InvBlockOwner, heap.Nil, "no generation %d", gen)
	}
	pool := v.heap.Pool()
	bw := v.heap.BlockWords()
	for _, id := range g.LargeObjects() {
		head := pool.Block(id)
		if head == nil {
			return violationf(InvLargeRun, heap.Nil, "generation %d lists block %d outside the arena", gen, id)
		}
		at := v.blockAddr(head)
		if !head.IsHead() || !head.IsLarge() {
			return violationf(InvLargeRun, at, "block %d is not the head of a large run", id)
		}
		if int(head.ID)+int(head.RunLen) > pool.NumBlocks() {
			return violationf(InvLargeRun, at, "run %d+%d overruns the arena", id, head.RunLen)
		}
		if head.NumSlots() != 1 {
			return violationf(InvLargeRun, at, "large run %d holds %d slots", id, head.NumSlots())
		}
		if c := head.SlotAt(0).Closure; c != nil {
			size := int(head.SlotAt(0).Words)
			if size > int(head.RunLen)*bw || size <= int(head.RunLen-1)*bw {
				return violationf(InvLargeRun, at, "object of %d words in a run of %d blocks", size, head.RunLen)
			}
		}
		for _, b := range v.heap.RunBlocks(head) {
			switch {
			case b.IsFree():
				return violationf(InvLargeRun, at, "block %d of run %d is free", b.ID, id)
			case b.Head != head.ID || !b.IsLarge():
				return violationf(InvLargeRun, at, "block %d does not belong to run %d", b.ID, id)
			case b.Gen != gen:
				return violationf(InvLargeRun, at, "block %d of run %d owned by generation %d", b.ID, id, b.Gen)
			case g.MarksValid() && b.IsMarked() != head.IsMarked():
				return violationf(InvLargeRun, at, "block %d of run %d disagrees with the head on liveness", b.ID, id)
			}
		}
		if err := v.CheckBlock(head); err != nil {
			return err
		}
	}
	return nil
}

// CheckOwnership checks that every listed block appears on exactly one
// generation list and that no free block is listed.
func (v *Verifier) CheckOwnership() error {
	owned := mapset.NewThreadUnsafeSet[heap.BlockID]()
	pool := v.heap.Pool()
	for _, g := range v.heap.Generations() {
		lists := [][]heap.BlockID{g.Blocks(), g.LargeObjects()}
		for _, list := range lists {
			for _, id := range list {
				b := pool.Block(id)
				if b == nil {
					return violationf(InvBlockOwner, heap.Nil, "generation %d lists block %d outside the arena", g.Index, id)
				}
				if !owned.Add(id) {
					return violationf(InvBlockOwner, v.blockAddr(b), "block %d is listed twice", id)
				}
				if b.IsFree() {
					return violationf(InvBlockOwner, v.blockAddr(b), "free block %d listed by generation %d", id, g.Index)
				}
			}
		}
	}
	return nil
}

func (v *Verifier) blockAddr(b *heap.Block) heap.Addr {
	return v.heap.BlockStart(b.ID)
}
