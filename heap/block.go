package heap

import (
	"sort"
	"strings"
)

// BlockFlags holds the per-block state bits.
type BlockFlags uint8

const (
	// BlockFree is set while the block sits in the pool.
	BlockFree BlockFlags = 1 << iota
	// BlockLarge is set on every block of a multi-block object's run.
	BlockLarge
	// BlockPinned blocks are never handed to another generation.
	BlockPinned
	// BlockMarked is set by the marker when the block holds a live closure.
	BlockMarked
)

func (f BlockFlags) String() string {
	var parts []string
	if f&BlockFree != 0 {
		parts = append(parts, "free")
	}
	if f&BlockLarge != 0 {
		parts = append(parts, "large")
	}
	if f&BlockPinned != 0 {
		parts = append(parts, "pinned")
	}
	if f&BlockMarked != 0 {
		parts = append(parts, "marked")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// NoGen is the owner of a free block.
const NoGen = -1

// Slot is one allocation inside a block. A slot whose Closure is nil is dead
// filler left behind by the sweeper.
type Slot struct {
	Offset  uint32
	Words   uint32
	Closure *Closure
}

// Block is a fixed-size unit of heap memory. Multi-block objects occupy a
// run of blocks; every block of the run records the run head and only the
// head holds the object's slot.
type Block struct {
	ID    BlockID
	Gen   int
	Flags BlockFlags

	// Head is the first block of the run this block belongs to and RunLen
	// the number of blocks in it. Single blocks are their own head with a
	// run length of one.
	Head   BlockID
	RunLen uint32

	// Used counts allocated words, dead filler included. Live counts the
	// words of live closures as of the last sweep.
	Used uint32
	Live uint32

	slots []Slot
	marks []bool
}

func (b *Block) reset() {
	b.Gen = NoGen
	b.Flags = BlockFree
	b.Head = b.ID
	b.RunLen = 1
	b.Used = 0
	b.Live = 0
	b.slots = nil
	b.marks = nil
}

// Has reports whether all bits of f are set.
func (b *Block) Has(f BlockFlags) bool {
	return b.Flags&f == f
}

// IsFree reports whether the block is in the pool.
func (b *Block) IsFree() bool {
	return b.Has(BlockFree)
}

// IsMarked reports whether the marker found a live closure in the block.
func (b *Block) IsMarked() bool {
	return b.Has(BlockMarked)
}

// IsLarge reports whether the block is part of a multi-block run.
func (b *Block) IsLarge() bool {
	return b.Has(BlockLarge)
}

// IsHead reports whether the block starts its run.
func (b *Block) IsHead() bool {
	return b.Head == b.ID
}

// Slots returns the allocations in the block in address order.
func (b *Block) Slots() []Slot {
	out := make([]Slot, len(b.slots))
	copy(out, b.slots)
	return out
}

// NumSlots returns the number of allocations in the block.
func (b *Block) NumSlots() int {
	return len(b.slots)
}

// SlotAt returns slot i.
func (b *Block) SlotAt(i int) Slot {
	return b.slots[i]
}

// SlotMarked reports whether slot i holds a marked closure.
func (b *Block) SlotMarked(i int) bool {
	return b.marks[i]
}

// find returns the index of the slot starting at off, or -1.
func (b *Block) find(off uint32) int {
	i := sort.Search(len(b.slots), func(i int) bool { return b.slots[i].Offset >= off })
	if i < len(b.slots) && b.slots[i].Offset == off {
		return i
	}
	return -1
}

func (b *Block) append(c *Closure, words uint32, marked bool) uint32 {
	off := b.Used
	b.slots = append(b.slots, Slot{Offset: off, Words: words, Closure: c})
	b.marks = append(b.marks, marked)
	b.Used += words
	return off
}

// Mark sets the mark of slot i and of the block. It returns false if the
// slot was already marked.
func (b *Block) Mark(i int) bool {
	if b.marks[i] {
		return false
	}
	b.marks[i] = true
	b.Flags |= BlockMarked
	return true
}

// ClearMarks drops every mark in the block.
func (b *Block) ClearMarks() {
	for i := range b.marks {
		b.marks[i] = false
	}
	b.Flags &^= BlockMarked
}

// KillUnmarked turns every unmarked slot into dead filler and returns the
// closures it dropped along with the live word count.
func (b *Block) KillUnmarked() (dead []*Closure, live uint32) {
	for i := range b.slots {
		s := &b.slots[i]
		if s.Closure == nil {
			continue
		}
		if !b.marks[i] {
			dead = append(dead, s.Closure)
			s.Closure = nil
			continue
		}
		live += s.Words
	}
	b.Live = live
	return dead, live
}
