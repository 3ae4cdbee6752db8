package heap

import "fmt"

// Addr is a word address. Closures are identified by the address of their
// header word and are never relocated.
type Addr uint64

// Nil is the null address.
const Nil Addr = 0

const (
	// WordSize is the size of a heap word in bytes.
	WordSize = 8

	// HeaderWords is the number of words taken by a closure or frame header.
	HeaderWords = 1

	// StaticBase is the first address handed out to static closures.
	StaticBase Addr = 0x100

	// HeapBase is the address of word 0 of block 0. Everything below it and
	// at or above StaticBase belongs to the static area.
	HeapBase Addr = 0x100000

	// DefaultBlockWords is the block size used when Options leave it unset.
	DefaultBlockWords = 512
)

// IsStatic reports whether a lies in the static area.
func (a Addr) IsStatic() bool {
	return a >= StaticBase && a < HeapBase
}

// IsHeap reports whether a lies in the block area.
func (a Addr) IsHeap() bool {
	return a >= HeapBase
}

func (a Addr) String() string {
	if a == Nil {
		return "nil"
	}
	return fmt.Sprintf("%#x", uint64(a))
}

// BlockID numbers a block in the pool arena.
type BlockID uint32

// NoBlock is used where a block ID is optional.
const NoBlock = ^BlockID(0)

// blockAddr returns the address of word off within block b.
func blockAddr(blockWords int, b BlockID, off uint32) Addr {
	return HeapBase + Addr(b)*Addr(blockWords) + Addr(off)
}

// splitAddr is the inverse of blockAddr.
func splitAddr(blockWords int, a Addr) (BlockID, uint32) {
	rel := a - HeapBase
	return BlockID(rel / Addr(blockWords)), uint32(rel % Addr(blockWords))
}

// BytesOf converts a word count to bytes.
func BytesOf(words uint64) uint64 {
	return words * WordSize
}
