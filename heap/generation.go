package heap

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Generation is one age-based partition of the heap. Index 0 is the
// youngest generation.
type Generation struct {
	Index int

	blocks []BlockID // small-object blocks, in allocation order
	large  []BlockID // head blocks of multi-block objects
	remset mapset.Set[Addr]

	liveWords  uint64
	liveBlocks int

	current BlockID // block receiving small allocations, or NoBlock

	// marksValid is set once a trace has finished for this generation and
	// stays set until the next trace clears the marks. While it holds, new
	// allocations are born marked.
	marksValid bool

	// remsetFresh is set when the marker rebuilt the remembered set and no
	// write has touched the generation since.
	remsetFresh bool
}

func newGeneration(i int) *Generation {
	return &Generation{Index: i, current: NoBlock, remset: mapset.NewThreadUnsafeSet[Addr]()}
}

// Blocks returns a copy of the small-object block list.
func (g *Generation) Blocks() []BlockID {
	out := make([]BlockID, len(g.blocks))
	copy(out, g.blocks)
	return out
}

// LargeObjects returns a copy of the large-object list (run heads).
func (g *Generation) LargeObjects() []BlockID {
	out := make([]BlockID, len(g.large))
	copy(out, g.large)
	return out
}

// RememberedSet returns the remembered set in address order.
func (g *Generation) RememberedSet() []Addr {
	return sortedAddrs(g.remset)
}

// InRememberedSet reports whether a is recorded in the remembered set.
func (g *Generation) InRememberedSet(a Addr) bool {
	return g.remset.Contains(a)
}

// SetRememberedSet replaces the remembered set with a rebuilt one.
func (g *Generation) SetRememberedSet(set []Addr) {
	g.remset = mapset.NewThreadUnsafeSet[Addr](set...)
	g.remsetFresh = true
}

// RememberedSetFresh reports whether the remembered set is exactly the one
// the last trace built.
func (g *Generation) RememberedSetFresh() bool {
	return g.remsetFresh
}

func (g *Generation) remember(a Addr) {
	g.remsetFresh = false
	g.remset.Add(a)
}

func (g *Generation) forget(a Addr) {
	g.remset.Remove(a)
}

func sortedAddrs(set mapset.Set[Addr]) []Addr {
	out := set.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LiveBytes is the live byte count computed by the last sweep, plus
// everything allocated since.
func (g *Generation) LiveBytes() uint64 {
	return BytesOf(g.liveWords)
}

// LiveWords is LiveBytes in words.
func (g *Generation) LiveWords() uint64 {
	return g.liveWords
}

// LiveBlocks counts the blocks owned by the generation after the last sweep,
// plus blocks drawn since.
func (g *Generation) LiveBlocks() int {
	return g.liveBlocks
}

// SetAccounting stores the counters computed by a sweep.
func (g *Generation) SetAccounting(liveWords uint64, liveBlocks int) {
	g.liveWords = liveWords
	g.liveBlocks = liveBlocks
}

// SetLists replaces the block lists after a sweep.
func (g *Generation) SetLists(blocks, large []BlockID) {
	g.blocks = blocks
	g.large = large
	if g.current != NoBlock && !containsBlock(blocks, g.current) {
		g.current = NoBlock
	}
}

// MarksValid reports whether marks in this generation reflect a finished trace.
func (g *Generation) MarksValid() bool {
	return g.marksValid
}

// SetMarksValid is called by the marker when it clears (false) and when it
// completes (true) a trace of this generation.
func (g *Generation) SetMarksValid(v bool) {
	g.marksValid = v
}

// Owns reports whether block id is on one of the generation's lists.
func (g *Generation) Owns(id BlockID) bool {
	return containsBlock(g.blocks, id) || containsBlock(g.large, id)
}

func (g *Generation) removeBlock(id BlockID) {
	g.blocks = deleteBlock(g.blocks, id)
	g.large = deleteBlock(g.large, id)
	if g.current == id {
		g.current = NoBlock
	}
}

func containsBlock(list []BlockID, id BlockID) bool {
	for _, b := range list {
		if b == id {
			return true
		}
	}
	return false
}

func deleteBlock(list []BlockID, id BlockID) []BlockID {
	for i, b := range list {
		if b == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
