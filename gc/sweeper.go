package gc

import (
	"github.com/chazu/blockgc/heap"
)

// SweepStats summarizes the sweep of one generation.
type SweepStats struct {
	Gen             int
	FreedBlocks     int
	FreedRuns       int // address-contiguous runs handed back to the pool
	FreedLarge      int // large objects reclaimed
	KeptBlocks      int
	DeadClosures    int
	LiveBytes       uint64
	FragmentedBytes uint64 // dead space left inside kept blocks
}

// Sweeper reclaims the blocks the marker left unmarked.
//
// Reclamation is per block: a block holding any live closure is kept whole
// and its dead space becomes filler. A large object's run is kept or freed
// as a unit.
type Sweeper struct {
	heap *heap.Heap
}

// NewSweeper creates a sweeper for h.
func NewSweeper(h *heap.Heap) *Sweeper {
	return &Sweeper{heap: h}
}

// Sweep reclaims the unmarked blocks of g. Running it twice without a trace
// in between changes nothing the second time. A generation whose marks are
// not the result of a finished trace is left alone.
func (s *Sweeper) Sweep(g *heap.Generation) SweepStats {
	pool := s.heap.Pool()
	stats := SweepStats{Gen: g.Index}
	if !g.MarksValid() {
		stats.KeptBlocks = g.LiveBlocks()
		stats.LiveBytes = g.LiveBytes()
		return stats
	}

	var freed []heap.BlockID
	var keep []heap.BlockID
	var liveWords, usedWords uint64

	for _, id := range g.Blocks() {
		b := pool.Block(id)
		if !b.IsMarked() {
			freed = append(freed, id)
			stats.DeadClosures += s.forgetAll(b)
			continue
		}
		dead, live := b.KillUnmarked()
		s.heap.Forget(dead)
		stats.DeadClosures += len(dead)
		liveWords += uint64(live)
		usedWords += uint64(b.Used)
		keep = append(keep, id)
	}

	var keepLarge []heap.BlockID
	liveBlocks := len(keep)
	for _, id := range g.LargeObjects() {
		head := pool.Block(id)
		if !head.IsMarked() {
			stats.FreedLarge++
			stats.DeadClosures += s.forgetAll(head)
			for _, b := range s.heap.RunBlocks(head) {
				freed = append(freed, b.ID)
			}
			continue
		}
		_, live := head.KillUnmarked()
		liveWords += uint64(live)
		usedWords += uint64(live)
		liveBlocks += int(head.RunLen)
		keepLarge = append(keepLarge, id)
	}

	// Blocks of one generation are coalesced before they go back, so the
	// pool sees whole runs.
	runs := heap.Coalesce(freed)
	for _, r := range runs {
		pool.Free(r)
	}

	g.SetLists(keep, keepLarge)
	g.SetAccounting(liveWords, liveBlocks)

	stats.FreedBlocks = len(freed)
	stats.FreedRuns = len(runs)
	stats.KeptBlocks = liveBlocks
	stats.LiveBytes = heap.BytesOf(liveWords)
	stats.FragmentedBytes = heap.BytesOf(usedWords - liveWords)
	return stats
}

// forgetAll drops every closure of a block about to be freed from the
// heap's side indexes and returns how many there were.
func (s *Sweeper) forgetAll(b *heap.Block) int {
	var dead []*heap.Closure
	for _, slot := range b.Slots() {
		if slot.Closure != nil {
			dead = append(dead, slot.Closure)
		}
	}
	s.heap.Forget(dead)
	return len(dead)
}
