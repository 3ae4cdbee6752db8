package heap

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

// Run is a range of contiguous blocks.
type Run struct {
	Start BlockID
	Len   int
}

// End returns the block just past the run.
func (r Run) End() BlockID {
	return r.Start + BlockID(r.Len)
}

// Pool owns the block arena. Free blocks are kept as maximal runs in a tree
// ordered by start block so that allocation is first fit by address and a
// freed run can find its neighbours.
//
// The pool is only touched with the world stopped: by the allocator when a
// generation needs blocks and by the sweeper when it returns them.
type Pool struct {
	blockWords int
	blocks     []Block
	free       *redblacktree.Tree // start block (int) -> run length (int)
	freeBlocks int
}

// NewPool creates a pool of n blocks of blockWords words each, all free.
func NewPool(n, blockWords int) *Pool {
	if blockWords <= 0 {
		blockWords = DefaultBlockWords
	}
	p := &Pool{
		blockWords: blockWords,
		blocks:     make([]Block, n),
		free:       redblacktree.NewWith(utils.IntComparator),
	}
	for i := range p.blocks {
		p.blocks[i].ID = BlockID(i)
		p.blocks[i].reset()
	}
	if n > 0 {
		p.free.Put(0, n)
		p.freeBlocks = n
	}
	return p
}

// BlockWords returns the block size in words.
func (p *Pool) BlockWords() int {
	return p.blockWords
}

// NumBlocks returns the arena size in blocks.
func (p *Pool) NumBlocks() int {
	return len(p.blocks)
}

// FreeBlocks returns the number of blocks currently in the pool.
func (p *Pool) FreeBlocks() int {
	return p.freeBlocks
}

// Block returns block id, or nil if id is outside the arena.
func (p *Pool) Block(id BlockID) *Block {
	if int(id) >= len(p.blocks) {
		return nil
	}
	return &p.blocks[id]
}

// Alloc withdraws the lowest-addressed run of n contiguous free blocks.
func (p *Pool) Alloc(n int) (Run, error) {
	if n <= 0 {
		return Run{}, errors.Newf("pool: invalid block count %d", n)
	}
	it := p.free.Iterator()
	for it.Next() {
		start, length := it.Key().(int), it.Value().(int)
		if length < n {
			continue
		}
		p.free.Remove(start)
		if length > n {
			p.free.Put(start+n, length-n)
		}
		p.freeBlocks -= n
		run := Run{Start: BlockID(start), Len: n}
		for id := run.Start; id < run.End(); id++ {
			b := &p.blocks[id]
			b.Flags &^= BlockFree
			b.Head = run.Start
			b.RunLen = 1
		}
		p.blocks[run.Start].RunLen = uint32(n)
		return run, nil
	}
	return Run{}, errors.Wrapf(ErrPoolExhausted, "need %d contiguous blocks, %d free", n, p.freeBlocks)
}

// Free returns a run to the pool, merging it with free runs that touch it on
// either side. It returns the merged run.
func (p *Pool) Free(run Run) Run {
	for id := run.Start; id < run.End(); id++ {
		p.blocks[id].reset()
	}
	p.freeBlocks += run.Len

	merged := run
	if node, ok := p.free.Floor(int(run.Start)); ok {
		start, length := node.Key.(int), node.Value.(int)
		if BlockID(start+length) == run.Start {
			p.free.Remove(start)
			merged.Start = BlockID(start)
			merged.Len += length
		}
	}
	if v, ok := p.free.Get(int(run.End())); ok {
		p.free.Remove(int(run.End()))
		merged.Len += v.(int)
	}
	p.free.Put(int(merged.Start), merged.Len)
	return merged
}

// FreeRuns returns the free runs in address order.
func (p *Pool) FreeRuns() []Run {
	runs := make([]Run, 0, p.free.Size())
	it := p.free.Iterator()
	for it.Next() {
		runs = append(runs, Run{Start: BlockID(it.Key().(int)), Len: it.Value().(int)})
	}
	return runs
}

// IsFreeRun reports whether every block of run is in the pool.
func (p *Pool) IsFreeRun(run Run) bool {
	for id := run.Start; id < run.End(); id++ {
		if b := p.Block(id); b == nil || !b.IsFree() {
			return false
		}
	}
	return true
}

// Coalesce groups block IDs into maximal address-contiguous runs.
func Coalesce(ids []BlockID) []Run {
	if len(ids) == 0 {
		return nil
	}
	sorted := make([]BlockID, len(ids))
	copy(sorted, ids)
	slices.Sort(sorted)

	var runs []Run
	cur := Run{Start: sorted[0], Len: 1}
	for _, id := range sorted[1:] {
		if id == cur.End() {
			cur.Len++
			continue
		}
		runs = append(runs, cur)
		cur = Run{Start: id, Len: 1}
	}
	return append(runs, cur)
}
