// Package snapshot captures the observable state of a heap as a plain value
// tree and serializes it with canonical CBOR. Two snapshots of the same heap
// state encode to identical bytes, so a snapshot doubles as a fingerprint.
package snapshot

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/blockgc/heap"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is the state of a heap at one point in time.
type Snapshot struct {
	BlockWords  int          `cbor:"1,keyasint"`
	Generations []Generation `cbor:"2,keyasint"`
	FreeRuns    []Run        `cbor:"3,keyasint"`
	Statics     []Closure    `cbor:"4,keyasint"`
	Threads     []Thread     `cbor:"5,keyasint"`
	Blackholes  []uint64     `cbor:"6,keyasint"`
}

// Generation records one generation's lists and accounting.
type Generation struct {
	Index         int      `cbor:"1,keyasint"`
	Blocks        []Block  `cbor:"2,keyasint"`
	Large         []Block  `cbor:"3,keyasint"`
	RememberedSet []uint64 `cbor:"4,keyasint"`
	LiveWords     uint64   `cbor:"5,keyasint"`
	LiveBlocks    int      `cbor:"6,keyasint"`
	MarksValid    bool     `cbor:"7,keyasint"`
}

// Block records a block and the closures it holds.
type Block struct {
	ID     uint32 `cbor:"1,keyasint"`
	Flags  uint8  `cbor:"2,keyasint"`
	RunLen uint32 `cbor:"3,keyasint"`
	Used   uint32 `cbor:"4,keyasint"`
	Slots  []Slot `cbor:"5,keyasint"`
}

// Slot is a closure or dead filler inside a block.
type Slot struct {
	Offset  uint32   `cbor:"1,keyasint"`
	Words   uint32   `cbor:"2,keyasint"`
	Marked  bool     `cbor:"3,keyasint"`
	Closure *Closure `cbor:"4,keyasint,omitempty"`
}

// Closure records a closure's header and contents.
type Closure struct {
	Addr    uint64   `cbor:"1,keyasint"`
	Kind    string   `cbor:"2,keyasint"`
	Ptrs    uint32   `cbor:"3,keyasint"`
	NonPtrs uint32   `cbor:"4,keyasint"`
	Fields  []uint64 `cbor:"5,keyasint"`
	Words   []uint64 `cbor:"6,keyasint"`
	Thread  uint64   `cbor:"7,keyasint,omitempty"`
	Queue   []uint64 `cbor:"8,keyasint,omitempty"`
}

// Run is a free run of the pool.
type Run struct {
	Start uint32 `cbor:"1,keyasint"`
	Len   int    `cbor:"2,keyasint"`
}

// Thread records a registered thread and its stack.
type Thread struct {
	ID        uint64  `cbor:"1,keyasint"`
	State     string  `cbor:"2,keyasint"`
	TSO       uint64  `cbor:"3,keyasint"`
	BlockedOn uint64  `cbor:"4,keyasint"`
	Chunks    []Chunk `cbor:"5,keyasint"`
}

// Chunk records one stack chunk, frames base first.
type Chunk struct {
	Extent   int     `cbor:"1,keyasint"`
	Capacity int     `cbor:"2,keyasint"`
	Frames   []Frame `cbor:"3,keyasint"`
}

// Frame records a stack frame.
type Frame struct {
	Kind    string   `cbor:"1,keyasint"`
	Ptrs    []uint64 `cbor:"2,keyasint"`
	NonPtrs int      `cbor:"3,keyasint"`
}

// Capture records the state of h. The world must be stopped.
func Capture(h *heap.Heap) *Snapshot {
	pool := h.Pool()
	s := &Snapshot{BlockWords: h.BlockWords()}

	for _, g := range h.Generations() {
		sg := Generation{
			Index:         g.Index,
			RememberedSet: addrs(g.RememberedSet()),
			LiveWords:     g.LiveWords(),
			LiveBlocks:    g.LiveBlocks(),
			MarksValid:    g.MarksValid(),
		}
		for _, id := range g.Blocks() {
			sg.Blocks = append(sg.Blocks, captureBlock(pool.Block(id)))
		}
		for _, id := range g.LargeObjects() {
			sg.Large = append(sg.Large, captureBlock(pool.Block(id)))
		}
		s.Generations = append(s.Generations, sg)
	}

	for _, r := range pool.FreeRuns() {
		s.FreeRuns = append(s.FreeRuns, Run{Start: uint32(r.Start), Len: r.Len})
	}
	for _, c := range h.Statics().Snapshot() {
		s.Statics = append(s.Statics, *captureClosure(c))
	}
	for _, t := range h.Threads().Snapshot() {
		s.Threads = append(s.Threads, captureThread(t))
	}
	s.Blackholes = addrs(h.Blackholes())
	return s
}

func captureBlock(b *heap.Block) Block {
	sb := Block{
		ID:     uint32(b.ID),
		Flags:  uint8(b.Flags),
		RunLen: b.RunLen,
		Used:   b.Used,
	}
	for i, slot := range b.Slots() {
		ss := Slot{Offset: slot.Offset, Words: slot.Words, Marked: b.SlotMarked(i)}
		if slot.Closure != nil {
			ss.Closure = captureClosure(slot.Closure)
		}
		sb.Slots = append(sb.Slots, ss)
	}
	return sb
}

func captureClosure(c *heap.Closure) *Closure {
	sc := &Closure{
		Addr:    uint64(c.Addr),
		Kind:    c.Header.Kind.String(),
		Ptrs:    c.Header.Ptrs,
		NonPtrs: c.Header.NonPtrs,
		Fields:  addrs(c.Fields),
		Words:   append([]uint64{}, c.Words...),
		Thread:  uint64(c.Thread),
	}
	for _, id := range c.Queue.Members() {
		sc.Queue = append(sc.Queue, uint64(id))
	}
	return sc
}

func captureThread(t *heap.Thread) Thread {
	st := Thread{
		ID:        uint64(t.ID),
		State:     t.State.String(),
		TSO:       uint64(t.TSO),
		BlockedOn: uint64(t.BlockedOn),
	}
	for _, c := range t.Stack.Chunks {
		sc := Chunk{Extent: c.Extent, Capacity: c.Capacity}
		for _, f := range c.Frames {
			sc.Frames = append(sc.Frames, Frame{Kind: f.Kind.String(), Ptrs: addrs(f.Ptrs), NonPtrs: f.NonPtrs})
		}
		st.Chunks = append(st.Chunks, sc)
	}
	return st
}

func addrs(in []heap.Addr) []uint64 {
	out := make([]uint64, len(in))
	for i, a := range in {
		out[i] = uint64(a)
	}
	return out
}

// LiveClosures counts the closures held by owned blocks.
func (s *Snapshot) LiveClosures() int {
	n := 0
	for _, g := range s.Generations {
		for _, list := range [][]Block{g.Blocks, g.Large} {
			for _, b := range list {
				for _, slot := range b.Slots {
					if slot.Closure != nil {
						n++
					}
				}
			}
		}
	}
	return n
}

// Marshal serializes a snapshot to canonical CBOR bytes.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "snapshot: unmarshal")
	}
	return &s, nil
}

// WriteFile captures h and writes the encoded snapshot to path.
func WriteFile(path string, h *heap.Heap) error {
	data, err := Marshal(Capture(h))
	if err != nil {
		return errors.Wrap(err, "snapshot: marshal")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "snapshot: write %s", path)
}

// ReadFile reads a snapshot written by WriteFile.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "snapshot: read %s", path)
	}
	return Unmarshal(data)
}
