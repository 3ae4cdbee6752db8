package heap

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// FrameKind identifies a stack frame's layout.
type FrameKind uint8

const (
	FrameInvalid FrameKind = iota
	// FrameStop sits at the base of a thread's last stack chunk.
	FrameStop
	// FrameUpdate names the closure to overwrite when the evaluation
	// underneath returns.
	FrameUpdate
	// FrameCatch holds an exception handler.
	FrameCatch
	// FrameReturn is an ordinary continuation.
	FrameReturn
	// FrameUnderflow sits at the base of a chunk that continues in the next.
	FrameUnderflow
	numFrameKinds
)

var frameKindNames = [...]string{
	FrameInvalid:   "invalid",
	FrameStop:      "stop",
	FrameUpdate:    "update",
	FrameCatch:     "catch",
	FrameReturn:    "return",
	FrameUnderflow: "underflow",
}

func (k FrameKind) String() string {
	if k < numFrameKinds {
		return frameKindNames[k]
	}
	return fmt.Sprintf("frame(%d)", uint8(k))
}

// Frame is a self-describing activation record.
type Frame struct {
	Kind    FrameKind
	Ptrs    []Addr
	NonPtrs int
}

// Size decodes the frame and returns its size in words.
func (f Frame) Size() (int, error) {
	switch f.Kind {
	case FrameStop, FrameUnderflow:
		if len(f.Ptrs) != 0 {
			return 0, errors.Wrapf(ErrCorrupt, "%s frame with %d pointers", f.Kind, len(f.Ptrs))
		}
	case FrameUpdate, FrameCatch:
		if len(f.Ptrs) != 1 {
			return 0, errors.Wrapf(ErrCorrupt, "%s frame with %d pointers", f.Kind, len(f.Ptrs))
		}
	case FrameReturn:
	default:
		return 0, errors.Wrapf(ErrCorrupt, "unknown frame kind %d", uint8(f.Kind))
	}
	if f.NonPtrs < 0 {
		return 0, errors.Wrapf(ErrCorrupt, "%s frame with negative payload", f.Kind)
	}
	return HeaderWords + len(f.Ptrs) + f.NonPtrs, nil
}

func (f Frame) words() int {
	return HeaderWords + len(f.Ptrs) + f.NonPtrs
}

// UpdateFrame returns a frame that will update c.
func UpdateFrame(c Addr) Frame {
	return Frame{Kind: FrameUpdate, Ptrs: []Addr{c}}
}

// StackChunk is one segment of a stack. Frames are stored base first, so the
// top frame is the last element. Extent is the number of words the chunk
// reports as used.
type StackChunk struct {
	Frames   []Frame
	Extent   int
	Capacity int
}

// Top returns the top frame of the chunk.
func (sc *StackChunk) Top() (Frame, bool) {
	if len(sc.Frames) == 0 {
		return Frame{}, false
	}
	return sc.Frames[len(sc.Frames)-1], true
}

// DefaultStackChunkWords is the capacity of a stack chunk unless overridden.
const DefaultStackChunkWords = 64

// Stack is a thread's stack: a chain of chunks, top chunk first.
type Stack struct {
	Chunks     []*StackChunk
	chunkWords int
}

// NewStack returns a stack holding a single stop frame.
func NewStack(chunkWords int) *Stack {
	if chunkWords <= 0 {
		chunkWords = DefaultStackChunkWords
	}
	stop := Frame{Kind: FrameStop}
	return &Stack{
		Chunks: []*StackChunk{{
			Frames:   []Frame{stop},
			Extent:   stop.words(),
			Capacity: chunkWords,
		}},
		chunkWords: chunkWords,
	}
}

// Push places f on top of the stack, chaining a fresh chunk when the top
// chunk cannot hold it.
func (s *Stack) Push(f Frame) {
	top := s.Chunks[0]
	if top.Extent+f.words() > top.Capacity {
		under := Frame{Kind: FrameUnderflow}
		capacity := s.chunkWords
		if need := under.words() + f.words(); need > capacity {
			capacity = need
		}
		top = &StackChunk{
			Frames:   []Frame{under},
			Extent:   under.words(),
			Capacity: capacity,
		}
		s.Chunks = append([]*StackChunk{top}, s.Chunks...)
	}
	top.Frames = append(top.Frames, f)
	top.Extent += f.words()
}

// Pop removes the top frame. Reaching an underflow frame drops the
// exhausted chunk. The stop frame is never popped.
func (s *Stack) Pop() (Frame, bool) {
	top := s.Chunks[0]
	if len(top.Frames) <= 1 {
		return Frame{}, false
	}
	f := top.Frames[len(top.Frames)-1]
	top.Frames = top.Frames[:len(top.Frames)-1]
	top.Extent -= f.words()
	if len(top.Frames) == 1 && top.Frames[0].Kind == FrameUnderflow && len(s.Chunks) > 1 {
		s.Chunks = s.Chunks[1:]
	}
	return f, true
}

// Top returns the frame on top of the stack.
func (s *Stack) Top() (Frame, bool) {
	return s.Chunks[0].Top()
}

// Depth returns the number of frames on the stack, underflow frames excluded.
func (s *Stack) Depth() int {
	n := 0
	for _, c := range s.Chunks {
		for _, f := range c.Frames {
			if f.Kind != FrameUnderflow {
				n++
			}
		}
	}
	return n
}

// Each calls fn on every frame from the top of the stack to its base,
// stopping early if fn returns false.
func (s *Stack) Each(fn func(chunk int, f Frame) bool) {
	for ci, c := range s.Chunks {
		for i := len(c.Frames) - 1; i >= 0; i-- {
			if !fn(ci, c.Frames[i]) {
				return
			}
		}
	}
}

// Reset drops every frame but the stop frame. Used when a thread finishes.
func (s *Stack) Reset() {
	fresh := NewStack(s.chunkWords)
	s.Chunks = fresh.Chunks
}
