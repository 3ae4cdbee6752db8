package verify

import (
	"github.com/chazu/blockgc/heap"
)

// CheckStackFrame decodes one frame and returns its size in words. Every
// pointer in the frame must refer to owned memory and an update frame must
// name a blackhole.
func (v *Verifier) CheckStackFrame(at heap.Addr, f heap.Frame) (int, error) {
	size, err := f.Size()
	if err != nil {
		return 0, violationf(InvStackFrame, at, "%v", err)
	}
	for i, p := range f.Ptrs {
		if !v.validPointer(p) {
			return 0, violationf(InvStackFrame, at, "%s frame pointer %d to unowned memory %s", f.Kind, i, p)
		}
	}
	if f.Kind == heap.FrameUpdate {
		c := v.heap.Lookup(f.Ptrs[0])
		if c == nil || c.Header.Kind != heap.KindBlackhole {
			return 0, violationf(InvStackFrame, at, "update frame names %s, not a blackhole", f.Ptrs[0])
		}
	}
	return size, nil
}

// CheckStackChunk walks a chunk from its top frame to its base and checks
// that the frames add up to exactly the chunk's reported extent. The base
// frame of the last chunk must be a stop frame, that of any other chunk an
// underflow frame.
func (v *Verifier) CheckStackChunk(at heap.Addr, sc *heap.StackChunk, last bool) error {
	if sc.Extent > sc.Capacity {
		return violationf(InvStackExtent, at, "chunk extent %d exceeds capacity %d", sc.Extent, sc.Capacity)
	}
	if len(sc.Frames) == 0 {
		return violationf(InvStackFrame, at, "empty stack chunk")
	}

	consumed := 0
	for i := len(sc.Frames) - 1; i >= 0; i-- {
		f := sc.Frames[i]
		size, err := v.CheckStackFrame(at, f)
		if err != nil {
			return err
		}
		consumed += size

		base := i == 0
		switch {
		case base && last && f.Kind != heap.FrameStop:
			return violationf(InvStackFrame, at, "last chunk ends in a %s frame, not stop", f.Kind)
		case base && !last && f.Kind != heap.FrameUnderflow:
			return violationf(InvStackFrame, at, "chunk ends in a %s frame, not underflow", f.Kind)
		case !base && (f.Kind == heap.FrameStop || f.Kind == heap.FrameUnderflow):
			return violationf(InvStackFrame, at, "%s frame above the base of a chunk", f.Kind)
		}
	}
	if consumed != sc.Extent {
		return violationf(InvStackExtent, at, "frames cover %d words, chunk reports %d", consumed, sc.Extent)
	}
	return nil
}

// CheckStack checks every chunk of a stack. at names the owning thread
// object in diagnostics.
func (v *Verifier) CheckStack(at heap.Addr, s *heap.Stack) error {
	if s == nil || len(s.Chunks) == 0 {
		return violationf(InvStackFrame, at, "thread has no stack")
	}
	for i, sc := range s.Chunks {
		if err := v.CheckStackChunk(at, sc, i == len(s.Chunks)-1); err != nil {
			return err
		}
	}
	return nil
}
