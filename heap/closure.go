package heap

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind identifies the shape of a closure.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindConstr
	KindFun
	KindThunk
	KindIndirection
	KindBlackhole
	KindMutVar
	KindMutArray
	KindThread
	numKinds
)

var kindNames = [...]string{
	KindInvalid:     "invalid",
	KindConstr:      "constr",
	KindFun:         "fun",
	KindThunk:       "thunk",
	KindIndirection: "ind",
	KindBlackhole:   "blackhole",
	KindMutVar:      "mutvar",
	KindMutArray:    "mutarray",
	KindThread:      "thread",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := KindConstr; k < numKinds; k++ {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return KindInvalid, errors.Newf("unknown closure kind %q", s)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k > KindInvalid && k < numKinds
}

// Mutable reports whether closures of this kind may be written after
// allocation and therefore may need a remembered-set entry.
func (k Kind) Mutable() bool {
	switch k {
	case KindMutVar, KindMutArray, KindThread, KindBlackhole:
		return true
	}
	return false
}

// Header fixes the size and pointer layout of a closure.
type Header struct {
	Kind    Kind
	Ptrs    uint32
	NonPtrs uint32
}

// Info decodes the header and returns the closure size in words.
func (h Header) Info() (int, error) {
	if !h.Kind.Valid() {
		return 0, errors.Wrapf(ErrCorruptHeader, "kind %d", uint8(h.Kind))
	}
	switch h.Kind {
	case KindIndirection, KindBlackhole, KindMutVar:
		if h.Ptrs != 1 {
			return 0, errors.Wrapf(ErrCorruptHeader, "%s with %d pointers", h.Kind, h.Ptrs)
		}
	case KindThread:
		if h.Ptrs != 0 {
			return 0, errors.Wrapf(ErrCorruptHeader, "thread with %d pointers", h.Ptrs)
		}
	case KindThunk:
		if h.Ptrs+h.NonPtrs == 0 {
			return 0, errors.Wrap(ErrCorruptHeader, "thunk without payload")
		}
	}
	return HeaderWords + int(h.Ptrs) + int(h.NonPtrs), nil
}

// Closure is a heap object. The header determines its size and which of its
// words are pointers; Fields holds the pointer words and Words the rest.
type Closure struct {
	Addr   Addr
	Header Header
	Fields []Addr
	Words  []uint64

	// Thread is set on KindThread closures.
	Thread ThreadID

	// Queue is the blocking queue of a KindBlackhole closure.
	Queue *BlockingQueue

	// StaticLink chains the static object list. Only used by statics.
	StaticLink Addr
}

// Size returns the header-derived size in words, or 0 if the header is corrupt.
func (c *Closure) Size() int {
	n, err := c.Header.Info()
	if err != nil {
		return 0
	}
	return n
}

// Mutable reports whether c is currently a mutable closure.
func (c *Closure) Mutable() bool {
	return c.Header.Kind.Mutable()
}

// Static reports whether c lives in the static area.
func (c *Closure) Static() bool {
	return c.Addr.IsStatic()
}

// Pointers returns the pointer fields of c.
func (c *Closure) Pointers() []Addr {
	return c.Fields
}

func (c *Closure) String() string {
	return fmt.Sprintf("%s@%s", c.Header.Kind, c.Addr)
}

// NewHeader builds a header for a closure with the given fields and payload.
func NewHeader(kind Kind, ptrs, nonPtrs int) Header {
	return Header{Kind: kind, Ptrs: uint32(ptrs), NonPtrs: uint32(nonPtrs)}
}
