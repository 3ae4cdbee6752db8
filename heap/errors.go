package heap

import "github.com/cockroachdb/errors"

var (
	// ErrCorrupt marks heap corruption found while traversing closures:
	// an unknown header, a dangling pointer or a broken block run.
	ErrCorrupt = errors.New("heap corrupt")

	// ErrCorruptHeader is returned when a closure header does not decode.
	ErrCorruptHeader = errors.Wrap(ErrCorrupt, "unrecognized closure header")

	// ErrPoolExhausted is returned when the block pool cannot satisfy a
	// request for contiguous blocks.
	ErrPoolExhausted = errors.New("block pool exhausted")

	// ErrNoSuchGeneration is returned for an out-of-range generation index.
	ErrNoSuchGeneration = errors.New("no such generation")

	// ErrNoSuchClosure is returned when an address does not name a live closure.
	ErrNoSuchClosure = errors.New("no closure at address")

	// ErrNoSuchThread is returned for an unregistered thread ID.
	ErrNoSuchThread = errors.New("no such thread")

	// ErrBadState is returned when an update operation is applied to a
	// closure or thread in the wrong state.
	ErrBadState = errors.New("invalid state for operation")
)
