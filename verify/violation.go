package verify

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/davecgh/go-spew/spew"

	"github.com/chazu/blockgc/heap"
)

// Invariant names used in violations.
const (
	InvClosureKind    = "closure-kind"
	InvClosureLayout  = "closure-layout"
	InvClosureSize    = "closure-size"
	InvClosurePointer = "closure-pointer"
	InvBlockOwner     = "block-owner"
	InvBlockLayout    = "block-layout"
	InvLargeRun       = "large-run"
	InvStackExtent    = "stack-extent"
	InvStackFrame     = "stack-frame"
	InvThreadState    = "thread-state"
	InvThreadQueue    = "thread-queue"
	InvRegistryOrphan = "registry-orphan"
	InvStaticChain    = "static-chain"
	InvRemsetEntry    = "remset-entry"
	InvRemsetMissing  = "remset-missing"
	InvQueueMember    = "queue-member"
	InvQueueDuplicate = "queue-duplicate"
	InvBlackholeOwner = "blackhole-owner"
)

// Violation pinpoints the first broken invariant found by a check.
type Violation struct {
	Check     string
	Invariant string
	Addr      heap.Addr
	Detail    string
	Dump      string
}

func (v *Violation) Error() string {
	var sb strings.Builder
	if v.Check != "" {
		sb.WriteString(v.Check)
		sb.WriteString(": ")
	}
	fmt.Fprintf(&sb, "%s violated at %s: %s", v.Invariant, v.Addr, v.Detail)
	return sb.String()
}

var dumper = spew.ConfigState{
	Indent:                  "  ",
	MaxDepth:                2,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// violationf builds a violation error. It is marked as an assertion failure:
// a violation always means a bug in the collector or a mutator.
func violationf(inv string, at heap.Addr, format string, args ...interface{}) error {
	return errors.WithAssertionFailure(&Violation{
		Invariant: inv,
		Addr:      at,
		Detail:    fmt.Sprintf(format, args...),
	})
}

// closureViolationf is violationf with a dump of the offending closure.
func closureViolationf(inv string, c *heap.Closure, format string, args ...interface{}) error {
	return errors.WithAssertionFailure(&Violation{
		Invariant: inv,
		Addr:      c.Addr,
		Detail:    fmt.Sprintf(format, args...),
		Dump:      dumper.Sdump(c),
	})
}

// AsViolation extracts the violation carried by err.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// Report collects the outcome of a full verification pass.
type Report struct {
	Checks     []string
	Violations []*Violation
}

// OK reports whether no check failed.
func (r *Report) OK() bool {
	return len(r.Violations) == 0
}

// First returns the first violation in check order, or nil.
func (r *Report) First() *Violation {
	if len(r.Violations) == 0 {
		return nil
	}
	return r.Violations[0]
}

// Err returns nil for a clean report, otherwise an assertion failure naming
// the first violation and the total count.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	err := errors.WithAssertionFailure(r.First())
	if n := len(r.Violations); n > 1 {
		err = errors.Wrapf(err, "%d invariant violations, first", n)
	}
	return err
}
