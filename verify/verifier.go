// Package verify checks the structural invariants of a quiescent heap.
//
// Every check is read-only and independent of the others, so CheckAll runs
// them concurrently. Each check stops at its first violation; the report
// lists at most one violation per check, in check order.
package verify

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/blockgc/heap"
)

// Verifier runs sanity checks against a heap. The heap must not change while
// a check runs; the collector calls it with the world stopped.
type Verifier struct {
	heap         *heap.Heap
	checkOrphans bool
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithOrphanCheck makes the registry check also flag thread objects in the
// heap that the thread registry does not know about.
func WithOrphanCheck(on bool) Option {
	return func(v *Verifier) { v.checkOrphans = on }
}

// New creates a verifier for h.
func New(h *heap.Heap, opts ...Option) *Verifier {
	v := &Verifier{heap: h}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type namedCheck struct {
	name string
	run  func() error
}

func (v *Verifier) checks() []namedCheck {
	checks := []namedCheck{
		{"ownership", v.CheckOwnership},
	}
	for i := 0; i < v.heap.NumGenerations(); i++ {
		gen := i
		checks = append(checks,
			namedCheck{fmt.Sprintf("heap/%d", gen), func() error { return v.CheckHeap(gen) }},
			namedCheck{fmt.Sprintf("large/%d", gen), func() error { return v.CheckLargeObjects(gen) }},
			namedCheck{fmt.Sprintf("remset/%d", gen), func() error { return v.CheckRememberedSet(gen) }},
		)
	}
	return append(checks,
		namedCheck{"registry", func() error { return v.CheckRegistry(v.checkOrphans) }},
		namedCheck{"statics", v.CheckStatics},
		namedCheck{"queues", v.CheckBlockingQueues},
	)
}

// CheckAll runs every check and collects the first violation of each.
func (v *Verifier) CheckAll() *Report {
	checks := v.checks()
	results := make([]error, len(checks))

	var g errgroup.Group
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			results[i] = c.run()
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{}
	for i, c := range checks {
		report.Checks = append(report.Checks, c.name)
		err := results[i]
		if err == nil {
			continue
		}
		viol, ok := AsViolation(err)
		if !ok {
			viol = &Violation{Invariant: "internal", Detail: err.Error()}
		}
		viol.Check = c.name
		report.Violations = append(report.Violations, viol)
	}
	return report
}

// validPointer reports whether a refers to a closure the heap currently owns:
// nil, a known static, or the start of a live closure in an owned block.
func (v *Verifier) validPointer(a heap.Addr) bool {
	if a == heap.Nil {
		return true
	}
	return v.heap.Lookup(a) != nil
}
