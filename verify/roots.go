package verify

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/chazu/blockgc/heap"
)

// CheckStatics walks the static object list from its head. The chain must be
// acyclic, reach every static exactly once, and hold only well-formed
// static closures.
func (v *Verifier) CheckStatics() error {
	statics := v.heap.Statics()
	seen := mapset.NewThreadUnsafeSet[heap.Addr]()

	for a := statics.Head(); a != heap.Nil; {
		if !a.IsStatic() {
			return violationf(InvStaticChain, a, "static list links to non-static address")
		}
		if !seen.Add(a) {
			return violationf(InvStaticChain, a, "static list revisits %s", a)
		}
		c := statics.Lookup(a)
		if c == nil {
			return violationf(InvStaticChain, a, "static list links to unknown closure")
		}
		if _, err := v.CheckClosure(c); err != nil {
			return err
		}
		a = c.StaticLink
	}
	if n := statics.Len(); seen.Cardinality() != n {
		return violationf(InvStaticChain, statics.Head(), "list reaches %d of %d statics", seen.Cardinality(), n)
	}
	return nil
}

// CheckRememberedSet checks generation gen's remembered set. Every entry
// must be a live closure owned by gen, where gen has a younger generation to
// point into. Every live closure of gen holding a pointer into a younger
// generation must be recorded, mutable or not. Right after a rebuild the set
// must also hold nothing but such closures.
func (v *Verifier) CheckRememberedSet(gen int) error {
	g := v.heap.Generation(gen)
	if g == nil {
		return violationf(InvRemsetEntry, heap.Nil, "no generation %d", gen)
	}

	entries := mapset.NewThreadUnsafeSet[heap.Addr]()
	for _, a := range g.RememberedSet() {
		if gen == 0 {
			return violationf(InvRemsetEntry, a, "youngest generation has a remembered set entry")
		}
		c := v.heap.Lookup(a)
		if c == nil {
			return violationf(InvRemsetEntry, a, "generation %d remembers a dead or unowned closure", gen)
		}
		if owner := v.heap.GenerationOf(a); owner != gen {
			return closureViolationf(InvRemsetEntry, c, "generation %d remembers a closure of generation %d", gen, owner)
		}
		if g.RememberedSetFresh() && !v.heap.PointsYounger(c, gen) {
			return closureViolationf(InvRemsetEntry, c, "remembered closure has no pointer into a younger generation")
		}
		entries.Add(a)
	}

	pool := v.heap.Pool()
	for _, id := range append(g.Blocks(), g.LargeObjects()...) {
		b := pool.Block(id)
		for i := 0; i < b.NumSlots(); i++ {
			c := b.SlotAt(i).Closure
			if c == nil || entries.Contains(c.Addr) {
				continue
			}
			if v.heap.PointsYounger(c, gen) {
				return closureViolationf(InvRemsetMissing, c, "points into a younger generation but is not remembered by %d", gen)
			}
		}
	}
	return nil
}

// CheckRememberedSets checks the remembered set of every generation and
// returns the first violation.
func (v *Verifier) CheckRememberedSets() error {
	for i := 0; i < v.heap.NumGenerations(); i++ {
		if err := v.CheckRememberedSet(i); err != nil {
			return err
		}
	}
	return nil
}
