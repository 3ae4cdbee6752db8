package verify

import (
	"github.com/chazu/blockgc/heap"
)

// CheckThread checks that a thread's object, state and queue membership
// agree and that its stack is well formed.
func (v *Verifier) CheckThread(t *heap.Thread) error {
	tso := v.heap.Lookup(t.TSO)
	if tso == nil || tso.Header.Kind != heap.KindThread {
		return violationf(InvThreadState, t.TSO, "%s has no thread object", t)
	}
	if tso.Thread != t.ID {
		return violationf(InvThreadState, t.TSO, "%s: thread object names thread %d", t, tso.Thread)
	}
	if t.State > heap.ThreadKilled {
		return violationf(InvThreadState, t.TSO, "%s: unknown state", t)
	}

	queued := v.queuesHolding(t.ID)
	if t.State == heap.ThreadBlockedOnBlackhole {
		bh := v.heap.Lookup(t.BlockedOn)
		if bh == nil || bh.Header.Kind != heap.KindBlackhole {
			return violationf(InvThreadState, t.TSO, "%s blocked on %s, not a blackhole", t, t.BlockedOn)
		}
		if len(queued) != 1 || queued[0] != t.BlockedOn {
			return violationf(InvThreadQueue, t.TSO, "%s blocked on %s but queued on %v", t, t.BlockedOn, queued)
		}
	} else {
		if t.BlockedOn != heap.Nil {
			return violationf(InvThreadState, t.TSO, "%s records blocker %s", t, t.BlockedOn)
		}
		if len(queued) != 0 {
			return violationf(InvThreadQueue, t.TSO, "%s is queued on %v", t, queued)
		}
	}

	return v.CheckStack(t.TSO, t.Stack)
}

// queuesHolding returns every blackhole whose queue holds id.
func (v *Verifier) queuesHolding(id heap.ThreadID) []heap.Addr {
	var out []heap.Addr
	for _, a := range v.heap.Blackholes() {
		if c := v.heap.Lookup(a); c != nil && c.Queue.Contains(id) {
			out = append(out, a)
		}
	}
	return out
}

// CheckRegistry checks every registered thread. With checkOrphans set it
// also walks the heap for thread objects the registry does not account for.
func (v *Verifier) CheckRegistry(checkOrphans bool) error {
	for _, t := range v.heap.Threads().Snapshot() {
		if err := v.CheckThread(t); err != nil {
			return err
		}
	}
	if !checkOrphans {
		return nil
	}

	pool := v.heap.Pool()
	for _, g := range v.heap.Generations() {
		for _, id := range append(g.Blocks(), g.LargeObjects()...) {
			b := pool.Block(id)
			for i := 0; i < b.NumSlots(); i++ {
				c := b.SlotAt(i).Closure
				if c == nil || c.Header.Kind != heap.KindThread {
					continue
				}
				if v.heap.ThreadOf(c.Addr) == nil {
					return closureViolationf(InvRegistryOrphan, c, "thread object for thread %d is not in the registry", c.Thread)
				}
			}
		}
	}
	return nil
}
