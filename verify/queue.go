package verify

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/chazu/blockgc/heap"
)

// CheckBlockingQueue checks the blackhole at bh and its queue. An owner
// that is still running must hold the update frame for bh. Every queue
// member is a registered thread blocked on exactly this blackhole, listed
// once.
func (v *Verifier) CheckBlockingQueue(bh heap.Addr) error {
	c := v.heap.Lookup(bh)
	if c == nil {
		return violationf(InvQueueMember, bh, "blackhole index names a dead closure")
	}
	if c.Header.Kind != heap.KindBlackhole || c.Queue == nil {
		return closureViolationf(InvQueueMember, c, "blocking queue on a resolved %s", c.Header.Kind)
	}
	if len(c.Fields) != 1 {
		return closureViolationf(InvBlackholeOwner, c, "blackhole has %d owner fields", len(c.Fields))
	}
	if owner := v.heap.ThreadOf(c.Fields[0]); owner != nil && !owner.State.Finished() && !holdsUpdateFrame(owner, bh) {
		return closureViolationf(InvBlackholeOwner, c, "owner %s has no update frame for it", owner)
	}

	members := mapset.NewThreadUnsafeSet[heap.ThreadID]()
	for _, id := range c.Queue.Members() {
		if !members.Add(id) {
			return violationf(InvQueueDuplicate, bh, "thread %d queued twice", id)
		}
		t := v.heap.Threads().Get(id)
		if t == nil {
			return violationf(InvQueueMember, bh, "queued thread %d is not registered", id)
		}
		if t.State != heap.ThreadBlockedOnBlackhole || t.BlockedOn != bh {
			return violationf(InvQueueMember, bh, "queued %s is blocked on %s", t, t.BlockedOn)
		}
	}
	return nil
}

// CheckBlockingQueues checks every blocking queue and that no thread waits
// in two of them.
func (v *Verifier) CheckBlockingQueues() error {
	queued := make(map[heap.ThreadID]heap.Addr)
	for _, bh := range v.heap.Blackholes() {
		if err := v.CheckBlockingQueue(bh); err != nil {
			return err
		}
		for _, id := range v.heap.Lookup(bh).Queue.Members() {
			if prev, ok := queued[id]; ok {
				return violationf(InvQueueDuplicate, bh, "thread %d is also queued on %s", id, prev)
			}
			queued[id] = bh
		}
	}
	return nil
}

// IsBlackhole reports whether p is the blackhole installed for t's
// in-flight evaluation: a blackhole owned by t with an update frame for it
// on t's stack. The evaluator uses it to tell a re-entered computation of
// its own from one another thread owns.
func (v *Verifier) IsBlackhole(t *heap.Thread, p heap.Addr) bool {
	c := v.heap.Lookup(p)
	if c == nil || c.Header.Kind != heap.KindBlackhole || len(c.Fields) != 1 || c.Fields[0] != t.TSO {
		return false
	}
	return holdsUpdateFrame(t, p)
}

func holdsUpdateFrame(t *heap.Thread, p heap.Addr) bool {
	found := false
	t.Stack.Each(func(_ int, f heap.Frame) bool {
		if f.Kind == heap.FrameUpdate && len(f.Ptrs) == 1 && f.Ptrs[0] == p {
			found = true
			return false
		}
		return true
	})
	return found
}
