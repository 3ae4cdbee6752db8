package heap

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ThreadID identifies a thread for its whole life.
type ThreadID uint64

// ThreadState is the scheduling state of a thread.
type ThreadState uint8

const (
	ThreadRunnable ThreadState = iota
	ThreadBlockedOnBlackhole
	ThreadBlockedOnIO
	ThreadComplete
	ThreadKilled
)

var threadStateNames = [...]string{
	ThreadRunnable:           "runnable",
	ThreadBlockedOnBlackhole: "blocked-on-blackhole",
	ThreadBlockedOnIO:        "blocked-on-io",
	ThreadComplete:           "complete",
	ThreadKilled:             "killed",
}

func (s ThreadState) String() string {
	if int(s) < len(threadStateNames) {
		return threadStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ParseThreadState is the inverse of ThreadState.String.
func ParseThreadState(s string) (ThreadState, bool) {
	for i, n := range threadStateNames {
		if n == s {
			return ThreadState(i), true
		}
	}
	return 0, false
}

// Finished reports whether the thread has terminated.
func (s ThreadState) Finished() bool {
	return s == ThreadComplete || s == ThreadKilled
}

// Thread is a schedulable entity. Its heap presence is the KindThread closure
// at TSO; it owns exactly one stack.
type Thread struct {
	ID        ThreadID
	State     ThreadState
	TSO       Addr
	Stack     *Stack
	BlockedOn Addr
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d (%s)", t.ID, t.State)
}

// ---------------------------------------------------------------------------
// ThreadRegistry: every thread from creation to termination
// ---------------------------------------------------------------------------

// ThreadRegistry holds every thread from creation until it is removed after
// termination. Reads may run concurrently (the verifier does); writes happen
// with the world stopped.
type ThreadRegistry struct {
	threads   map[ThreadID]*Thread
	threadsMu sync.RWMutex
	threadID  atomic.Uint64
}

// NewThreadRegistry creates an empty registry.
func NewThreadRegistry() *ThreadRegistry {
	r := &ThreadRegistry{
		threads: make(map[ThreadID]*Thread),
	}
	// Start IDs at 1 (0 could be confused with nil/uninitialized)
	r.threadID.Store(1)
	return r
}

// NextID reserves a fresh thread ID.
func (r *ThreadRegistry) NextID() ThreadID {
	return ThreadID(r.threadID.Add(1) - 1)
}

// Register adds a thread to the registry.
func (r *ThreadRegistry) Register(t *Thread) {
	r.threadsMu.Lock()
	r.threads[t.ID] = t
	r.threadsMu.Unlock()
}

// Get retrieves a thread by ID.
func (r *ThreadRegistry) Get(id ThreadID) *Thread {
	r.threadsMu.RLock()
	defer r.threadsMu.RUnlock()
	return r.threads[id]
}

// Remove drops a thread from the registry.
func (r *ThreadRegistry) Remove(id ThreadID) {
	r.threadsMu.Lock()
	defer r.threadsMu.Unlock()
	delete(r.threads, id)
}

// Count returns the number of registered threads.
func (r *ThreadRegistry) Count() int {
	r.threadsMu.RLock()
	defer r.threadsMu.RUnlock()
	return len(r.threads)
}

// Snapshot returns the registered threads ordered by ID. The slice is a copy
// taken under the lock: threads registered or removed afterwards are not
// reflected, though the Thread values themselves are shared.
func (r *ThreadRegistry) Snapshot() []*Thread {
	r.threadsMu.RLock()
	out := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, t)
	}
	r.threadsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prune removes every thread for which dead returns true.
// Returns the removed threads.
func (r *ThreadRegistry) Prune(dead func(*Thread) bool) []*Thread {
	r.threadsMu.Lock()
	defer r.threadsMu.Unlock()

	var pruned []*Thread
	for id, t := range r.threads {
		if dead(t) {
			delete(r.threads, id)
			pruned = append(pruned, t)
		}
	}
	sort.Slice(pruned, func(i, j int) bool { return pruned[i].ID < pruned[j].ID })
	return pruned
}
