package heap

// BlockingQueue is the FIFO of threads waiting for a blackhole to be
// resolved. The zero value is an empty queue.
type BlockingQueue struct {
	members []ThreadID
}

// Push appends a thread to the queue.
func (q *BlockingQueue) Push(id ThreadID) {
	q.members = append(q.members, id)
}

// Pop removes and returns the oldest waiter.
func (q *BlockingQueue) Pop() (ThreadID, bool) {
	if len(q.members) == 0 {
		return 0, false
	}
	id := q.members[0]
	q.members = q.members[1:]
	return id, true
}

// Remove drops a thread from the queue. It returns false if the thread was
// not queued.
func (q *BlockingQueue) Remove(id ThreadID) bool {
	for i, m := range q.members {
		if m == id {
			q.members = append(q.members[:i], q.members[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether the thread is queued.
func (q *BlockingQueue) Contains(id ThreadID) bool {
	for _, m := range q.members {
		if m == id {
			return true
		}
	}
	return false
}

// Members returns the queued threads in arrival order.
func (q *BlockingQueue) Members() []ThreadID {
	if q == nil {
		return nil
	}
	out := make([]ThreadID, len(q.members))
	copy(out, q.members)
	return out
}

// Len returns the number of waiters.
func (q *BlockingQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.members)
}

// Empty reports whether nobody waits.
func (q *BlockingQueue) Empty() bool {
	return q.Len() == 0
}
