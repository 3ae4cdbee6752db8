package heap

import "sync"

// StaticList is the root list of statically allocated closures, chained
// through each closure's StaticLink. Statics are never reclaimed.
type StaticList struct {
	mu      sync.RWMutex
	head    Addr
	objects map[Addr]*Closure
	next    Addr
}

// NewStaticList creates an empty static area.
func NewStaticList() *StaticList {
	return &StaticList{
		objects: make(map[Addr]*Closure),
		next:    StaticBase,
	}
}

// Add places c in the static area, links it at the head of the list and
// returns its address.
func (s *StaticList) Add(c *Closure) Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Addr = s.next
	s.next += Addr(c.Size())
	if c.Size() == 0 {
		s.next++
	}
	c.StaticLink = s.head
	s.head = c.Addr
	s.objects[c.Addr] = c
	return c.Addr
}

// Remove unlinks the static at a. It returns false if a is not on the list.
func (s *StaticList) Remove(a Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.objects[a]
	if !ok {
		return false
	}
	if s.head == a {
		s.head = c.StaticLink
	} else {
		for p := s.objects[s.head]; p != nil; p = s.objects[p.StaticLink] {
			if p.StaticLink == a {
				p.StaticLink = c.StaticLink
				break
			}
		}
	}
	c.StaticLink = Nil
	delete(s.objects, a)
	return true
}

// Head returns the first closure on the list.
func (s *StaticList) Head() Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Lookup returns the static closure at a.
func (s *StaticList) Lookup(a Addr) *Closure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[a]
}

// Len returns the number of statics.
func (s *StaticList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Snapshot returns the statics in list order. The walk stops at the first
// repeated address, so a corrupted cyclic chain still terminates.
func (s *StaticList) Snapshot() []*Closure {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Closure
	seen := make(map[Addr]bool)
	for a := s.head; a != Nil && !seen[a]; {
		c := s.objects[a]
		if c == nil {
			break
		}
		seen[a] = true
		out = append(out, c)
		a = c.StaticLink
	}
	return out
}
