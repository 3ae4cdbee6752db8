package main

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/chazu/blockgc/heap"
)

// Scenario describes a heap to build and the collections to run over it.
//
// Objects are allocated in file order and may only point at objects declared
// before them; cycles are closed afterwards with [[write]] entries. Threads
// are created after every object exists.
type Scenario struct {
	Name   string `toml:"name"`
	Cycles int    `toml:"cycles"`
	// MaxGen is the oldest generation collected each cycle; unset means all.
	MaxGen *int `toml:"max-gen"`

	Objects    []ObjectSpec    `toml:"object"`
	Threads    []ThreadSpec    `toml:"thread"`
	Writes     []WriteSpec     `toml:"write"`
	Promotions []PromotionSpec `toml:"promote"`
	// Drop unlinks the named statics before the first cycle, leaving what
	// only they referenced unreachable.
	Drop []string `toml:"drop"`
}

// ObjectSpec declares one closure.
type ObjectSpec struct {
	Name    string   `toml:"name"`
	Kind    string   `toml:"kind"`
	Gen     int      `toml:"gen"`
	Static  bool     `toml:"static"`
	Ptrs    []string `toml:"ptrs"`
	Payload int      `toml:"payload"`
	Pin     bool     `toml:"pin"`
}

// ThreadSpec declares a thread. Roots are pushed as one return frame,
// Evaluates are blackholed by the thread in order, and BlockedOn parks it on
// a blackhole another thread owns.
type ThreadSpec struct {
	Name      string   `toml:"name"`
	Gen       int      `toml:"gen"`
	State     string   `toml:"state"`
	Roots     []string `toml:"roots"`
	Evaluates []string `toml:"evaluates"`
	BlockedOn string   `toml:"blocked-on"`
}

// WriteSpec stores Target into pointer field Field of the mutable Object.
type WriteSpec struct {
	Object string `toml:"object"`
	Field  int    `toml:"field"`
	Target string `toml:"target"`
}

// PromotionSpec moves the block holding Object into generation Gen.
type PromotionSpec struct {
	Object string `toml:"object"`
	Gen    int    `toml:"gen"`
}

// LoadScenario decodes a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", path)
	}
	return ParseScenario(data)
}

// ParseScenario decodes scenario TOML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	md, err := toml.Decode(string(data), &s)
	if err != nil {
		return nil, errors.Wrap(err, "parse scenario")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("parse scenario: unknown key %s", undecoded[0])
	}
	if s.Cycles <= 0 {
		s.Cycles = 1
	}
	return &s, nil
}

// World is a heap built from a scenario, with its names resolved.
type World struct {
	Heap    *heap.Heap
	Objects map[string]heap.Addr
	Threads map[string]*heap.Thread
}

// Lookup returns the closure named name.
func (w *World) Lookup(name string) *heap.Closure {
	a, ok := w.Objects[name]
	if !ok {
		return nil
	}
	return w.Heap.Lookup(a)
}

// maxGen returns the oldest generation to collect.
func (s *Scenario) maxGen(h *heap.Heap) int {
	if s.MaxGen == nil {
		return h.NumGenerations() - 1
	}
	return *s.MaxGen
}

// Build allocates the scenario into a fresh heap.
func (s *Scenario) Build(opts heap.Options) (*World, error) {
	w := &World{
		Heap:    heap.New(opts),
		Objects: make(map[string]heap.Addr),
		Threads: make(map[string]*heap.Thread),
	}
	h := w.Heap

	for _, o := range s.Objects {
		if err := w.allocate(o); err != nil {
			return nil, errors.Wrapf(err, "object %q", o.Name)
		}
	}

	for _, ts := range s.Threads {
		if _, dup := w.Objects[ts.Name]; dup {
			return nil, errors.Newf("thread %q: name already declared", ts.Name)
		}
		t, err := h.NewThread(ts.Gen)
		if err != nil {
			return nil, errors.Wrapf(err, "thread %q", ts.Name)
		}
		w.Threads[ts.Name] = t
		w.Objects[ts.Name] = t.TSO

		if len(ts.Roots) > 0 {
			ptrs, err := w.resolve(ts.Roots)
			if err != nil {
				return nil, errors.Wrapf(err, "thread %q", ts.Name)
			}
			t.Stack.Push(heap.Frame{Kind: heap.FrameReturn, Ptrs: ptrs})
		}
		for _, name := range ts.Evaluates {
			a, ok := w.Objects[name]
			if !ok {
				return nil, errors.Newf("thread %q evaluates unknown object %q", ts.Name, name)
			}
			if err := h.Blackhole(a, t); err != nil {
				return nil, errors.Wrapf(err, "thread %q", ts.Name)
			}
		}
	}

	// Blocking and termination happen once every blackhole exists.
	for _, ts := range s.Threads {
		t := w.Threads[ts.Name]
		if ts.BlockedOn != "" {
			a, ok := w.Objects[ts.BlockedOn]
			if !ok {
				return nil, errors.Newf("thread %q blocked on unknown object %q", ts.Name, ts.BlockedOn)
			}
			if err := h.BlockOn(t, a); err != nil {
				return nil, errors.Wrapf(err, "thread %q", ts.Name)
			}
			continue
		}
		if err := w.setState(t, ts.State); err != nil {
			return nil, errors.Wrapf(err, "thread %q", ts.Name)
		}
	}

	for _, wr := range s.Writes {
		target, ok := w.Objects[wr.Target]
		if !ok {
			return nil, errors.Newf("write to %q: unknown target %q", wr.Object, wr.Target)
		}
		a, ok := w.Objects[wr.Object]
		if !ok {
			return nil, errors.Newf("write to unknown object %q", wr.Object)
		}
		if err := h.WriteField(a, wr.Field, target); err != nil {
			return nil, errors.Wrapf(err, "write to %q", wr.Object)
		}
	}

	for _, p := range s.Promotions {
		a, ok := w.Objects[p.Object]
		if !ok {
			return nil, errors.Newf("promote unknown object %q", p.Object)
		}
		b := h.BlockOf(a)
		if b == nil {
			return nil, errors.Newf("promote %q: not a heap object", p.Object)
		}
		if err := h.Promote(b.Head, p.Gen); err != nil {
			return nil, errors.Wrapf(err, "promote %q", p.Object)
		}
	}

	for _, name := range s.Drop {
		a, ok := w.Objects[name]
		if !ok || !h.Statics().Remove(a) {
			return nil, errors.Newf("drop %q: not a static", name)
		}
	}
	return w, nil
}

func (w *World) allocate(o ObjectSpec) error {
	if o.Name == "" {
		return errors.New("object without a name")
	}
	if _, dup := w.Objects[o.Name]; dup {
		return errors.New("declared twice")
	}
	kind, err := heap.ParseKind(o.Kind)
	if err != nil {
		return err
	}
	switch kind {
	case heap.KindThread, heap.KindBlackhole:
		return errors.Newf("%s objects are created through [[thread]]", kind)
	}
	fields, err := w.resolve(o.Ptrs)
	if err != nil {
		return err
	}
	hdr := heap.NewHeader(kind, len(fields), o.Payload)
	words := make([]uint64, o.Payload)

	var a heap.Addr
	if o.Static {
		a, err = w.Heap.AllocateStatic(hdr, fields, words)
	} else {
		a, err = w.Heap.Allocate(o.Gen, hdr, fields, words)
	}
	if err != nil {
		return err
	}
	if o.Pin {
		if b := w.Heap.BlockOf(a); b != nil {
			w.Heap.Pin(b.Head)
		}
	}
	w.Objects[o.Name] = a
	return nil
}

func (w *World) resolve(names []string) ([]heap.Addr, error) {
	out := make([]heap.Addr, 0, len(names))
	for _, n := range names {
		if n == "nil" {
			out = append(out, heap.Nil)
			continue
		}
		a, ok := w.Objects[n]
		if !ok {
			return nil, errors.Newf("unknown object %q", n)
		}
		out = append(out, a)
	}
	return out, nil
}

func (w *World) setState(t *heap.Thread, state string) error {
	if state == "" {
		return nil
	}
	st, ok := heap.ParseThreadState(state)
	if !ok {
		return errors.Newf("unknown thread state %q", state)
	}
	switch st {
	case heap.ThreadRunnable:
		return nil
	case heap.ThreadBlockedOnIO:
		return w.Heap.BlockOnIO(t)
	case heap.ThreadComplete, heap.ThreadKilled:
		return w.Heap.Finish(t, st)
	}
	return errors.Newf("state %q needs blocked-on", state)
}
