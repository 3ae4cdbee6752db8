// Package gc implements the block-granularity mark/sweep collector: the
// marker, the sweeper and the collector that drives a stop-the-world cycle
// through them.
package gc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/blockgc/heap"
	"github.com/chazu/blockgc/verify"
)

// ErrHeapCorrupted is returned by every cycle after one has failed: a heap
// that was found corrupt cannot be collected again safely.
var ErrHeapCorrupted = errors.New("gc: heap corrupted by an earlier cycle")

// ErrVerifyFailed marks errors caused by verifier violations.
var ErrVerifyFailed = errors.New("gc: heap verification failed")

// CycleStats holds statistics from a single collection cycle.
type CycleStats struct {
	ID     uuid.UUID
	Cycle  uint64
	MaxGen int

	Mark          MarkStats
	Sweeps        []SweepStats
	PrunedThreads int
	FreedBlocks   int
	LiveBytes     uint64
	FreePoolBytes uint64
	Violations    int

	MarkDuration   time.Duration
	SweepDuration  time.Duration
	VerifyDuration time.Duration
	Duration       time.Duration
	Timestamp      time.Time
}

// Recorder receives the statistics of every completed cycle, e.g. to keep a
// history for the allocator's growth heuristics.
type Recorder interface {
	RecordCycle(stats *CycleStats) error
}

// Config configures a Collector.
type Config struct {
	// Interval is the period of the background trigger started by Start.
	Interval time.Duration
	// Verify constructs a verifier and runs it after every cycle.
	Verify bool
	// AbortOnViolation calls the fatal hook on the first failed verification.
	AbortOnViolation bool
	// CheckOrphans extends the registry check to thread objects unknown to
	// the registry.
	CheckOrphans bool
}

// DefaultInterval is the default period of the background trigger.
const DefaultInterval = 30 * time.Second

// Collector runs collection cycles over a heap. A cycle stops the world,
// traces, sweeps every collected generation and, when configured, verifies
// the result before the world resumes.
type Collector struct {
	heap     *heap.Heap
	cfg      Config
	verifier *verify.Verifier
	recorder Recorder
	log      commonlog.Logger
	fatal    func(error)

	enabled   atomic.Bool
	corrupted atomic.Bool
	stop      chan struct{}
	stopped   chan struct{}
	mu        sync.Mutex // protects start/stop lifecycle

	// Statistics
	cycleCount atomic.Uint64
	lastStats  atomic.Value // *CycleStats
}

// Option customizes a Collector.
type Option func(*Collector)

// WithRecorder sends every cycle's statistics to r.
func WithRecorder(r Recorder) Option {
	return func(c *Collector) { c.recorder = r }
}

// WithFatalHandler replaces the function called when a cycle must abort the
// process. The default panics.
func WithFatalHandler(fn func(error)) Option {
	return func(c *Collector) { c.fatal = fn }
}

// NewCollector creates a collector for h.
func NewCollector(h *heap.Heap, cfg Config, opts ...Option) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	c := &Collector{
		heap:  h,
		cfg:   cfg,
		log:   commonlog.GetLogger("blockgc.gc"),
		fatal: func(err error) { panic(err) },
	}
	if cfg.Verify {
		c.verifier = verify.New(h, verify.WithOrphanCheck(cfg.CheckOrphans))
	}
	for _, opt := range opts {
		opt(c)
	}
	c.enabled.Store(true)
	return c
}

// Verifier returns the verifier, or nil when verification is off.
func (c *Collector) Verifier() *verify.Verifier {
	return c.verifier
}

// Start begins the periodic trigger goroutine. It is safe to call Start
// multiple times; only one loop will run.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		return // already running
	}

	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})

	stopCh := c.stop
	stoppedCh := c.stopped
	go c.loop(stopCh, stoppedCh)
}

// Stop halts the trigger goroutine and waits for it to finish. It is safe
// to call Stop multiple times or on a collector that was never started.
func (c *Collector) Stop() {
	c.mu.Lock()
	stopCh := c.stop
	stoppedCh := c.stopped
	c.stop = nil
	c.stopped = nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled enables or disables periodic cycles. When disabled, the
// goroutine still runs but skips collections.
func (c *Collector) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// IsEnabled returns whether periodic cycles are enabled.
func (c *Collector) IsEnabled() bool {
	return c.enabled.Load()
}

// Interval returns the trigger period.
func (c *Collector) Interval() time.Duration {
	return c.cfg.Interval
}

// CycleCount returns the number of completed cycles.
func (c *Collector) CycleCount() uint64 {
	return c.cycleCount.Load()
}

// Corrupted reports whether an earlier cycle found the heap corrupt.
func (c *Collector) Corrupted() bool {
	return c.corrupted.Load()
}

// LastStats returns statistics from the most recent cycle, or nil if no
// cycle has completed yet.
func (c *Collector) LastStats() *CycleStats {
	v := c.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*CycleStats)
}

// CollectNow runs a full collection of every generation.
func (c *Collector) CollectNow() (*CycleStats, error) {
	return c.Collect(c.heap.NumGenerations() - 1)
}

func (c *Collector) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if !c.enabled.Load() || c.corrupted.Load() {
				continue
			}
			if _, err := c.CollectNow(); err != nil {
				c.log.Errorf("periodic cycle failed: %v", err)
			}
		}
	}
}

// Collect runs one cycle over generations 0 through maxGen with the world
// stopped. A trace failure means the heap is corrupt; the collector refuses
// every later cycle.
func (c *Collector) Collect(maxGen int) (*CycleStats, error) {
	if c.corrupted.Load() {
		return nil, ErrHeapCorrupted
	}

	c.heap.Lock()
	defer c.heap.Unlock()

	start := time.Now()
	stats := &CycleStats{
		ID:        uuid.New(),
		Timestamp: start,
	}

	ms, err := NewMarker(c.heap, maxGen).Trace()
	if err != nil {
		c.corrupted.Store(true)
		c.log.Criticalf("mark failed, heap is corrupt: %v", err)
		return nil, errors.Wrap(err, "gc: mark")
	}
	stats.Mark = *ms
	stats.MaxGen = ms.MaxGen
	stats.MarkDuration = time.Since(start)

	stats.PrunedThreads = len(c.pruneThreads(ms.MaxGen))

	sweepStart := time.Now()
	sweeper := NewSweeper(c.heap)
	for i := 0; i <= ms.MaxGen; i++ {
		ss := sweeper.Sweep(c.heap.Generation(i))
		stats.Sweeps = append(stats.Sweeps, ss)
		stats.FreedBlocks += ss.FreedBlocks
		c.log.Debugf("gen %d: freed %d blocks in %d runs, kept %d, live %s, fragmented %s",
			ss.Gen, ss.FreedBlocks, ss.FreedRuns, ss.KeptBlocks,
			humanize.IBytes(ss.LiveBytes), humanize.IBytes(ss.FragmentedBytes))
	}
	stats.SweepDuration = time.Since(sweepStart)

	for _, g := range c.heap.Generations() {
		stats.LiveBytes += g.LiveBytes()
	}
	pool := c.heap.Pool()
	stats.FreePoolBytes = heap.BytesOf(uint64(pool.FreeBlocks() * pool.BlockWords()))
	stats.Cycle = c.cycleCount.Add(1)

	var verr error
	if c.verifier != nil {
		verifyStart := time.Now()
		report := c.verifier.CheckAll()
		stats.VerifyDuration = time.Since(verifyStart)
		stats.Violations = len(report.Violations)
		for _, v := range report.Violations {
			c.log.Errorf("cycle %d: %v", stats.Cycle, v)
		}
		if !report.OK() {
			verr = errors.Mark(report.Err(), ErrVerifyFailed)
		}
	}

	stats.Duration = time.Since(start)
	c.lastStats.Store(stats)

	c.log.Infof("cycle %d (gens 0-%d): marked %d closures in %d blocks, freed %d blocks, live %s, %s",
		stats.Cycle, stats.MaxGen, ms.MarkedClosures, ms.MarkedBlocks, stats.FreedBlocks,
		humanize.IBytes(stats.LiveBytes), stats.Duration)

	if c.recorder != nil {
		if err := c.recorder.RecordCycle(stats); err != nil {
			c.log.Warningf("recording cycle %d: %v", stats.Cycle, err)
		}
	}

	if verr != nil && c.cfg.AbortOnViolation {
		c.fatal(verr)
	}
	return stats, verr
}

// pruneThreads removes terminated threads whose thread objects the trace
// did not reach. They are about to be swept, so the registry must forget
// them first.
func (c *Collector) pruneThreads(maxGen int) []*heap.Thread {
	pruned := c.heap.Threads().Prune(func(t *heap.Thread) bool {
		if !t.State.Finished() {
			return false
		}
		b, slot, ok := c.heap.Locate(t.TSO)
		if !ok || b.Gen > maxGen {
			return false
		}
		return !b.SlotMarked(slot)
	})
	for _, t := range pruned {
		c.log.Debugf("pruned unreachable %s", t)
	}
	return pruned
}
