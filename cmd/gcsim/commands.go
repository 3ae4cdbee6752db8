package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/tliron/commonlog"
	"github.com/urfave/cli/v2"

	"github.com/chazu/blockgc/gc"
	"github.com/chazu/blockgc/heap"
	"github.com/chazu/blockgc/snapshot"
	"github.com/chazu/blockgc/statsdb"
	"github.com/chazu/blockgc/verify"
)

var log = commonlog.GetLogger("blockgc.gcsim")

func scenarioArg(ctx *cli.Context) (*Scenario, error) {
	path := ctx.Args().First()
	if path == "" {
		return nil, cli.Exit(fmt.Sprintf("%s: missing scenario file", ctx.Command.Name), 2)
	}
	return LoadScenario(path)
}

func runScenario(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	sc, err := scenarioArg(ctx)
	if err != nil {
		return err
	}
	w, err := sc.Build(cfg.HeapOptions())
	if err != nil {
		return err
	}

	gcCfg := cfg.CollectorConfig()
	if ctx.Bool(verifyFlag.Name) {
		gcCfg.Verify = true
	}
	opts := []gc.Option{
		gc.WithFatalHandler(func(err error) {
			log.Criticalf("aborting: %v", err)
			os.Exit(3)
		}),
	}

	dbPath := cfg.Collector.StatsDB
	if p := ctx.String(statsDBFlag.Name); p != "" {
		dbPath = p
	}
	if dbPath != "" {
		db, err := statsdb.Open(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, gc.WithRecorder(db))
	}

	collector := gc.NewCollector(w.Heap, gcCfg, opts...)
	cycles := sc.Cycles
	if n := ctx.Int(cyclesFlag.Name); n > 0 {
		cycles = n
	}

	out := ctx.App.Writer
	var results []*gc.CycleStats
	var cycleErr error
	for i := 0; i < cycles; i++ {
		stats, err := collector.Collect(sc.maxGen(w.Heap))
		if stats != nil {
			results = append(results, stats)
		}
		if err != nil {
			cycleErr = err
			break
		}
	}
	if sc.Name != "" {
		fmt.Fprintf(out, "scenario %s\n", sc.Name)
	}
	renderCycles(out, results)
	renderGenerations(out, w.Heap)

	if path := ctx.String(dumpFlag.Name); path != "" {
		if err := snapshot.WriteFile(path, w.Heap); err != nil {
			return err
		}
		fmt.Fprintf(out, "snapshot written to %s\n", path)
	}
	return cycleErr
}

func verifyScenario(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	sc, err := scenarioArg(ctx)
	if err != nil {
		return err
	}
	w, err := sc.Build(cfg.HeapOptions())
	if err != nil {
		return err
	}

	if ctx.Bool(collectFlag.Name) {
		gcCfg := cfg.CollectorConfig()
		gcCfg.Verify = false
		if _, err := gc.NewCollector(w.Heap, gcCfg).Collect(sc.maxGen(w.Heap)); err != nil {
			return err
		}
	}

	v := verify.New(w.Heap, verify.WithOrphanCheck(cfg.Collector.CheckOrphans))
	w.Heap.Lock()
	report := v.CheckAll()
	w.Heap.Unlock()

	out := ctx.App.Writer
	renderReport(out, report)
	if report.OK() {
		fmt.Fprintf(out, "%d checks passed\n", len(report.Checks))
		return nil
	}
	for _, viol := range report.Violations {
		if viol.Dump != "" {
			fmt.Fprintf(out, "\n%s:\n%s", viol.Check, viol.Dump)
		}
	}
	return report.Err()
}

func showHistory(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	dbPath := cfg.Collector.StatsDB
	if p := ctx.String(statsDBFlag.Name); p != "" {
		dbPath = p
	}
	if dbPath == "" {
		return cli.Exit("history: no stats database configured", 2)
	}
	db, err := statsdb.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	cycles, err := db.Recent(ctx.Context, ctx.Int(limitFlag.Name))
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(ctx.App.Writer)
	table.SetHeader([]string{"Time", "Cycle", "Gens", "Marked", "Freed", "Live", "Free pool", "Violations", "Duration"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, c := range cycles {
		table.Append([]string{
			c.Timestamp.Format("2006-01-02 15:04:05"),
			strconv.FormatUint(c.Cycle, 10),
			fmt.Sprintf("0-%d", c.MaxGen),
			strconv.Itoa(c.MarkedObjects),
			strconv.Itoa(c.FreedBlocks),
			humanize.IBytes(c.LiveBytes),
			humanize.IBytes(c.FreePoolBytes),
			strconv.Itoa(c.Violations),
			c.Duration.String(),
		})
	}
	table.Render()
	return nil
}

func inspectSnapshot(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return cli.Exit("inspect: missing snapshot file", 2)
	}
	s, err := snapshot.ReadFile(path)
	if err != nil {
		return err
	}

	out := ctx.App.Writer
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Gen", "Blocks", "Large", "Remembered", "Live", "Marks"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, g := range s.Generations {
		table.Append([]string{
			strconv.Itoa(g.Index),
			strconv.Itoa(len(g.Blocks)),
			strconv.Itoa(len(g.Large)),
			strconv.Itoa(len(g.RememberedSet)),
			humanize.IBytes(heap.BytesOf(g.LiveWords)),
			strconv.FormatBool(g.MarksValid),
		})
	}
	table.Render()

	free := 0
	for _, r := range s.FreeRuns {
		free += r.Len
	}
	fmt.Fprintf(out, "%d live closures, %d statics, %d threads, %d blackholes\n",
		s.LiveClosures(), len(s.Statics), len(s.Threads), len(s.Blackholes))
	fmt.Fprintf(out, "%d free blocks in %d runs of %d words\n", free, len(s.FreeRuns), s.BlockWords)
	return nil
}

func renderCycles(out io.Writer, results []*gc.CycleStats) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Cycle", "Gens", "Roots", "Marked", "Freed", "Runs", "Pruned", "Live", "Free pool", "Violations", "Duration"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, s := range results {
		runs := 0
		for _, sw := range s.Sweeps {
			runs += sw.FreedRuns
		}
		table.Append([]string{
			strconv.FormatUint(s.Cycle, 10),
			fmt.Sprintf("0-%d", s.MaxGen),
			strconv.Itoa(s.Mark.Roots),
			strconv.Itoa(s.Mark.MarkedClosures),
			strconv.Itoa(s.FreedBlocks),
			strconv.Itoa(runs),
			strconv.Itoa(s.PrunedThreads),
			humanize.IBytes(s.LiveBytes),
			humanize.IBytes(s.FreePoolBytes),
			strconv.Itoa(s.Violations),
			s.Duration.String(),
		})
	}
	table.Render()
}

func renderGenerations(out io.Writer, h *heap.Heap) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Gen", "Blocks", "Large", "Live blocks", "Remembered", "Live"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, g := range h.Generations() {
		table.Append([]string{
			strconv.Itoa(g.Index),
			strconv.Itoa(len(g.Blocks())),
			strconv.Itoa(len(g.LargeObjects())),
			strconv.Itoa(g.LiveBlocks()),
			strconv.Itoa(len(g.RememberedSet())),
			humanize.IBytes(g.LiveBytes()),
		})
	}
	table.Render()
}

func renderReport(out io.Writer, r *verify.Report) {
	if r.OK() {
		return
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Check", "Invariant", "Address", "Detail"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for _, v := range r.Violations {
		table.Append([]string{v.Check, v.Invariant, v.Addr.String(), v.Detail})
	}
	table.Render()
}
