// gcsim builds heaps from scenario files and collects them
package main

import (
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	"github.com/urfave/cli/v2"

	"github.com/chazu/blockgc/config"

	_ "github.com/tliron/commonlog/simple"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Value: ".",
		Usage: "Directory to start searching for blockgc.toml from",
	}
	verbosityFlag = &cli.IntFlag{
		Name:    "verbosity",
		Aliases: []string{"v"},
		Value:   -1,
		Usage:   "Log verbosity (overrides log.verbosity)",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Write logs to this file instead of stderr",
	}

	verifyFlag = &cli.BoolFlag{
		Name:  "verify",
		Usage: "Run the heap verifier after every cycle",
	}
	cyclesFlag = &cli.IntFlag{
		Name:  "cycles",
		Usage: "Number of cycles to run (overrides the scenario)",
	}
	statsDBFlag = &cli.StringFlag{
		Name:  "stats-db",
		Usage: "SQLite database recording every cycle (overrides collector.stats-db)",
	}
	dumpFlag = &cli.StringFlag{
		Name:  "dump",
		Usage: "Write a CBOR heap snapshot to this file after the last cycle",
	}
	collectFlag = &cli.BoolFlag{
		Name:  "collect",
		Usage: "Run one full cycle before verifying",
	}
	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Value: 20,
		Usage: "Number of cycles to show",
	}
)

var (
	runCommand = &cli.Command{
		Name:      "run",
		Usage:     "Build a scenario and run collection cycles over it",
		ArgsUsage: "<scenario.toml>",
		Action:    runScenario,
		Flags:     []cli.Flag{verifyFlag, cyclesFlag, statsDBFlag, dumpFlag},
	}
	verifyCommand = &cli.Command{
		Name:      "verify",
		Usage:     "Build a scenario and check the heap invariants",
		ArgsUsage: "<scenario.toml>",
		Action:    verifyScenario,
		Flags:     []cli.Flag{collectFlag},
	}
	historyCommand = &cli.Command{
		Name:   "history",
		Usage:  "Show recorded cycles",
		Action: showHistory,
		Flags:  []cli.Flag{statsDBFlag, limitFlag},
	}
	inspectCommand = &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize a heap snapshot written by run --dump",
		ArgsUsage: "<snapshot.cbor>",
		Action:    inspectSnapshot,
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "gcsim",
		Usage: "block mark/sweep collector simulator",
		Flags: []cli.Flag{configFlag, verbosityFlag, logFileFlag},
		Commands: []*cli.Command{
			runCommand,
			verifyCommand,
			historyCommand,
			inspectCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig finds blockgc.toml from the --config directory, falling back to
// defaults, and configures logging from it.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.FindAndLoad(ctx.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}

	verbosity := cfg.Log.Verbosity
	if v := ctx.Int(verbosityFlag.Name); v >= 0 {
		verbosity = v
	}
	var path *string
	if f := ctx.String(logFileFlag.Name); f != "" {
		path = &f
	} else if cfg.Log.File != "" {
		path = &cfg.Log.File
	}
	commonlog.Configure(verbosity, path)
	return cfg, nil
}
