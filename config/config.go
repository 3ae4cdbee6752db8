// Package config handles blockgc.toml configuration.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/chazu/blockgc/gc"
	"github.com/chazu/blockgc/heap"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "blockgc.toml"

// Config represents a blockgc.toml file.
type Config struct {
	Heap      Heap      `toml:"heap"`
	Collector Collector `toml:"collector"`
	Log       Log       `toml:"log"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-"`
}

// Heap configures the block arena and the generations.
type Heap struct {
	BlockWords      int `toml:"block-words"`
	PoolBlocks      int `toml:"pool-blocks"`
	Generations     int `toml:"generations"`
	StackChunkWords int `toml:"stack-chunk-words"`
}

// Collector configures collection cycles and verification.
type Collector struct {
	Interval         time.Duration `toml:"interval"`
	Verify           bool          `toml:"verify"`
	AbortOnViolation bool          `toml:"abort-on-violation"`
	CheckOrphans     bool          `toml:"check-orphans"`
	StatsDB          string        `toml:"stats-db"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	opts := heap.DefaultOptions()
	return &Config{
		Heap: Heap{
			BlockWords:      opts.BlockWords,
			PoolBlocks:      opts.PoolBlocks,
			Generations:     opts.Generations,
			StackChunkWords: opts.StackChunkWords,
		},
		Collector: Collector{
			Interval: gc.DefaultInterval,
		},
		Log: Log{Verbosity: 1},
	}
}

// Parse decodes TOML data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	c.fillDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load parses the blockgc.toml file in the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", path)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse error in %s", path)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot resolve path %s", dir)
	}

	if c.Collector.StatsDB != "" && !filepath.IsAbs(c.Collector.StatsDB) {
		c.Collector.StatsDB = filepath.Join(c.Dir, c.Collector.StatsDB)
	}
	if c.Log.File != "" && !filepath.IsAbs(c.Log.File) {
		c.Log.File = filepath.Join(c.Dir, c.Log.File)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a blockgc.toml file, then
// loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.Heap.BlockWords == 0 {
		c.Heap.BlockWords = def.Heap.BlockWords
	}
	if c.Heap.PoolBlocks == 0 {
		c.Heap.PoolBlocks = def.Heap.PoolBlocks
	}
	if c.Heap.Generations == 0 {
		c.Heap.Generations = def.Heap.Generations
	}
	if c.Heap.StackChunkWords == 0 {
		c.Heap.StackChunkWords = def.Heap.StackChunkWords
	}
	if c.Collector.Interval == 0 {
		c.Collector.Interval = def.Collector.Interval
	}
}

// Validate rejects values the heap cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.Heap.BlockWords < 4:
		return errors.Newf("heap.block-words must be at least 4, got %d", c.Heap.BlockWords)
	case c.Heap.PoolBlocks < 1:
		return errors.Newf("heap.pool-blocks must be positive, got %d", c.Heap.PoolBlocks)
	case c.Heap.Generations < 1:
		return errors.Newf("heap.generations must be positive, got %d", c.Heap.Generations)
	case c.Heap.StackChunkWords < 4:
		return errors.Newf("heap.stack-chunk-words must be at least 4, got %d", c.Heap.StackChunkWords)
	case c.Collector.Interval < 0:
		return errors.Newf("collector.interval must not be negative, got %s", c.Collector.Interval)
	case c.Log.Verbosity < 0:
		return errors.Newf("log.verbosity must not be negative, got %d", c.Log.Verbosity)
	}
	return nil
}

// HeapOptions converts the [heap] section.
func (c *Config) HeapOptions() heap.Options {
	return heap.Options{
		BlockWords:      c.Heap.BlockWords,
		PoolBlocks:      c.Heap.PoolBlocks,
		Generations:     c.Heap.Generations,
		StackChunkWords: c.Heap.StackChunkWords,
	}
}

// CollectorConfig converts the [collector] section.
func (c *Config) CollectorConfig() gc.Config {
	return gc.Config{
		Interval:         c.Collector.Interval,
		Verify:           c.Collector.Verify,
		AbortOnViolation: c.Collector.AbortOnViolation,
		CheckOrphans:     c.Collector.CheckOrphans,
	}
}
