// Package statsdb keeps a history of collection cycles in SQLite.
package statsdb

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chazu/blockgc/gc"
)

// Cycle is one recorded collection cycle.
type Cycle struct {
	ID            uuid.UUID
	Cycle         uint64
	MaxGen        int
	MarkedObjects int
	FreedBlocks   int
	LiveBytes     uint64
	FreePoolBytes uint64
	Violations    int
	Duration      time.Duration
	Timestamp     time.Time
}

// DB stores cycle statistics. It implements gc.Recorder.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

var _ gc.Recorder = (*DB)(nil)

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting busy timeout")
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		cycle INTEGER NOT NULL,
		max_gen INTEGER NOT NULL,
		marked INTEGER NOT NULL,
		freed_blocks INTEGER NOT NULL,
		live_bytes INTEGER NOT NULL,
		free_pool_bytes INTEGER NOT NULL,
		violations INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		ts INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating table")
	}
	return &DB{db: db, path: path}, nil
}

// Path returns the database file.
func (d *DB) Path() string {
	return d.path
}

// Close closes the database connection.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

// RecordCycle stores the statistics of one cycle.
func (d *DB) RecordCycle(s *gc.CycleStats) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT INTO cycles
		(id, cycle, max_gen, marked, freed_blocks, live_bytes, free_pool_bytes, violations, duration_ns, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), int64(s.Cycle), s.MaxGen, s.Mark.MarkedClosures, s.FreedBlocks,
		int64(s.LiveBytes), int64(s.FreePoolBytes), s.Violations,
		int64(s.Duration), s.Timestamp.UnixNano())
	return errors.Wrapf(err, "recording cycle %d", s.Cycle)
}

// Recent returns up to n cycles, newest first.
func (d *DB) Recent(ctx context.Context, n int) ([]Cycle, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT
		id, cycle, max_gen, marked, freed_blocks, live_bytes, free_pool_bytes, violations, duration_ns, ts
		FROM cycles ORDER BY ts DESC, cycle DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "querying cycles")
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		var (
			c                      Cycle
			id                     string
			cycle, live, free, dur int64
			ts                     int64
		)
		if err := rows.Scan(&id, &cycle, &c.MaxGen, &c.MarkedObjects, &c.FreedBlocks,
			&live, &free, &c.Violations, &dur, &ts); err != nil {
			return nil, errors.Wrap(err, "scanning cycle")
		}
		if c.ID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrapf(err, "cycle id %q", id)
		}
		c.Cycle = uint64(cycle)
		c.LiveBytes = uint64(live)
		c.FreePoolBytes = uint64(free)
		c.Duration = time.Duration(dur)
		c.Timestamp = time.Unix(0, ts)
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "reading cycles")
}

// Count returns the number of recorded cycles.
func (d *DB) Count(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cycles").Scan(&n)
	return n, errors.Wrap(err, "counting cycles")
}
