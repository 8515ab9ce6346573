// Package taskstore implements Component B: the schema and operations over
// tasks, logs, and artifacts kept in per-event SQLite databases (opened
// through sai/eventdb), the global database that outlives any single event
// (the event index, the builder roster, and auth stubs), the separate
// build-metrics database, and the event-state rollup invariant. The three
// databases are split onto three files exactly as the filesystem layout
// names them: <prefix>-events.sqlite3, <prefix>-event-<uuid>.sqlite3, and
// <prefix>-build-metrics.sqlite3.
package taskstore

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"go.skia.org/sai/go/skerr"
)

const globalSchema = `
CREATE TABLE IF NOT EXISTS events (
	uuid TEXT PRIMARY KEY,
	repo_name TEXT NOT NULL,
	ref TEXT NOT NULL,
	hash TEXT NOT NULL,
	source_ip TEXT NOT NULL DEFAULT '',
	created INTEGER NOT NULL,
	last_updated INTEGER NOT NULL,
	state TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_repo_ref_idx ON events(repo_name, ref);
CREATE INDEX IF NOT EXISTS events_state_idx ON events(state);

CREATE TABLE IF NOT EXISTS builders (
	name TEXT PRIMARY KEY,
	platforms TEXT NOT NULL,
	instances INTEGER NOT NULL DEFAULT 0,
	peer_ip TEXT NOT NULL DEFAULT '',
	online INTEGER NOT NULL DEFAULT 0,
	last_seen INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS auth (
	subject TEXT PRIMARY KEY,
	jwk TEXT NOT NULL DEFAULT ''
);
`

const buildMetricsSchema = `
CREATE TABLE IF NOT EXISTS build_metrics (
	key TEXT NOT NULL,
	unixtime INTEGER NOT NULL,
	us_cpu_user INTEGER NOT NULL,
	us_cpu_sys INTEGER NOT NULL,
	peak_mem_rss INTEGER NOT NULL,
	stg_bytes INTEGER NOT NULL,
	parallel INTEGER NOT NULL,
	step INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS build_metrics_key_idx ON build_metrics(key);
`

// GlobalDB is the single database holding the event index, the builder
// roster, and auth stubs; build_metrics lives in BuildMetricsDB. Unlike per-event
// databases it is opened once for the life of the process.
type GlobalDB struct {
	DB *sql.DB
}

// OpenGlobal opens (creating if necessary) the global database at path and
// applies its schema.
func OpenGlobal(ctx context.Context, path string) (*GlobalDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, skerr.Wrapf(err, "taskstore: opening global database %s", path)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, skerr.Wrap(err)
	}
	if _, err := db.ExecContext(ctx, globalSchema); err != nil {
		db.Close()
		return nil, skerr.Wrap(err)
	}
	return &GlobalDB{DB: db}, nil
}

// Close releases the underlying connection.
func (g *GlobalDB) Close() error {
	return g.DB.Close()
}

// BuildMetricsDB is the separate database holding the rolling build_metrics
// table, kept apart from GlobalDB per the filesystem layout so it can be
// pruned, backed up, or truncated independently.
type BuildMetricsDB struct {
	DB *sql.DB
}

// OpenBuildMetrics opens (creating if necessary) the build-metrics database
// at path and applies its schema.
func OpenBuildMetrics(ctx context.Context, path string) (*BuildMetricsDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, skerr.Wrapf(err, "taskstore: opening build-metrics database %s", path)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, skerr.Wrap(err)
	}
	if _, err := db.ExecContext(ctx, buildMetricsSchema); err != nil {
		db.Close()
		return nil, skerr.Wrap(err)
	}
	return &BuildMetricsDB{DB: db}, nil
}

// Close releases the underlying connection.
func (b *BuildMetricsDB) Close() error {
	return b.DB.Close()
}
