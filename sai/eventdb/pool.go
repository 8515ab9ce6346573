// Package eventdb owns every per-event SQLite handle: opening, refcounting,
// idle eviction, and the three-file delete that destroys an event for
// good. No other package may open a per-event database file directly.
package eventdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"go.skia.org/sai/go/now"
	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/go/sklog"
)

// IdleEvictAfter is how long a cache entry may sit at refcount zero before
// the sweep closes it.
const IdleEvictAfter = 60 * time.Second

// SweepInterval is how often the idle sweep runs.
const SweepInterval = time.Second

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	uuid TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	state TEXT NOT NULL,
	build TEXT NOT NULL,
	build_step INTEGER NOT NULL DEFAULT 0,
	build_step_count INTEGER NOT NULL DEFAULT 0,
	builder TEXT NOT NULL DEFAULT '',
	started INTEGER NOT NULL DEFAULT 0,
	duration INTEGER NOT NULL DEFAULT 0,
	est_peak_mem_kib INTEGER NOT NULL DEFAULT 0,
	est_disk_kib INTEGER NOT NULL DEFAULT 0,
	art_up_nonce TEXT NOT NULL DEFAULT '',
	art_down_nonce TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_uuid TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	channel INTEGER NOT NULL,
	finished INTEGER NOT NULL DEFAULT 0,
	len INTEGER NOT NULL,
	log TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS logs_task_uuid_idx ON logs(task_uuid);
CREATE TABLE IF NOT EXISTS artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_uuid TEXT NOT NULL,
	blob_filename TEXT NOT NULL,
	artifact_up_nonce TEXT NOT NULL,
	artifact_down_nonce TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	len INTEGER NOT NULL,
	blob BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS artifacts_task_uuid_idx ON artifacts(task_uuid);
`

// safeUUID strips anything that isn't a hex character, so a malicious or
// malformed uuid can never be used to escape the database directory.
var hexOnly = regexp.MustCompile(`[^0-9a-fA-F]`)

func safeUUID(uuid string) string {
	return hexOnly.ReplaceAllString(uuid, "")
}

// ErrBusy distinguishes a transient SQLITE_BUSY (retryable by the next
// central tick) from a hard open failure.
var ErrBusy = fmt.Errorf("eventdb: database busy")

// cacheEntry is one cached *sql.DB plus its lifecycle bookkeeping.
type cacheEntry struct {
	db        *sql.DB
	refcount  int
	idleSince time.Time // zero while refcount > 0
}

// Pool caches per-event *sql.DB handles by event uuid, refcounting opens
// against closes and lazily evicting idle entries.
type Pool struct {
	dir    string
	prefix string

	mu      sync.Mutex
	entries map[string]*cacheEntry

	stopSweep chan struct{}
	swept     sync.Once
}

// New returns a Pool that stores per-event databases as
// <dir>/<prefix>-event-<uuid>.sqlite3 and starts its 1 Hz idle sweep.
func New(dir, prefix string) *Pool {
	p := &Pool{
		dir:       dir,
		prefix:    prefix,
		entries:   map[string]*cacheEntry{},
		stopSweep: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Close stops the background sweep and closes every cached handle
// regardless of refcount. Intended for process shutdown / test teardown.
func (p *Pool) Close() {
	p.swept.Do(func() { close(p.stopSweep) })
	p.mu.Lock()
	defer p.mu.Unlock()
	for uuid, e := range p.entries {
		if err := e.db.Close(); err != nil {
			sklog.Warningf("eventdb: closing %s during pool shutdown: %s", uuid, err)
		}
		delete(p.entries, uuid)
	}
}

func (p *Pool) filename(eventUUID string) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s-event-%s.sqlite3", p.prefix, safeUUID(eventUUID)))
}

// Handle is a borrowed, refcounted reference to an event's database. Callers
// must call Close exactly once.
type Handle struct {
	pool      *Pool
	eventUUID string
	DB        *sql.DB
}

// Close releases this reference. When the refcount reaches zero the
// connection is kept warm until the next idle sweep finds it idle for
// IdleEvictAfter.
func (h *Handle) Close() {
	h.pool.release(h.eventUUID)
}

// EnsureOpen returns a Handle to eventUUID's database, opening and
// migrating it first if necessary. If createIfMissing is false and the
// file does not yet exist, returns an error instead of creating one.
func (p *Pool) EnsureOpen(ctx context.Context, eventUUID string, createIfMissing bool) (*Handle, error) {
	eventUUID = safeUUID(eventUUID)
	if eventUUID == "" {
		return nil, skerr.Fmt("eventdb: empty event uuid")
	}

	p.mu.Lock()
	if e, ok := p.entries[eventUUID]; ok {
		e.refcount++
		e.idleSince = time.Time{}
		p.mu.Unlock()
		return &Handle{pool: p, eventUUID: eventUUID, DB: e.db}, nil
	}
	p.mu.Unlock()

	path := p.filename(eventUUID)
	if !createIfMissing {
		if _, err := os.Stat(path); err != nil {
			return nil, skerr.Wrapf(err, "eventdb: database for %s does not exist", eventUUID)
		}
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, skerr.Wrap(err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, skerr.Wrapf(err, "eventdb: opening %s", path)
	}
	db.SetMaxOpenConns(1) // one writer per sqlite file; avoids SQLITE_BUSY under our own concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, classifyOpenErr(err, path)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, classifyOpenErr(err, path)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[eventUUID]; ok {
		// Lost the race with a concurrent EnsureOpen; use theirs, discard ours.
		db.Close()
		e.refcount++
		e.idleSince = time.Time{}
		return &Handle{pool: p, eventUUID: eventUUID, DB: e.db}, nil
	}
	p.entries[eventUUID] = &cacheEntry{db: db, refcount: 1}
	return &Handle{pool: p, eventUUID: eventUUID, DB: db}, nil
}

func classifyOpenErr(err error, path string) error {
	if strings.Contains(strings.ToLower(err.Error()), "busy") || strings.Contains(strings.ToLower(err.Error()), "locked") {
		return ErrBusy
	}
	return skerr.Wrapf(err, "eventdb: preparing %s", path)
}

func (p *Pool) release(eventUUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[eventUUID]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		e.refcount = 0
		e.idleSince = now.Now(context.Background())
	}
}

// cachedRefcount is a test hook: exposes the live refcount for an event, or
// -1 if not cached.
func (p *Pool) cachedRefcount(eventUUID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[eventUUID]
	if !ok {
		return -1
	}
	return e.refcount
}

func (p *Pool) sweepLoop() {
	t := time.NewTicker(SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-t.C:
			p.sweepOnce(context.Background())
		}
	}
}

func (p *Pool) sweepOnce(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	nowT := now.Now(ctx)
	for uuid, e := range p.entries {
		if e.refcount == 0 && !e.idleSince.IsZero() && nowT.Sub(e.idleSince) >= IdleEvictAfter {
			if err := e.db.Close(); err != nil {
				sklog.Warningf("eventdb: closing idle handle for %s: %s", uuid, err)
			}
			delete(p.entries, uuid)
		}
	}
}

// DeleteDatabase removes the event's sqlite3 file and its -wal/-shm
// siblings. It first closes and drops the event's cached handle via
// forceEvict, regardless of refcount, so any Handle still borrowed for the
// event is left pointing at a closed *sql.DB.
func (p *Pool) DeleteDatabase(eventUUID string) error {
	eventUUID = safeUUID(eventUUID)
	p.forceEvict(eventUUID)

	base := p.filename(eventUUID)
	var firstErr error
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(base + suffix); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return skerr.Wrapf(firstErr, "eventdb: deleting database for %s", eventUUID)
	}
	return nil
}

// forceEvict closes and removes the cache entry for eventUUID regardless of
// refcount, used only by DeleteDatabase right before unlinking the files.
func (p *Pool) forceEvict(eventUUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[eventUUID]; ok {
		e.db.Close()
		delete(p.entries, eventUUID)
	}
}
