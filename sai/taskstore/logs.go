package taskstore

import (
	"context"
	"sync"
	"time"

	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/go/sklog"
	"go.skia.org/sai/sai/types"
)

// CoalesceInterval is how often pending in-memory logs are flushed to disk.
const CoalesceInterval = 250 * time.Millisecond

// LogCoalescer buffers incoming log chunks in memory, keyed by task uuid,
// and periodically flushes each task's whole pending list inside a single
// transaction against that task's event database. This collapses dozens of
// small per-second writes into one transaction per task per tick.
type LogCoalescer struct {
	store *Store

	mu      sync.Mutex
	pending map[string][]types.Log // task uuid -> pending logs
	owner   map[string]string      // task uuid -> event uuid

	stop chan struct{}
	done sync.Once
}

// NewLogCoalescer starts the 250ms flush loop against store.
func NewLogCoalescer(store *Store) *LogCoalescer {
	c := &LogCoalescer{
		store:   store,
		pending: map[string][]types.Log{},
		owner:   map[string]string{},
		stop:    make(chan struct{}),
	}
	go c.loop()
	return c
}

// Append queues one log chunk for the next flush. eventUUID identifies
// which per-event database the chunk ultimately belongs to.
func (c *LogCoalescer) Append(eventUUID string, l types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[l.TaskUUID] = append(c.pending[l.TaskUUID], l)
	c.owner[l.TaskUUID] = eventUUID
}

// Stop halts the flush loop after draining whatever is currently pending.
func (c *LogCoalescer) Stop() {
	c.done.Do(func() { close(c.stop) })
	c.Flush(context.Background())
}

func (c *LogCoalescer) loop() {
	t := time.NewTicker(CoalesceInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.Flush(context.Background())
		}
	}
}

// Flush writes every task's pending list to its event database in one
// transaction per task, then clears the list. Safe to call concurrently
// with Append; a task's list drained mid-append simply picks up the rest
// next tick.
func (c *LogCoalescer) Flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	owner := c.owner
	c.pending = map[string][]types.Log{}
	c.owner = map[string]string{}
	c.mu.Unlock()

	for taskUUID, logs := range batch {
		if err := c.flushOne(ctx, owner[taskUUID], taskUUID, logs); err != nil {
			sklog.Errorf("taskstore: flushing logs for task %s: %s", taskUUID, err)
		}
	}
}

func (c *LogCoalescer) flushOne(ctx context.Context, eventUUID, taskUUID string, logs []types.Log) error {
	h, err := c.store.Pool.EnsureOpen(ctx, eventUUID, false)
	if err != nil {
		return skerr.Wrapf(err, "taskstore: opening event db for %s", eventUUID)
	}
	defer h.Close()

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, l := range logs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO logs (task_uuid, timestamp, channel, finished, len, log) VALUES (?, ?, ?, ?, ?, ?)`,
			l.TaskUUID, l.Timestamp, l.Channel, l.Finished, l.Len, l.LogB64); err != nil {
			tx.Rollback()
			return skerr.Wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}
