package taskstore

import (
	"context"
	"database/sql"
	"errors"

	"go.skia.org/sai/go/now"
	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/sai/eventdb"
	"go.skia.org/sai/sai/types"
)

// Store bundles the global database, the build-metrics database, and the
// per-event database pool; every public operation here is a combination of
// reads/writes against these three.
type Store struct {
	Global  *GlobalDB
	Metrics *BuildMetricsDB
	Pool    *eventdb.Pool
}

// New returns a Store over already-open databases and event pool.
func New(global *GlobalDB, metrics *BuildMetricsDB, pool *eventdb.Pool) *Store {
	return &Store{Global: global, Metrics: metrics, Pool: pool}
}

// CreateEvent serializes a freshly parsed Event and its Task set: the event
// row goes into the global database, the tasks into a newly opened
// per-event database.
func (s *Store) CreateEvent(ctx context.Context, event types.Event, tasks []types.Task) error {
	nowT := now.Now(ctx).Unix()
	if event.Created == 0 {
		event.Created = nowT
	}
	event.LastUpdated = nowT
	if event.State == "" {
		event.State = types.StateWaiting
	}

	if _, err := s.Global.DB.ExecContext(ctx,
		`INSERT INTO events (uuid, repo_name, ref, hash, source_ip, created, last_updated, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.UUID, event.RepoName, event.Ref, event.Hash, event.SourceIP,
		event.Created, event.LastUpdated, event.State); err != nil {
		return skerr.Wrapf(err, "taskstore: inserting event %s", event.UUID)
	}

	h, err := s.Pool.EnsureOpen(ctx, event.UUID, true)
	if err != nil {
		return skerr.Wrapf(err, "taskstore: opening event db for %s", event.UUID)
	}
	defer h.Close()

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (uuid, platform, state, build, build_step, build_step_count, builder,
				started, duration, est_peak_mem_kib, est_disk_kib, art_up_nonce, art_down_nonce)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.UUID, t.Platform, types.StateWaiting, t.Build, t.BuildStep, t.BuildStepCount, t.Builder,
			t.Started, t.Duration, t.EstPeakMemKiB, t.EstDiskKiB, t.ArtUpNonce, t.ArtDownNonce); err != nil {
			tx.Rollback()
			return skerr.Wrapf(err, "taskstore: inserting task %s", t.UUID)
		}
	}
	if err := tx.Commit(); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}

// GetTask reads one task row back out of its event database.
func (s *Store) GetTask(ctx context.Context, eventUUID, taskUUID string) (*types.Task, error) {
	h, err := s.Pool.EnsureOpen(ctx, eventUUID, false)
	if err != nil {
		return nil, skerr.Wrapf(err, "taskstore: opening event db for %s", eventUUID)
	}
	defer h.Close()

	t := &types.Task{}
	err = h.DB.QueryRowContext(ctx,
		`SELECT uuid, platform, state, build, build_step, build_step_count, builder, started, duration,
			est_peak_mem_kib, est_disk_kib, art_up_nonce, art_down_nonce
		 FROM tasks WHERE uuid = ?`, taskUUID).
		Scan(&t.UUID, &t.Platform, &t.State, &t.Build, &t.BuildStep, &t.BuildStepCount, &t.Builder,
			&t.Started, &t.Duration, &t.EstPeakMemKiB, &t.EstDiskKiB, &t.ArtUpNonce, &t.ArtDownNonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, skerr.Fmt("taskstore: no such task %s", taskUUID)
	}
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return t, nil
}

// UpdateTaskState atomically writes the (state, started, duration,
// build_step, builder) quintet for one task, then re-rolls the owning
// event's state.
func (s *Store) UpdateTaskState(ctx context.Context, eventUUID, taskUUID string, state types.EventState, started, duration int64, buildStep int, builder string) error {
	h, err := s.Pool.EnsureOpen(ctx, eventUUID, false)
	if err != nil {
		return skerr.Wrapf(err, "taskstore: opening event db for %s", eventUUID)
	}
	defer h.Close()

	if _, err := h.DB.ExecContext(ctx,
		`UPDATE tasks SET state = ?, started = ?, duration = ?, build_step = ?, builder = ? WHERE uuid = ?`,
		state, started, duration, buildStep, builder, taskUUID); err != nil {
		return skerr.Wrapf(err, "taskstore: updating task %s", taskUUID)
	}
	_, err = s.RollupEventState(ctx, eventUUID)
	return err
}

// PersistBuildStep persists only the step cursor, ahead of dispatching the
// next step, per the documented crash-window tradeoff (see DESIGN.md).
func (s *Store) PersistBuildStep(ctx context.Context, eventUUID, taskUUID string, buildStep int) error {
	h, err := s.Pool.EnsureOpen(ctx, eventUUID, false)
	if err != nil {
		return skerr.Wrapf(err, "taskstore: opening event db for %s", eventUUID)
	}
	defer h.Close()
	if _, err := h.DB.ExecContext(ctx, `UPDATE tasks SET build_step = ? WHERE uuid = ?`, buildStep, taskUUID); err != nil {
		return skerr.Wrapf(err, "taskstore: persisting build step for %s", taskUUID)
	}
	return nil
}

// ResetTask clears all logs and artifacts for a task and returns it to
// WAITING, unbound from any builder, with its step cursor back at 0.
func (s *Store) ResetTask(ctx context.Context, eventUUID, taskUUID string) error {
	h, err := s.Pool.EnsureOpen(ctx, eventUUID, false)
	if err != nil {
		return skerr.Wrapf(err, "taskstore: opening event db for %s", eventUUID)
	}
	defer h.Close()

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE task_uuid = ?`, taskUUID); err != nil {
		tx.Rollback()
		return skerr.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE task_uuid = ?`, taskUUID); err != nil {
		tx.Rollback()
		return skerr.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET state = ?, builder = '', started = 0, duration = 0, build_step = 0 WHERE uuid = ?`,
		types.StateWaiting, taskUUID); err != nil {
		tx.Rollback()
		return skerr.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return skerr.Wrap(err)
	}
	_, err = s.RollupEventState(ctx, eventUUID)
	return err
}

// CancelTask marks the task CANCELLED and unbinds its builder without
// touching logs or artifacts (the caller is separately responsible for
// signalling the bound builder to terminate the subprocess).
func (s *Store) CancelTask(ctx context.Context, eventUUID, taskUUID string) error {
	h, err := s.Pool.EnsureOpen(ctx, eventUUID, false)
	if err != nil {
		return skerr.Wrapf(err, "taskstore: opening event db for %s", eventUUID)
	}
	defer h.Close()
	if _, err := h.DB.ExecContext(ctx,
		`UPDATE tasks SET state = ?, builder = '' WHERE uuid = ?`, types.StateCancelled, taskUUID); err != nil {
		return skerr.Wrapf(err, "taskstore: cancelling task %s", taskUUID)
	}
	_, err = s.RollupEventState(ctx, eventUUID)
	return err
}

// RollupEventState recounts the owning event's tasks and writes the new
// event state per f(multiset of task states), emitting nothing itself —
// callers (sai/scheduler, sai/notify) are responsible for the
// event-change notification.
func (s *Store) RollupEventState(ctx context.Context, eventUUID string) (types.EventState, error) {
	h, err := s.Pool.EnsureOpen(ctx, eventUUID, false)
	if err != nil {
		return "", skerr.Wrapf(err, "taskstore: opening event db for %s", eventUUID)
	}
	defer h.Close()

	rows, err := h.DB.QueryContext(ctx, `SELECT state FROM tasks`)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	var states []types.EventState
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			rows.Close()
			return "", skerr.Wrap(err)
		}
		states = append(states, types.EventState(st))
	}
	rows.Close()

	newState := rollupState(states)
	if _, err := s.Global.DB.ExecContext(ctx, `UPDATE events SET state = ?, last_updated = ? WHERE uuid = ?`,
		newState, now.Now(ctx).Unix(), eventUUID); err != nil {
		return "", skerr.Wrap(err)
	}
	return newState, nil
}

// rollupState implements event.state = f(multiset of task states).
func rollupState(states []types.EventState) types.EventState {
	if len(states) == 0 {
		return types.StateWaiting
	}
	allSuccess, allFail, anyFail := true, true, false
	for _, st := range states {
		if st != types.StateSuccess {
			allSuccess = false
		}
		if st != types.StateFail {
			allFail = false
		}
		if st == types.StateFail {
			anyFail = true
		}
	}
	switch {
	case allSuccess:
		return types.StateSuccess
	case allFail:
		return types.StateFail
	case anyFail:
		return types.StateBeingBuiltHasFailures
	default:
		return types.StateBeingBuilt
	}
}

// incompleteEventUUIDs returns the uuids of every event whose rollup state
// is not yet terminal, newest first.
func (s *Store) incompleteEventUUIDs(ctx context.Context) ([]string, error) {
	rows, err := s.Global.DB.QueryContext(ctx,
		`SELECT uuid FROM events WHERE state NOT IN (?, ?, ?, ?) ORDER BY created DESC`,
		types.StateSuccess, types.StateFail, types.StateCancelled, types.StateDeleted)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, skerr.Wrap(err)
		}
		out = append(out, uuid)
	}
	return out, nil
}

// eventMeta is the subset of an event row PendingForPlatform needs to apply
// the prior-failure preference.
func (s *Store) eventMeta(ctx context.Context, eventUUID string) (repoName, ref string, err error) {
	err = s.Global.DB.QueryRowContext(ctx, `SELECT repo_name, ref FROM events WHERE uuid = ?`, eventUUID).
		Scan(&repoName, &ref)
	if err == sql.ErrNoRows {
		return "", "", skerr.Fmt("taskstore: no such event %s", eventUUID)
	}
	return repoName, ref, err
}

// EventRepo exposes eventMeta for callers outside the package that need the
// repo/ref a task belongs to, e.g. the scheduler building a TaskAssign for
// the sai-mirror/sai-checkout sentinel steps.
func (s *Store) EventRepo(ctx context.Context, eventUUID string) (repoName, ref string, err error) {
	return s.eventMeta(ctx, eventUUID)
}
