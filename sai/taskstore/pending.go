package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/sai/types"
)

// PendingForPlatform finds the best next task to offer a builder supporting
// platform, walking incomplete events newest-first. A task whose platform
// matches one that FAILed on the most recent fully-ran previous event for
// the same (repo, ref) takes priority over everything else; absent any such
// priority candidate, the earliest-uuid WAITING match wins. excludedUUID
// (typically a builder's last_rej_task_uuid) is skipped entirely.
func (s *Store) PendingForPlatform(ctx context.Context, platform, excludedUUID string) (*types.Task, error) {
	eventUUIDs, err := s.incompleteEventUUIDs(ctx)
	if err != nil {
		return nil, err
	}

	var fallback *types.Task
	for _, eventUUID := range eventUUIDs {
		candidates, err := s.waitingTasksForPlatform(ctx, eventUUID, platform, excludedUUID)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			continue
		}

		repoName, ref, err := s.eventMeta(ctx, eventUUID)
		if err != nil {
			return nil, err
		}
		priorFailed, err := s.platformFailedOnPreviousRun(ctx, eventUUID, repoName, ref, platform)
		if err != nil {
			return nil, err
		}
		if priorFailed {
			sort.Slice(candidates, func(i, j int) bool { return candidates[i].UUID < candidates[j].UUID })
			t := candidates[0]
			return &t, nil
		}

		if fallback == nil {
			sort.Slice(candidates, func(i, j int) bool { return candidates[i].UUID < candidates[j].UUID })
			t := candidates[0]
			fallback = &t
		}
	}
	return fallback, nil
}

// waitingTasksForPlatform scans one event's per-event database for WAITING
// tasks whose platform triple matches the builder's offered platform.
func (s *Store) waitingTasksForPlatform(ctx context.Context, eventUUID, platform, excludedUUID string) ([]types.Task, error) {
	h, err := s.Pool.EnsureOpen(ctx, eventUUID, false)
	if err != nil {
		return nil, skerr.Wrapf(err, "taskstore: opening event db for %s", eventUUID)
	}
	defer h.Close()

	rows, err := h.DB.QueryContext(ctx,
		`SELECT uuid, platform, state, build, build_step, build_step_count, builder, started, duration,
			est_peak_mem_kib, est_disk_kib, art_up_nonce, art_down_nonce
		 FROM tasks WHERE state = ?`, types.StateWaiting)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		var t types.Task
		if err := rows.Scan(&t.UUID, &t.Platform, &t.State, &t.Build, &t.BuildStep, &t.BuildStepCount,
			&t.Builder, &t.Started, &t.Duration, &t.EstPeakMemKiB, &t.EstDiskKiB,
			&t.ArtUpNonce, &t.ArtDownNonce); err != nil {
			return nil, skerr.Wrap(err)
		}
		if t.UUID == excludedUUID {
			continue
		}
		if !types.PlatformMatches(t.Platform, platform) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// platformFailedOnPreviousRun reports whether the most recent fully-ran
// event (SUCCESS/FAIL/CANCELLED) before eventUUID for the same repo+ref had
// a FAILed task matching platform.
func (s *Store) platformFailedOnPreviousRun(ctx context.Context, eventUUID, repoName, ref, platform string) (bool, error) {
	var prevUUID string
	err := s.Global.DB.QueryRowContext(ctx,
		`SELECT uuid FROM events
		 WHERE repo_name = ? AND ref = ? AND uuid != ?
			AND state IN (?, ?, ?)
			AND created < (SELECT created FROM events WHERE uuid = ?)
		 ORDER BY created DESC LIMIT 1`,
		repoName, ref, eventUUID, types.StateSuccess, types.StateFail, types.StateCancelled, eventUUID).
		Scan(&prevUUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, skerr.Wrap(err)
	}

	h, err := s.Pool.EnsureOpen(ctx, prevUUID, false)
	if err != nil {
		// The previous event's database may have already been evicted and
		// deleted; absence of evidence is not evidence of failure.
		return false, nil
	}
	defer h.Close()

	rows, err := h.DB.QueryContext(ctx, `SELECT platform FROM tasks WHERE state = ?`, types.StateFail)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return false, skerr.Wrap(err)
		}
		if types.PlatformMatches(p, platform) {
			return true, nil
		}
	}
	return false, nil
}
