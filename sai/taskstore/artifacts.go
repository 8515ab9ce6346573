package taskstore

import (
	"context"
	"database/sql"
	"errors"

	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/sai/types"
)

// AppendArtifactChunk stores one incoming chunk of an artifact's blob,
// creating the row on the first chunk (identified by blob_filename) and
// appending to it on subsequent chunks, so a builder may stream a large
// artifact across many small writes instead of buffering the whole file.
func (s *Store) AppendArtifactChunk(ctx context.Context, eventUUID string, chunk types.Artifact) error {
	h, err := s.Pool.EnsureOpen(ctx, eventUUID, false)
	if err != nil {
		return skerr.Wrapf(err, "taskstore: opening event db for %s", eventUUID)
	}
	defer h.Close()

	var existing int64
	err = h.DB.QueryRowContext(ctx,
		`SELECT id FROM artifacts WHERE task_uuid = ? AND blob_filename = ?`,
		chunk.TaskUUID, chunk.BlobFilename).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = h.DB.ExecContext(ctx,
			`INSERT INTO artifacts (task_uuid, blob_filename, artifact_up_nonce, artifact_down_nonce,
				timestamp, len, blob) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			chunk.TaskUUID, chunk.BlobFilename, chunk.ArtifactUpNonce, chunk.ArtifactDownNonce,
			chunk.Timestamp, chunk.Len, chunk.Blob)
		if err != nil {
			return skerr.Wrapf(err, "taskstore: creating artifact %s for task %s", chunk.BlobFilename, chunk.TaskUUID)
		}
		return nil
	case err != nil:
		return skerr.Wrap(err)
	default:
		_, err = h.DB.ExecContext(ctx,
			`UPDATE artifacts SET blob = blob || ?, len = len + ?, timestamp = ? WHERE id = ?`,
			chunk.Blob, chunk.Len, chunk.Timestamp, existing)
		if err != nil {
			return skerr.Wrapf(err, "taskstore: appending to artifact %s for task %s", chunk.BlobFilename, chunk.TaskUUID)
		}
		return nil
	}
}

// ArtifactByDownNonce retrieves a full artifact blob for the HTTP GET
// handler, keyed the way download URLs are: task uuid, down nonce, and
// filename, so a stale or guessed nonce never serves another task's file.
func (s *Store) ArtifactByDownNonce(ctx context.Context, eventUUID, taskUUID, downNonce, filename string) (*types.Artifact, error) {
	h, err := s.Pool.EnsureOpen(ctx, eventUUID, false)
	if err != nil {
		return nil, skerr.Wrapf(err, "taskstore: opening event db for %s", eventUUID)
	}
	defer h.Close()

	a := &types.Artifact{}
	err = h.DB.QueryRowContext(ctx,
		`SELECT task_uuid, blob_filename, artifact_up_nonce, artifact_down_nonce, timestamp, len, blob
		 FROM artifacts WHERE task_uuid = ? AND artifact_down_nonce = ? AND blob_filename = ?`,
		taskUUID, downNonce, filename).
		Scan(&a.TaskUUID, &a.BlobFilename, &a.ArtifactUpNonce, &a.ArtifactDownNonce, &a.Timestamp, &a.Len, &a.Blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, skerr.Fmt("taskstore: no artifact %s for task %s with that nonce", filename, taskUUID)
	}
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return a, nil
}
