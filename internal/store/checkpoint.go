package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunStatus is the outcome of the most recent sync run.
type RunStatus string

const (
	StatusClean   RunStatus = "clean"
	StatusPartial RunStatus = "partial"
	StatusFailed  RunStatus = "failed"
)

// Checkpoint is the single-row sync state for this account. Cursor is the
// Gmail history ID of the last committed pass, empty until the first full
// sync commits.
type Checkpoint struct {
	Cursor         string
	LastFullSyncAt time.Time
	LastRunStatus  RunStatus
}

// Checkpoint loads the current checkpoint. A missing row is not an error:
// it returns the zero checkpoint, which forces a full sync.
func (s *Store) Checkpoint(ctx context.Context) (Checkpoint, error) {
	var (
		cp       Checkpoint
		status   string
		fullSync sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor, last_full_sync_at, last_run_status FROM sync_state WHERE id = 1
	`).Scan(&cp.Cursor, &fullSync, &status)
	if err != nil {
		if err == sql.ErrNoRows {
			return Checkpoint{LastRunStatus: StatusClean}, nil
		}
		return Checkpoint{}, classify(fmt.Errorf("failed to load checkpoint: %w", err))
	}

	cp.LastRunStatus = RunStatus(status)
	if fullSync.Valid {
		cp.LastFullSyncAt = time.Unix(fullSync.Int64, 0)
	}
	return cp, nil
}

// SetCheckpoint replaces the checkpoint row in a single statement, so a
// concurrent reader sees either the old or the new value, never a torn one.
func (s *Store) SetCheckpoint(ctx context.Context, cp Checkpoint) error {
	var fullSync any
	if !cp.LastFullSyncAt.IsZero() {
		fullSync = cp.LastFullSyncAt.Unix()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_state (id, cursor, last_full_sync_at, last_run_status, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cursor = excluded.cursor,
			last_full_sync_at = excluded.last_full_sync_at,
			last_run_status = excluded.last_run_status,
			updated_at = excluded.updated_at
	`, cp.Cursor, fullSync, string(cp.LastRunStatus), time.Now().Unix())
	if err != nil {
		return classify(fmt.Errorf("failed to save checkpoint: %w", err))
	}
	return nil
}
