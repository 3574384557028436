package database

import (
	"context"
	"fmt"
	"time"

	"fieldsync/internal/models"
)

// RecordSyncRun appends a finished pass to the history table.
func (db *DB) RecordSyncRun(ctx context.Context, result models.SyncResult) error {
	query := `INSERT INTO sync_runs (started_at, duration_ms, attempted, succeeded, rescheduled, failed)
              VALUES (?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		result.StartedAt.UTC(),
		result.Duration.Milliseconds(),
		result.Attempted,
		result.Succeeded,
		result.Rescheduled,
		result.Failed,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}
	return nil
}

// RecentSyncRuns returns up to limit passes, newest first.
func (db *DB) RecentSyncRuns(ctx context.Context, limit int) ([]models.SyncResult, error) {
	query := `SELECT started_at, duration_ms, attempted, succeeded, rescheduled, failed
              FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SyncResult
	for rows.Next() {
		var r models.SyncResult
		var durationMS int64
		if err := rows.Scan(&r.StartedAt, &durationMS, &r.Attempted, &r.Succeeded, &r.Rescheduled, &r.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync runs: %w", err)
	}
	return runs, nil
}

// PruneSyncRuns deletes passes that started before cutoff.
func (db *DB) PruneSyncRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM sync_runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync runs: %w", err)
	}
	return res.RowsAffected()
}
