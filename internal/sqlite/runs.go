package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"velosync/internal/velosync"
)

const runNamespace = "-run"

func (r Repo) StartRun(ctx context.Context, userID string) (velosync.BackupRun, error) {
	const q = `INSERT INTO backup_runs (id, user_id, status) VALUES (?, ?, ?);`

	id := uuid.NewString() + runNamespace
	if _, err := r.db.ExecContext(ctx, q, id, userID, velosync.RunStatusInProgress); err != nil {
		return velosync.BackupRun{}, fmt.Errorf("error starting run: %s", err)
	}

	return r.Run(ctx, id)
}

// FinishRun finalizes a run exactly once: the guard on status keeps a
// terminal run immutable even if finalization races the recovery sweep.
func (r Repo) FinishRun(ctx context.Context, id string, args velosync.FinishRunArgs) error {
	const q = `UPDATE backup_runs SET
		status = ?,
		posts_total = ?, posts_new = ?, posts_updated = ?, posts_skipped = ?, posts_failed = ?,
		message = ?, error_details = ?,
		completed_at = CURRENT_TIMESTAMP
	WHERE id = ? AND status = ?;`

	res, err := r.db.ExecContext(ctx, q,
		args.Status,
		args.Counters.Total, args.Counters.New, args.Counters.Updated, args.Counters.Skipped, args.Counters.Failed,
		args.Message, args.ErrorDetails,
		id, velosync.RunStatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("error finishing run: %s", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run already finalized: %w", velosync.ErrConflict)
	}

	return nil
}

func (r Repo) Run(ctx context.Context, id string) (velosync.BackupRun, error) {
	const q = `SELECT * FROM backup_runs WHERE id = ?;`

	var run velosync.BackupRun
	err := r.db.GetContext(ctx, &run, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return velosync.BackupRun{}, velosync.ErrNotFound
	}
	if err != nil {
		return velosync.BackupRun{}, fmt.Errorf("error fetching run: %s", err)
	}

	return run, nil
}

func (r Repo) Runs(ctx context.Context, userID string, limit int) ([]velosync.BackupRun, error) {
	const q = `SELECT * FROM backup_runs WHERE user_id = ? ORDER BY started_at DESC LIMIT ?;`

	var runs []velosync.BackupRun
	if err := r.db.SelectContext(ctx, &runs, q, userID, limit); err != nil {
		return nil, fmt.Errorf("error fetching runs: %s", err)
	}

	return runs, nil
}

// RecentRuns returns the latest runs across all users, for the admin surface.
func (r Repo) RecentRuns(ctx context.Context, limit int) ([]velosync.BackupRun, error) {
	const q = `SELECT * FROM backup_runs ORDER BY started_at DESC LIMIT ?;`

	var runs []velosync.BackupRun
	if err := r.db.SelectContext(ctx, &runs, q, limit); err != nil {
		return nil, fmt.Errorf("error fetching recent runs: %s", err)
	}

	return runs, nil
}

func (r Repo) LastSuccessfulRun(ctx context.Context, userID string) (velosync.BackupRun, error) {
	const q = `SELECT * FROM backup_runs
	WHERE user_id = ? AND status = ?
	ORDER BY completed_at DESC LIMIT 1;`

	var run velosync.BackupRun
	err := r.db.GetContext(ctx, &run, q, userID, velosync.RunStatusSuccess)
	if errors.Is(err, sql.ErrNoRows) {
		return velosync.BackupRun{}, velosync.ErrNotFound
	}
	if err != nil {
		return velosync.BackupRun{}, fmt.Errorf("error fetching last successful run: %s", err)
	}

	return run, nil
}

// ReconcileStaleRuns fails any run still in_progress from before olderThan.
// Covers runs orphaned by a crashed process; no process handle survives a
// restart, so the sweep is the only recovery path.
func (r Repo) ReconcileStaleRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `UPDATE backup_runs SET
		status = ?,
		message = 'reconciled: run exceeded staleness threshold',
		completed_at = CURRENT_TIMESTAMP
	WHERE status = ? AND started_at < ?;`

	res, err := r.db.ExecContext(ctx, q, velosync.RunStatusFailed, velosync.RunStatusInProgress, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("error reconciling stale runs: %s", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error counting reconciled runs: %s", err)
	}

	return n, nil
}
