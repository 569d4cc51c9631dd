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

const jobNamespace = "-job"

func (r Repo) EnqueueJob(ctx context.Context, userID string, dest velosync.Destination, force bool) (velosync.Job, error) {
	const q = `INSERT INTO jobs (id, user_id, destination, force) VALUES (?, ?, ?, ?);`

	id := uuid.NewString() + jobNamespace
	if _, err := r.db.ExecContext(ctx, q, id, userID, dest, force); err != nil {
		return velosync.Job{}, fmt.Errorf("error enqueueing job: %s", err)
	}

	return r.job(ctx, id)
}

func (r Repo) job(ctx context.Context, id string) (velosync.Job, error) {
	const q = `SELECT * FROM jobs WHERE id = ?;`

	var job velosync.Job
	err := r.db.GetContext(ctx, &job, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return velosync.Job{}, velosync.ErrNotFound
	}
	if err != nil {
		return velosync.Job{}, fmt.Errorf("error fetching job: %s", err)
	}

	return job, nil
}

// ClaimJob takes the oldest pending job and flips it to running in one
// statement, so two workers can never claim the same job.
func (r Repo) ClaimJob(ctx context.Context) (velosync.Job, error) {
	const q = `UPDATE jobs SET status = ?, started_at = CURRENT_TIMESTAMP
	WHERE id = (SELECT id FROM jobs WHERE status = ? ORDER BY created_at LIMIT 1)
	RETURNING *;`

	var job velosync.Job
	err := r.db.GetContext(ctx, &job, q, velosync.JobStatusRunning, velosync.JobStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return velosync.Job{}, velosync.ErrNotFound
	}
	if err != nil {
		return velosync.Job{}, fmt.Errorf("error claiming job: %s", err)
	}

	return job, nil
}

func (r Repo) FinishJob(ctx context.Context, id string, status velosync.JobStatus, runID string) error {
	const q = `UPDATE jobs SET status = ?, run_id = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?;`

	if _, err := r.db.ExecContext(ctx, q, status, runID, id); err != nil {
		return fmt.Errorf("error finishing job: %s", err)
	}

	return nil
}

// PendingJobForUser reports an already-queued (or running) job for the user,
// used to keep the one-run-per-user operational invariant at the boundary.
func (r Repo) PendingJobForUser(ctx context.Context, userID string) (velosync.Job, error) {
	const q = `SELECT * FROM jobs
	WHERE user_id = ? AND status IN (?, ?)
	ORDER BY created_at LIMIT 1;`

	var job velosync.Job
	err := r.db.GetContext(ctx, &job, q, userID, velosync.JobStatusPending, velosync.JobStatusRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return velosync.Job{}, velosync.ErrNotFound
	}
	if err != nil {
		return velosync.Job{}, fmt.Errorf("error fetching pending job: %s", err)
	}

	return job, nil
}

func (r Repo) ReconcileStaleJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `UPDATE jobs SET status = ?, completed_at = CURRENT_TIMESTAMP
	WHERE status = ? AND started_at < ?;`

	res, err := r.db.ExecContext(ctx, q, velosync.JobStatusFailed, velosync.JobStatusRunning, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("error reconciling stale jobs: %s", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error counting reconciled jobs: %s", err)
	}

	return n, nil
}
