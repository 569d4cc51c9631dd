// Package jobs runs the background side of the service: it claims queued
// backup jobs, executes them, sweeps up state orphaned by crashes, and
// enqueues the daily automatic backups.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"velosync/internal/drive"
	"velosync/internal/github"
	"velosync/internal/logger"
	"velosync/internal/notify"
	"velosync/internal/sync"
	"velosync/internal/velosync"
)

const (
	// pollInterval is how often an idle worker checks the queue.
	pollInterval = 2 * time.Second

	// sweepInterval is how often the recovery sweep runs.
	sweepInterval = 10 * time.Minute

	// staleAfter is how long a run or job may sit in a non-terminal state
	// before the sweep declares its process dead.
	staleAfter = time.Hour

	// autoBackupInterval is the cadence of automatic backups.
	autoBackupInterval = 24 * time.Hour
)

// PublisherFactory builds the destination publisher for one job from the
// user's stored credentials.
type PublisherFactory func(usr velosync.User, dest velosync.Destination) (velosync.Publisher, error)

// DefaultPublisherFactory wires the real destinations. driveClientID and
// driveClientSecret are the OAuth app credentials used to refresh drive
// tokens.
func DefaultPublisherFactory(driveClientID, driveClientSecret string) PublisherFactory {
	return func(usr velosync.User, dest velosync.Destination) (velosync.Publisher, error) {
		switch dest {
		case velosync.DestinationGithub:
			if usr.GithubToken == "" || usr.GithubRepo == "" {
				return nil, errors.New("github destination not configured")
			}
			return github.New("", usr.GithubToken, usr.GithubRepo), nil
		case velosync.DestinationDrive:
			if usr.DriveToken == "" {
				return nil, errors.New("google drive destination not configured")
			}
			return drive.New("", drive.Credentials{
				AccessToken:  usr.DriveToken,
				RefreshToken: usr.DriveRefreshToken,
				ClientID:     driveClientID,
				ClientSecret: driveClientSecret,
			}), nil
		default:
			return nil, fmt.Errorf("unknown destination: %q", dest)
		}
	}
}

// Worker is the single background loop. One instance per process; the
// claim-one-job-at-a-time queue semantics make more instances safe but
// pointless at this scale.
type Worker struct {
	repo       velosync.Repository
	syncer     *sync.Syncer
	publishers PublisherFactory
	mailer     *notify.Mailer
}

func NewWorker(repo velosync.Repository, syncer *sync.Syncer, publishers PublisherFactory, mailer *notify.Mailer) *Worker {
	return &Worker{
		repo:       repo,
		syncer:     syncer,
		publishers: publishers,
		mailer:     mailer,
	}
}

// Run blocks until ctx is canceled, polling the queue and firing the
// periodic sweeps and automatic backups.
func (w *Worker) Run(ctx context.Context) error {
	// Recover whatever the previous process left behind before taking new
	// work.
	w.sweep(ctx)

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	auto := time.NewTicker(autoBackupInterval)
	defer auto.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			w.sweep(ctx)
		case <-auto.C:
			w.enqueueAutoBackups(ctx)
		case <-poll.C:
			w.drain(ctx)
		}
	}
}

// drain claims and executes jobs until the queue is empty.
func (w *Worker) drain(ctx context.Context) {
	for {
		job, err := w.repo.ClaimJob(ctx)
		if errors.Is(err, velosync.ErrNotFound) {
			return
		}
		if err != nil {
			slog.ErrorContext(ctx, "error claiming job", "error", err)
			return
		}

		w.execute(ctx, job)

		if ctx.Err() != nil {
			return
		}
	}
}

// execute runs one claimed job to completion and finalizes it.
func (w *Worker) execute(ctx context.Context, job velosync.Job) {
	ctx = logger.Ctx(ctx,
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
	)

	usr, err := w.repo.User(ctx, job.UserID)
	if err != nil {
		slog.ErrorContext(ctx, "error loading user for job", "error", err)
		w.finishJob(ctx, job.ID, velosync.JobStatusFailed, "")
		return
	}

	if usr.VelogUsername == "" {
		slog.ErrorContext(ctx, "job for user without a linked velog account")
		w.finishJob(ctx, job.ID, velosync.JobStatusFailed, "")
		return
	}

	publisher, err := w.publishers(usr, job.Destination)
	if err != nil {
		slog.ErrorContext(ctx, "error building publisher", "error", err)
		w.finishJob(ctx, job.ID, velosync.JobStatusFailed, "")
		return
	}

	run, err := w.syncer.Run(ctx, usr, job.Destination, job.Force, publisher)
	if err != nil {
		slog.ErrorContext(ctx, "error executing backup run", "error", err)
		w.finishJob(ctx, job.ID, velosync.JobStatusFailed, run.ID)
		return
	}

	status := velosync.JobStatusDone
	if run.Status == velosync.RunStatusFailed {
		status = velosync.JobStatusFailed
	}
	w.finishJob(ctx, job.ID, status, run.ID)

	if err := w.mailer.RunFinished(ctx, usr, run); err != nil {
		// The backup already happened; a lost mail is only worth a log line.
		slog.WarnContext(ctx, "error sending run notification", "error", err)
	}
}

func (w *Worker) finishJob(ctx context.Context, id string, status velosync.JobStatus, runID string) {
	if err := w.repo.FinishJob(ctx, id, status, runID); err != nil {
		slog.ErrorContext(ctx, "error finishing job", "error", err)
	}
}

// sweep fails runs and jobs stuck past the staleness threshold. These are
// left over from a process that died mid-run.
func (w *Worker) sweep(ctx context.Context) {
	olderThan := time.Now().Add(-staleAfter)

	if n, err := w.repo.ReconcileStaleRuns(ctx, olderThan); err != nil {
		slog.ErrorContext(ctx, "error reconciling stale runs", "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "reconciled stale runs", "count", n)
	}

	if n, err := w.repo.ReconcileStaleJobs(ctx, olderThan); err != nil {
		slog.ErrorContext(ctx, "error reconciling stale jobs", "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "reconciled stale jobs", "count", n)
	}
}

// enqueueAutoBackups queues a non-forced backup for every opted-in user that
// does not already have one pending or running.
func (w *Worker) enqueueAutoBackups(ctx context.Context) {
	ids, err := w.repo.AutoBackupUserIDs(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "error listing auto-backup users", "error", err)
		return
	}

	for _, id := range ids {
		if _, err := w.repo.PendingJobForUser(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, velosync.ErrNotFound) {
			slog.ErrorContext(ctx, "error checking pending jobs", "user_id", id, "error", err)
			continue
		}

		usr, err := w.repo.User(ctx, id)
		if err != nil {
			slog.ErrorContext(ctx, "error loading auto-backup user", "user_id", id, "error", err)
			continue
		}

		dest, ok := preferredDestination(usr)
		if !ok {
			continue
		}

		if _, err := w.repo.EnqueueJob(ctx, id, dest, false); err != nil {
			slog.ErrorContext(ctx, "error enqueueing auto backup", "user_id", id, "error", err)
			continue
		}
		slog.InfoContext(ctx, "auto backup enqueued", "user_id", id, "destination", dest)
	}
}

// preferredDestination picks where an automatic backup goes: the repository
// when it is configured, the drive otherwise.
func preferredDestination(usr velosync.User) (velosync.Destination, bool) {
	switch {
	case usr.GithubToken != "" && usr.GithubRepo != "":
		return velosync.DestinationGithub, true
	case usr.DriveToken != "":
		return velosync.DestinationDrive, true
	default:
		return "", false
	}
}
