// Package velosync holds the domain model for the backup service: users,
// the per-post change-detection cache, backup runs, and the queue of backup
// jobs. Implementations of the repository interfaces live elsewhere
// (internal/sqlite); everything here is storage-agnostic.
package velosync

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConflict     = errors.New("resource already exists")
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("missing or invalid credentials")
)

type (
	// User is an account that can link a Velog username and one or more
	// backup destinations.
	User struct {
		ID            string `db:"id"`
		Email         string `db:"email"`
		VelogUsername string `db:"velog_username"`

		// Role gates privileged surfaces. Checked through [RoleChecker],
		// never against a literal identity list.
		Role string `db:"role"`

		GithubToken       string `db:"github_token"`
		GithubRepo        string `db:"github_repo"`
		DriveToken        string `db:"drive_token"`
		DriveRefreshToken string `db:"drive_refresh_token"`
		DriveFolderID     string `db:"drive_folder_id"`

		EmailNotifications bool `db:"email_notifications"`
		AutoBackup         bool `db:"auto_backup"`

		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}

	// CacheEntry is the last-known-synced state of one post, keyed by
	// (user, slug). It exists purely so the next run can decide skip vs
	// upload, and keeps the rendered document so unchanged posts can be
	// re-exported without refetching.
	CacheEntry struct {
		ID          string     `db:"id"`
		UserID      string     `db:"user_id"`
		Slug        string     `db:"slug"`
		Title       string     `db:"title"`
		ContentHash string     `db:"content_hash"`
		Thumbnail   string     `db:"thumbnail"`
		Tags        string     `db:"tags"` // JSON-encoded list
		Content     string     `db:"content"`
		PublishedAt *time.Time `db:"published_at"`

		LastBackedUp *time.Time `db:"last_backed_up"`
		CreatedAt    time.Time  `db:"created_at"`
		UpdatedAt    time.Time  `db:"updated_at"`
	}

	// BackupRun is one invocation of the sync process for one user.
	// Created in_progress, finalized exactly once.
	BackupRun struct {
		ID     string    `db:"id"`
		UserID string    `db:"user_id"`
		Status RunStatus `db:"status"`

		PostsTotal   int `db:"posts_total"`
		PostsNew     int `db:"posts_new"`
		PostsUpdated int `db:"posts_updated"`
		PostsSkipped int `db:"posts_skipped"`
		PostsFailed  int `db:"posts_failed"`

		Message      string `db:"message"`
		ErrorDetails string `db:"error_details"`

		StartedAt   time.Time  `db:"started_at"`
		CompletedAt *time.Time `db:"completed_at"`
	}

	// Job is a queued request to run a backup. The web layer only ever
	// inserts one; the worker claims and executes it.
	Job struct {
		ID          string      `db:"id"`
		UserID      string      `db:"user_id"`
		Destination Destination `db:"destination"`
		Force       bool        `db:"force"`
		Status      JobStatus   `db:"status"`
		RunID       string      `db:"run_id"`

		CreatedAt   time.Time  `db:"created_at"`
		StartedAt   *time.Time `db:"started_at"`
		CompletedAt *time.Time `db:"completed_at"`
	}

	UserRepo interface {
		User(ctx context.Context, id string) (User, error)
		UserByEmail(ctx context.Context, email string) (User, error)
		EnsureUser(ctx context.Context, usr User) (User, error)
		UpdateUser(ctx context.Context, id string, args UpdateUserArgs) error
		AutoBackupUserIDs(ctx context.Context) ([]string, error)
	}

	// Holds the optional fields for updating a user. Nil means leave alone.
	UpdateUserArgs struct {
		VelogUsername      *string
		GithubToken        *string
		GithubRepo         *string
		DriveToken         *string
		DriveRefreshToken  *string
		DriveFolderID      *string
		EmailNotifications *bool
		AutoBackup         *bool
	}

	CacheRepo interface {
		Entry(ctx context.Context, userID, slug string) (CacheEntry, error)
		Entries(ctx context.Context, userID string) ([]CacheEntry, error)
		CountEntries(ctx context.Context, userID string) (int, error)
		UpsertEntry(ctx context.Context, entry CacheEntry) error
		// ResetEntries drops every cached post for the user. Only done when
		// the linked source username changes: slugs from a different account
		// are not comparable.
		ResetEntries(ctx context.Context, userID string) error
	}

	RunRepo interface {
		StartRun(ctx context.Context, userID string) (BackupRun, error)
		FinishRun(ctx context.Context, id string, args FinishRunArgs) error
		Run(ctx context.Context, id string) (BackupRun, error)
		Runs(ctx context.Context, userID string, limit int) ([]BackupRun, error)
		RecentRuns(ctx context.Context, limit int) ([]BackupRun, error)
		LastSuccessfulRun(ctx context.Context, userID string) (BackupRun, error)
		// ReconcileStaleRuns flips runs stuck in_progress since before
		// `olderThan` to failed. Recovery for runs orphaned by a crash.
		ReconcileStaleRuns(ctx context.Context, olderThan time.Time) (int64, error)
	}

	FinishRunArgs struct {
		Status       RunStatus
		Counters     RunCounters
		Message      string
		ErrorDetails string
	}

	RunCounters struct {
		Total   int
		New     int
		Updated int
		Skipped int
		Failed  int
	}

	JobRepo interface {
		EnqueueJob(ctx context.Context, userID string, dest Destination, force bool) (Job, error)
		// ClaimJob atomically takes the oldest pending job, or ErrNotFound
		// when the queue is empty.
		ClaimJob(ctx context.Context) (Job, error)
		FinishJob(ctx context.Context, id string, status JobStatus, runID string) error
		PendingJobForUser(ctx context.Context, userID string) (Job, error)
		ReconcileStaleJobs(ctx context.Context, olderThan time.Time) (int64, error)
	}

	// Repository is the full persistence surface, implemented by
	// internal/sqlite.
	Repository interface {
		UserRepo
		CacheRepo
		RunRepo
		JobRepo
	}
)

// RoleChecker is the capability surface for privileged endpoints.
type RoleChecker interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusSuccess    RunStatus = "success"
	RunStatusPartial    RunStatus = "partial"
	RunStatusFailed     RunStatus = "failed"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

type Destination string

const (
	DestinationGithub Destination = "github"
	DestinationDrive  Destination = "google_drive"
)

// ValidDestination reports whether d names a known backup destination.
func ValidDestination(d Destination) bool {
	return d == DestinationGithub || d == DestinationDrive
}
