package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"velosync/internal/velosync"
)

func testRepo(t *testing.T) Repo {
	t.Helper()

	dbx, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { dbx.Close() })

	// In-memory sqlite: one connection or each new conn sees an empty db.
	dbx.SetMaxOpenConns(1)

	require.NoError(t, Migrate(dbx))

	return New(dbx)
}

func testUser(t *testing.T, repo Repo) velosync.User {
	t.Helper()

	usr, err := repo.EnsureUser(context.Background(), velosync.User{Email: "dev@example.com"})
	require.NoError(t, err)
	return usr
}

func TestEnsureUser_Idempotent(t *testing.T) {
	repo := testRepo(t)

	first, err := repo.EnsureUser(context.Background(), velosync.User{Email: "dev@example.com"})
	require.NoError(t, err)

	second, err := repo.EnsureUser(context.Background(), velosync.User{Email: "dev@example.com"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "member", first.Role)
}

func TestUpdateUser(t *testing.T) {
	repo := testRepo(t)
	usr := testUser(t, repo)

	username := "tester"
	auto := true
	require.NoError(t, repo.UpdateUser(context.Background(), usr.ID, velosync.UpdateUserArgs{
		VelogUsername: &username,
		AutoBackup:    &auto,
	}))

	got, err := repo.User(context.Background(), usr.ID)
	require.NoError(t, err)
	assert.Equal(t, "tester", got.VelogUsername)
	assert.True(t, got.AutoBackup)
	// Untouched fields stay put.
	assert.Equal(t, "dev@example.com", got.Email)

	ids, err := repo.AutoBackupUserIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{usr.ID}, ids)
}

func TestHasRole(t *testing.T) {
	repo := testRepo(t)
	usr := testUser(t, repo)

	ok, err := repo.HasRole(context.Background(), usr.ID, "admin")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.HasRole(context.Background(), usr.ID, "member")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.HasRole(context.Background(), "missing-usr", "admin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheEntry_UpsertAndReset(t *testing.T) {
	repo := testRepo(t)
	usr := testUser(t, repo)
	ctx := context.Background()

	_, err := repo.Entry(ctx, usr.ID, "my-post")
	require.ErrorIs(t, err, velosync.ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, repo.UpsertEntry(ctx, velosync.CacheEntry{
		UserID:       usr.ID,
		Slug:         "my-post",
		Title:        "My Post",
		ContentHash:  "hash-1",
		Tags:         `["go"]`,
		Content:      "doc v1",
		LastBackedUp: &now,
	}))

	entry, err := repo.Entry(ctx, usr.ID, "my-post")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", entry.ContentHash)

	// Resync updates in place, keyed by (user, slug).
	require.NoError(t, repo.UpsertEntry(ctx, velosync.CacheEntry{
		UserID:      usr.ID,
		Slug:        "my-post",
		Title:       "My Post (edited)",
		ContentHash: "hash-2",
		Content:     "doc v2",
	}))

	count, err := repo.CountEntries(ctx, usr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	entry, err = repo.Entry(ctx, usr.ID, "my-post")
	require.NoError(t, err)
	assert.Equal(t, "hash-2", entry.ContentHash)
	assert.Equal(t, "doc v2", entry.Content)

	// Account reset wipes everything for the user.
	require.NoError(t, repo.ResetEntries(ctx, usr.ID))
	count, err = repo.CountEntries(ctx, usr.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRunLifecycle(t *testing.T) {
	repo := testRepo(t)
	usr := testUser(t, repo)
	ctx := context.Background()

	run, err := repo.StartRun(ctx, usr.ID)
	require.NoError(t, err)
	assert.Equal(t, velosync.RunStatusInProgress, run.Status)
	assert.Nil(t, run.CompletedAt)

	require.NoError(t, repo.FinishRun(ctx, run.ID, velosync.FinishRunArgs{
		Status:   velosync.RunStatusPartial,
		Counters: velosync.RunCounters{Total: 5, New: 1, Updated: 2, Skipped: 1, Failed: 1},
		Message:  "1 new, 2 updated",
	}))

	got, err := repo.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, velosync.RunStatusPartial, got.Status)
	assert.Equal(t, 5, got.PostsTotal)
	assert.NotNil(t, got.CompletedAt)

	// Terminal runs are immutable: a second finalization is rejected.
	err = repo.FinishRun(ctx, run.ID, velosync.FinishRunArgs{Status: velosync.RunStatusFailed})
	require.ErrorIs(t, err, velosync.ErrConflict)
}

func TestReconcileStaleRuns(t *testing.T) {
	repo := testRepo(t)
	usr := testUser(t, repo)
	ctx := context.Background()

	stale, err := repo.StartRun(ctx, usr.ID)
	require.NoError(t, err)

	// Nothing is older than an hour ago yet.
	n, err := repo.ReconcileStaleRuns(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// Everything is older than a point in the future.
	n, err = repo.ReconcileStaleRuns(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := repo.Run(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, velosync.RunStatusFailed, got.Status)
}

func TestJobQueue(t *testing.T) {
	repo := testRepo(t)
	usr := testUser(t, repo)
	ctx := context.Background()

	_, err := repo.ClaimJob(ctx)
	require.ErrorIs(t, err, velosync.ErrNotFound)

	queued, err := repo.EnqueueJob(ctx, usr.ID, velosync.DestinationGithub, true)
	require.NoError(t, err)
	assert.Equal(t, velosync.JobStatusPending, queued.Status)
	assert.True(t, queued.Force)

	pending, err := repo.PendingJobForUser(ctx, usr.ID)
	require.NoError(t, err)
	assert.Equal(t, queued.ID, pending.ID)

	claimed, err := repo.ClaimJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, queued.ID, claimed.ID)
	assert.Equal(t, velosync.JobStatusRunning, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)

	// Queue is drained.
	_, err = repo.ClaimJob(ctx)
	require.ErrorIs(t, err, velosync.ErrNotFound)

	require.NoError(t, repo.FinishJob(ctx, claimed.ID, velosync.JobStatusDone, "some-run-id"))

	_, err = repo.PendingJobForUser(ctx, usr.ID)
	require.ErrorIs(t, err, velosync.ErrNotFound)
}
