package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	vserrs "velosync/internal/errors"
	"velosync/internal/velosync"
)

type triggerBackupReq struct {
	Destination velosync.Destination `json:"destination"`
	Force       bool                 `json:"force"`
}

func (req triggerBackupReq) Validate() error {
	if !velosync.ValidDestination(req.Destination) {
		return vserrs.E(http.StatusBadRequest, "unknown destination", vserrs.Detail{
			Field: "destination",
			Error: fmt.Sprintf("must be %q or %q", velosync.DestinationGithub, velosync.DestinationDrive),
		})
	}
	return nil
}

type triggerBackupResp struct {
	JobID string `json:"job_id"`
}

// postTriggerBackup queues a backup for the current user. The response is a
// 202 with the job id; the work itself happens in the background worker.
func (s *Server) postTriggerBackup(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeValid[triggerBackupReq](r.Body)
	if err != nil {
		return err
	}

	usr, err := s.repo.User(r.Context(), userID(r))
	if err != nil {
		return fmt.Errorf("error fetching user: %s", err)
	}

	if usr.VelogUsername == "" {
		return vserrs.E(http.StatusBadRequest, "no velog account linked")
	}
	switch req.Destination {
	case velosync.DestinationGithub:
		if usr.GithubToken == "" || usr.GithubRepo == "" {
			return vserrs.E(http.StatusBadRequest, "github destination not configured")
		}
	case velosync.DestinationDrive:
		if usr.DriveToken == "" {
			return vserrs.E(http.StatusBadRequest, "google drive destination not configured")
		}
	}

	if _, err := s.repo.PendingJobForUser(r.Context(), usr.ID); err == nil {
		return vserrs.E(http.StatusConflict, "a backup is already queued or running")
	} else if !errors.Is(err, velosync.ErrNotFound) {
		return fmt.Errorf("error checking pending jobs: %s", err)
	}

	job, err := s.repo.EnqueueJob(r.Context(), usr.ID, req.Destination, req.Force)
	if err != nil {
		return fmt.Errorf("error enqueueing job: %s", err)
	}

	return writeJSON(w, http.StatusAccepted, triggerBackupResp{JobID: job.ID})
}

type runResp struct {
	ID     string `json:"id"`
	Status string `json:"status"`

	PostsTotal   int `json:"posts_total"`
	PostsNew     int `json:"posts_new"`
	PostsUpdated int `json:"posts_updated"`
	PostsSkipped int `json:"posts_skipped"`
	PostsFailed  int `json:"posts_failed"`

	Message      string `json:"message,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toRunResp(run velosync.BackupRun) runResp {
	return runResp{
		ID:           run.ID,
		Status:       string(run.Status),
		PostsTotal:   run.PostsTotal,
		PostsNew:     run.PostsNew,
		PostsUpdated: run.PostsUpdated,
		PostsSkipped: run.PostsSkipped,
		PostsFailed:  run.PostsFailed,
		Message:      run.Message,
		ErrorDetails: run.ErrorDetails,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
}

// limitParam parses ?limit= with a default and a ceiling.
func limitParam(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func (s *Server) getRuns(w http.ResponseWriter, r *http.Request) error {
	runs, err := s.repo.Runs(r.Context(), userID(r), limitParam(r, 20, 100))
	if err != nil {
		return fmt.Errorf("error fetching runs: %s", err)
	}

	resp := make([]runResp, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toRunResp(run))
	}

	return writeJSON(w, http.StatusOK, resp)
}

type statsResp struct {
	TotalPosts      int        `json:"total_posts"`
	LastBackup      *time.Time `json:"last_backup,omitempty"`
	GithubConnected bool       `json:"github_connected"`
	DriveConnected  bool       `json:"drive_connected"`
	AutoBackup      bool       `json:"auto_backup"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) error {
	usr, err := s.repo.User(r.Context(), userID(r))
	if err != nil {
		return fmt.Errorf("error fetching user: %s", err)
	}

	count, err := s.repo.CountEntries(r.Context(), usr.ID)
	if err != nil {
		return fmt.Errorf("error counting posts: %s", err)
	}

	resp := statsResp{
		TotalPosts:      count,
		GithubConnected: usr.GithubToken != "" && usr.GithubRepo != "",
		DriveConnected:  usr.DriveToken != "",
		AutoBackup:      usr.AutoBackup,
	}

	last, err := s.repo.LastSuccessfulRun(r.Context(), usr.ID)
	switch {
	case err == nil:
		resp.LastBackup = last.CompletedAt
	case errors.Is(err, velosync.ErrNotFound):
		// Never backed up; last_backup stays null.
	default:
		return fmt.Errorf("error fetching last run: %s", err)
	}

	return writeJSON(w, http.StatusOK, resp)
}
