package api

import (
	"fmt"
	"net/http"
	"regexp"

	vserrs "velosync/internal/errors"
	"velosync/internal/velosync"
)

var (
	velogUsernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,40}$`)
	githubRepoPattern    = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,100}$`)
)

type viewerResp struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Role          string `json:"role"`
	VelogUsername string `json:"velog_username,omitempty"`
	GithubRepo    string `json:"github_repo,omitempty"`

	GithubConnected    bool `json:"github_connected"`
	DriveConnected     bool `json:"drive_connected"`
	EmailNotifications bool `json:"email_notifications"`
	AutoBackup         bool `json:"auto_backup"`
}

// getViewer returns the current user. Tokens never leave the server; only
// their presence does.
func (s *Server) getViewer(w http.ResponseWriter, r *http.Request) error {
	usr, err := s.repo.User(r.Context(), userID(r))
	if err != nil {
		return fmt.Errorf("error fetching user: %s", err)
	}

	return writeJSON(w, http.StatusOK, viewerResp{
		ID:                 usr.ID,
		Email:              usr.Email,
		Role:               usr.Role,
		VelogUsername:      usr.VelogUsername,
		GithubRepo:         usr.GithubRepo,
		GithubConnected:    usr.GithubToken != "" && usr.GithubRepo != "",
		DriveConnected:     usr.DriveToken != "",
		EmailNotifications: usr.EmailNotifications,
		AutoBackup:         usr.AutoBackup,
	})
}

type velogSettingsReq struct {
	Username string `json:"username"`
}

func (req velogSettingsReq) Validate() error {
	if !velogUsernamePattern.MatchString(req.Username) {
		return vserrs.E(http.StatusBadRequest, "invalid velog username", vserrs.Detail{
			Field: "username",
			Error: "must be 1-40 characters of letters, digits, '-' or '_'",
		})
	}
	return nil
}

// putVelogSettings links a velog account. Changing the username throws away
// the change-detection cache: slugs from a different account are not
// comparable, and the next run must treat every post as new.
func (s *Server) putVelogSettings(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeValid[velogSettingsReq](r.Body)
	if err != nil {
		return err
	}

	if !s.verifier.VerifyUsername(r.Context(), req.Username) {
		return vserrs.E(http.StatusUnprocessableEntity, "velog account not found", vserrs.Detail{
			Field: "username",
			Error: "does not resolve on velog",
		})
	}

	usr, err := s.repo.User(r.Context(), userID(r))
	if err != nil {
		return fmt.Errorf("error fetching user: %s", err)
	}

	if usr.VelogUsername != "" && usr.VelogUsername != req.Username {
		if err := s.repo.ResetEntries(r.Context(), usr.ID); err != nil {
			return fmt.Errorf("error resetting cache: %s", err)
		}
	}

	if err := s.repo.UpdateUser(r.Context(), usr.ID, velosync.UpdateUserArgs{
		VelogUsername: &req.Username,
	}); err != nil {
		return fmt.Errorf("error updating user: %s", err)
	}

	return writeJSON(w, http.StatusOK, map[string]string{"username": req.Username})
}

type githubSettingsReq struct {
	Token string `json:"token"`
	Repo  string `json:"repo"`
}

func (req githubSettingsReq) Validate() error {
	var details []vserrs.Detail
	if req.Token == "" {
		details = append(details, vserrs.Detail{Field: "token", Error: "required"})
	}
	if !githubRepoPattern.MatchString(req.Repo) {
		details = append(details, vserrs.Detail{
			Field: "repo",
			Error: "must be 1-100 characters of letters, digits, '.', '-' or '_'",
		})
	}
	if len(details) > 0 {
		return vserrs.E(http.StatusBadRequest, "invalid github settings", details)
	}
	return nil
}

func (s *Server) putGithubSettings(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeValid[githubSettingsReq](r.Body)
	if err != nil {
		return err
	}

	if err := s.repo.UpdateUser(r.Context(), userID(r), velosync.UpdateUserArgs{
		GithubToken: &req.Token,
		GithubRepo:  &req.Repo,
	}); err != nil {
		return fmt.Errorf("error updating user: %s", err)
	}

	return writeJSON(w, http.StatusOK, map[string]bool{"github_connected": true})
}

type googleSettingsReq struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (req googleSettingsReq) Validate() error {
	if req.AccessToken == "" {
		return vserrs.E(http.StatusBadRequest, "invalid google settings", vserrs.Detail{
			Field: "access_token",
			Error: "required",
		})
	}
	return nil
}

func (s *Server) putGoogleSettings(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeValid[googleSettingsReq](r.Body)
	if err != nil {
		return err
	}

	if err := s.repo.UpdateUser(r.Context(), userID(r), velosync.UpdateUserArgs{
		DriveToken:        &req.AccessToken,
		DriveRefreshToken: &req.RefreshToken,
	}); err != nil {
		return fmt.Errorf("error updating user: %s", err)
	}

	return writeJSON(w, http.StatusOK, map[string]bool{"drive_connected": true})
}

type preferencesReq struct {
	EmailNotifications *bool `json:"email_notifications"`
	AutoBackup         *bool `json:"auto_backup"`
}

func (req preferencesReq) Validate() error {
	if req.EmailNotifications == nil && req.AutoBackup == nil {
		return vserrs.E(http.StatusBadRequest, "no preferences given")
	}
	return nil
}

func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeValid[preferencesReq](r.Body)
	if err != nil {
		return err
	}

	if err := s.repo.UpdateUser(r.Context(), userID(r), velosync.UpdateUserArgs{
		EmailNotifications: req.EmailNotifications,
		AutoBackup:         req.AutoBackup,
	}); err != nil {
		return fmt.Errorf("error updating user: %s", err)
	}

	return writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
