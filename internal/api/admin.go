package api

import (
	"fmt"
	"net/http"

	vserrs "velosync/internal/errors"
)

// getAdminRuns lists recent runs across all users. Gated by the admin role
// claim, never by a hardcoded identity.
func (s *Server) getAdminRuns(w http.ResponseWriter, r *http.Request) error {
	ok, err := s.roles.HasRole(r.Context(), userID(r), "admin")
	if err != nil {
		return fmt.Errorf("error checking role: %s", err)
	}
	if !ok {
		return vserrs.E(http.StatusForbidden, "admin role required")
	}

	runs, err := s.repo.RecentRuns(r.Context(), limitParam(r, 50, 200))
	if err != nil {
		return fmt.Errorf("error fetching runs: %s", err)
	}

	resp := make([]runResp, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toRunResp(run))
	}

	return writeJSON(w, http.StatusOK, resp)
}
