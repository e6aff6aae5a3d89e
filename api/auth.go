package api

import (
	"net/http"

	"github.com/sopforge/orchestrator/runmgr"
)

// callerFromRequest extracts the authenticated principal from headers an
// upstream auth proxy is expected to set (spec §1 "OUT OF SCOPE":
// authentication middleware is an external collaborator this system
// consumes rather than implements). X-User-Id is required; X-Admin and
// X-Workspace-Id are optional.
func callerFromRequest(r *http.Request) (runmgr.Caller, string) {
	userID := r.Header.Get("X-User-Id")
	admin := r.Header.Get("X-Admin") == "true"
	return runmgr.Caller{ID: userID, Admin: admin}, r.Header.Get("X-Workspace-Id")
}
