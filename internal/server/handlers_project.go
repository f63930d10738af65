package server

import (
	"encoding/json"
	"net/http"

	"github.com/coda-run/coda/internal/vcs"
)

// listProjects handles GET /project
// Returns a list of all projects (currently just the current project).
func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	dir := getDirectory(r.Context())
	var projects interface{}
	var err error

	if dir != "" {
		projects, err = s.projectService.ListForDir(r.Context(), dir)
	} else {
		projects, err = s.projectService.List(r.Context())
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(projects)
}

// getCurrentProject handles GET /project/current
// Returns the current project based on the working directory.
func (s *Server) getCurrentProject(w http.ResponseWriter, r *http.Request) {
	dir := getDirectory(r.Context())
	var project interface{}
	var err error

	if dir != "" {
		project, err = s.projectService.CurrentForDir(r.Context(), dir)
	} else {
		project, err = s.projectService.Current(r.Context())
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(project)
}

// getCurrentBranch handles GET /project/branch. It reports the VCS watcher's
// tracked branch when a watcher is running for this server's work directory,
// falling back to a fresh `git rev-parse` for a directory override or when
// the server's repo has no watcher (non-git directory).
func (s *Server) getCurrentBranch(w http.ResponseWriter, r *http.Request) {
	dir := getDirectory(r.Context())

	var branch string
	if dir == "" && s.vcsWatcher != nil {
		branch = s.vcsWatcher.CurrentBranch()
	} else {
		lookupDir := dir
		if lookupDir == "" {
			lookupDir = s.config.Directory
		}
		branch = vcs.GetBranch(lookupDir)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"branch": branch})
}
