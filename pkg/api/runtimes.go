package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
)

func (s *Server) handleListRuntimes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// installRuntimeRequest names a manifest already prepared on disk at
// rootPath, whose install script this call runs as a runtime-build
// meta-job before registering it.
type installRuntimeRequest struct {
	Manifest domain.RuntimeManifest `json:"manifest"`
	Timeout  time.Duration          `json:"timeout,omitempty"`
}

func (s *Server) handleInstallRuntime(w http.ResponseWriter, r *http.Request) {
	var req installRuntimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.InvalidRequest, err, "decode install runtime request"))
		return
	}
	if req.Manifest.Name == "" || req.Manifest.RootPath == "" {
		writeError(w, apierr.New(apierr.InvalidRequest, "manifest name and rootPath are required"))
		return
	}

	buildJob := &domain.Job{
		ID:                 uuid.New().String(),
		Command:            "/bin/sh",
		Args:               []string{"-c", "./install.sh"},
		WorkDir:            req.Manifest.RootPath,
		RuntimeBuildTarget: req.Manifest.Name,
		Timeout:            req.Timeout,
	}
	if s.installer != nil {
		s.installer.Await(buildJob.ID, &req.Manifest)
	}
	if err := s.sched.Submit(buildJob); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, buildJob)
}

func (s *Server) handleRemoveRuntime(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.registry.Unregister(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
