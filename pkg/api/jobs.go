package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/scheduler"
)

// submitJobRequest is the wire shape for SubmitJob; a direct mirror of
// domain.Job's user-settable fields (ID/Status/timestamps are assigned by
// the engine, never accepted from a caller).
type submitJobRequest struct {
	Command       string                 `json:"command"`
	Args          []string               `json:"args"`
	RuntimeName   string                 `json:"runtimeName"`
	WorkDir       string                 `json:"workDir,omitempty"`
	Resources     domain.ResourceRequest `json:"resources"`
	EnvVars       map[string]string      `json:"envVars,omitempty"`
	SecretEnvVars []string               `json:"secretEnvVars,omitempty"`
	Volumes       []string               `json:"volumes,omitempty"`
	Network       string                 `json:"network,omitempty"`
	ScheduleTime  *time.Time             `json:"scheduleTime,omitempty"`
	Dependencies  []domain.Dependency    `json:"dependencies,omitempty"`
	MaxRetries    int                    `json:"maxRetries,omitempty"`
	Timeout       time.Duration          `json:"timeout,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.InvalidRequest, err, "decode submit job request"))
		return
	}
	if req.Command == "" {
		writeError(w, apierr.New(apierr.InvalidRequest, "command is required"))
		return
	}

	job := &domain.Job{
		ID:            uuid.New().String(),
		Command:       req.Command,
		Args:          req.Args,
		RuntimeName:   req.RuntimeName,
		WorkDir:       req.WorkDir,
		Resources:     req.Resources,
		EnvVars:       req.EnvVars,
		SecretEnvVars: req.SecretEnvVars,
		Volumes:       req.Volumes,
		Network:       req.Network,
		ScheduleTime:  req.ScheduleTime,
		Dependencies:  req.Dependencies,
		MaxRetries:    req.MaxRetries,
		Timeout:       req.Timeout,
	}

	if err := s.sched.Submit(job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.machine.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.machine.ListJobs()
	if wf := r.URL.Query().Get("workflowId"); wf != "" {
		jobs = s.machine.ListByWorkflow(wf)
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	grace := 10 * time.Second
	if g := r.URL.Query().Get("graceSeconds"); g != "" {
		if d, err := time.ParseDuration(g + "s"); err == nil {
			grace = d
		}
	}
	if err := s.sched.Stop(id, grace); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sched.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAllJobs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobIDs []string `json:"jobIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.InvalidRequest, err, "decode delete-all request"))
		return
	}
	if len(req.JobIDs) == 0 {
		for _, j := range s.machine.ListJobs() {
			if j.Status.IsTerminal() {
				req.JobIDs = append(req.JobIDs, j.ID)
			}
		}
	}
	writeJSON(w, http.StatusOK, deleteResultsWire(s.sched.DeleteAll(req.JobIDs)))
}

// deleteResultWire is scheduler.DeleteResult with its error flattened to a
// string, since the error interface does not round-trip through JSON in a
// caller-useful form.
type deleteResultWire struct {
	JobID string `json:"jobId"`
	Error string `json:"error,omitempty"`
}

func deleteResultsWire(results []scheduler.DeleteResult) []deleteResultWire {
	out := make([]deleteResultWire, len(results))
	for i, r := range results {
		out[i] = deleteResultWire{JobID: r.JobID}
		if r.Error != nil {
			out[i].Error = r.Error.Error()
		}
	}
	return out
}
