package scheduler

import (
	"time"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
)

// Stop requests that a job stop. QUEUED/SCHEDULED jobs move directly to
// STOPPED with no process involved; INITIALIZING jobs also move to
// STOPPED at once, and the in-flight tryPlace call observes this when its
// optimistic RUNNING transition is rejected and stops the process it
// spawned (the build itself runs to completion); RUNNING jobs are sent
// SIGTERM with grace seconds before SIGKILL.
func (s *Scheduler) Stop(jobID string, grace time.Duration) error {
	job, err := s.machine.Get(jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case domain.JobQueued, domain.JobScheduled:
		s.disarmParked(jobID)
		return s.machine.Transition(jobID, job.Status, domain.JobStopped, func(j *domain.Job) {
			j.Reason = "StoppedByUser"
		})
	case domain.JobInitializing:
		// The in-flight placement will fail its next optimistic transition
		// (status no longer matches what it read) once this commits.
		return s.machine.Transition(jobID, domain.JobInitializing, domain.JobStopped, func(j *domain.Job) {
			j.Reason = "StoppedByUser"
		})
	case domain.JobRunning:
		s.handlesMu.Lock()
		handle := s.handles[jobID]
		s.handlesMu.Unlock()
		if handle == nil {
			return apierr.New(apierr.Internal, "job %s is RUNNING but has no process handle", jobID)
		}
		go s.supervisor.Stop(handle, grace, "StoppedByUser")
		return nil
	default:
		return apierr.New(apierr.AlreadyTerminal, "job %s is already terminal (%s)", jobID, job.Status)
	}
}

// Delete removes a terminal job's Log Bus entry and its record in the Job
// State Machine. It does not touch the filesystem: a job's sandbox
// workspace is removed when its sandbox is released at process exit, and a
// runtime-build meta-job's produced tree is left in place.
func (s *Scheduler) Delete(jobID string) error {
	job, err := s.machine.Get(jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return apierr.New(apierr.StillRunning, "job %s is not terminal (status %s)", jobID, job.Status)
	}

	if s.logs != nil {
		s.logs.Close(jobID)
	}
	if job.IsRuntimeBuild() {
		s.logger.Info().Str("job_id", jobID).Str("runtime", job.RuntimeBuildTarget).
			Msg("skipping workspace cleanup for runtime-build job")
	}
	return s.machine.Delete(jobID)
}

// DeleteResult is one job's outcome within a DeleteAll call.
type DeleteResult struct {
	JobID string
	Error error
}

// DeleteAll attempts to delete every job ID given, independently: one
// job's failure does not prevent the rest from being attempted (spec
// §4.7's "delete-all is non-atomic, per-job success/failure reporting").
func (s *Scheduler) DeleteAll(jobIDs []string) []DeleteResult {
	results := make([]DeleteResult, 0, len(jobIDs))
	for _, id := range jobIDs {
		results = append(results, DeleteResult{JobID: id, Error: s.Delete(id)})
	}
	return results
}

func (s *Scheduler) disarmParked(jobID string) {
	s.parkedMu.Lock()
	defer s.parkedMu.Unlock()
	if t, ok := s.parked[jobID]; ok {
		t.Stop()
		delete(s.parked, jobID)
	}
}
