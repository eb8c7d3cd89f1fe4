// Package scheduler implements the Scheduler (C7): an event-driven
// admission loop that places QUEUED jobs whose dependencies have
// resolved and whose scheduled start time (if any) has arrived, bounded
// by a configured worker parallelism cap and by what the Resource Ledger
// can currently satisfy.
//
// Grounded on the teacher's Start/Stop/run goroutine-loop shape
// (pkg/scheduler/scheduler.go), redesigned from a fixed-interval ticker
// into a wake-channel-driven loop per spec §4.7 ("event-driven, not
// polled"): any state change that could make a job eligible (submission,
// a dependency's terminal transition, a worker slot freeing up) sends a
// non-blocking wake rather than waiting for the next tick.
package scheduler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/jobstate"
	"github.com/cuemby/joblet/pkg/ledger"
	"github.com/cuemby/joblet/pkg/log"
	"github.com/cuemby/joblet/pkg/logbus"
	"github.com/cuemby/joblet/pkg/metrics"
	"github.com/cuemby/joblet/pkg/registry"
	"github.com/cuemby/joblet/pkg/sandbox"
	"github.com/cuemby/joblet/pkg/supervisor"
)

// Scheduler places eligible jobs onto the Sandbox Builder and Process
// Supervisor, bounded by maxParallel simultaneous RUNNING jobs.
type Scheduler struct {
	machine    *jobstate.Machine
	ledger     *ledger.Ledger
	registry   *registry.Registry
	builder    *sandbox.Builder
	supervisor *supervisor.Supervisor
	logs       *logbus.Bus

	maxParallel int
	running     int64 // atomic count of currently RUNNING jobs placed by this scheduler

	wakeCh chan struct{}
	stopCh chan struct{}

	parkedMu sync.Mutex
	parked   map[string]*time.Timer // jobID -> armed scheduled-start timer

	handlesMu sync.Mutex
	handles   map[string]*supervisor.Handle // jobID -> running process, for Stop

	timeoutMu sync.Mutex
	timeouts  map[string]*time.Timer // jobID -> armed step-timeout timer, RUNNING jobs only

	logger zerolog.Logger
}

// New creates a Scheduler.
func New(machine *jobstate.Machine, led *ledger.Ledger, reg *registry.Registry, builder *sandbox.Builder, sup *supervisor.Supervisor, logs *logbus.Bus, maxParallel int) *Scheduler {
	return &Scheduler{
		machine:     machine,
		ledger:      led,
		registry:    reg,
		builder:     builder,
		supervisor:  sup,
		logs:        logs,
		maxParallel: maxParallel,
		wakeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		parked:      make(map[string]*time.Timer),
		handles:     make(map[string]*supervisor.Handle),
		timeouts:    make(map[string]*time.Timer),
		logger:      log.WithComponent("scheduler"),
	}
}

// Start begins the admission loop.
func (s *Scheduler) Start() {
	go s.run()
	s.wake()
}

// Stop ends the admission loop. In-flight placements are not interrupted.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// wake schedules an admission cycle without blocking; multiple wakes
// before the loop wakes up coalesce into a single cycle.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.wakeCh:
			s.admissionCycle()
		case <-s.stopCh:
			return
		}
	}
}

// Submit registers a new job and triggers an admission cycle.
func (s *Scheduler) Submit(job *domain.Job) error {
	if err := s.machine.Create(job); err != nil {
		return err
	}
	s.armIfScheduled(job)
	s.wake()
	return nil
}

// OnTransition satisfies jobstate.Observer: any terminal transition frees
// a worker slot and may unblock dependents, so it always triggers a wake.
// The slot is only released if the job had actually occupied one (i.e.
// it reached INITIALIZING or RUNNING before going terminal) - a job
// stopped straight from QUEUED/SCHEDULED never held a slot.
func (s *Scheduler) OnTransition(job *domain.Job, from, to domain.JobStatus) {
	if to.IsTerminal() && (from == domain.JobInitializing || from == domain.JobRunning) {
		atomic.AddInt64(&s.running, -1)
		s.handlesMu.Lock()
		delete(s.handles, job.ID)
		s.handlesMu.Unlock()
		s.disarmTimeout(job.ID)
	}
	s.wake()
}

// armIfScheduled moves a job with a future ScheduleTime into SCHEDULED
// (spec §4.6's QUEUED --admit--> SCHEDULED edge) and arms a timer that
// wakes the admission loop once that time arrives; tryPlace then carries
// it the rest of the way from whatever status it currently holds
// (SCHEDULED, here) into INITIALIZING. A ScheduleTime already in the past
// is treated as immediately eligible and never visits SCHEDULED at all.
func (s *Scheduler) armIfScheduled(job *domain.Job) {
	if job.ScheduleTime == nil {
		return
	}
	delay := time.Until(*job.ScheduleTime)
	if delay <= 0 {
		return
	}
	if err := s.machine.Transition(job.ID, domain.JobQueued, domain.JobScheduled, nil); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("queued->scheduled transition failed")
		return
	}
	s.parkedMu.Lock()
	defer s.parkedMu.Unlock()
	s.parked[job.ID] = time.AfterFunc(delay, s.wake)
}

// armTimeout starts a RUNNING job's step-timeout clock (spec §4.8 point
// 7): if the process hasn't exited by the deadline, onTimeout stops it the
// same way an explicit user Stop would.
func (s *Scheduler) armTimeout(jobID string, d time.Duration) {
	s.timeoutMu.Lock()
	defer s.timeoutMu.Unlock()
	s.timeouts[jobID] = time.AfterFunc(d, func() { s.onTimeout(jobID) })
}

func (s *Scheduler) disarmTimeout(jobID string) {
	s.timeoutMu.Lock()
	defer s.timeoutMu.Unlock()
	if t, ok := s.timeouts[jobID]; ok {
		t.Stop()
		delete(s.timeouts, jobID)
	}
}

func (s *Scheduler) onTimeout(jobID string) {
	s.handlesMu.Lock()
	handle := s.handles[jobID]
	s.handlesMu.Unlock()
	if handle == nil {
		return // already exited and cleaned up
	}
	s.logger.Warn().Str("job_id", jobID).Msg("step timeout exceeded, stopping")
	s.supervisor.Stop(handle, 0, "TimedOut")
}

// admissionCycle places as many eligible jobs as the worker cap and
// ledger allow, in FIFO-by-created-time order with internal sequence as
// the tiebreaker (spec §4.7).
func (s *Scheduler) admissionCycle() {
	candidates := s.eligibleQueuedJobs()
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].Sequence < candidates[j].Sequence
	})

	for _, job := range candidates {
		if atomic.LoadInt64(&s.running) >= int64(s.maxParallel) {
			return
		}
		if job.ScheduleTime != nil && time.Now().Before(*job.ScheduleTime) {
			continue // parked; its timer will wake us when it arrives
		}
		s.tryPlace(job)
	}
}

// eligibleQueuedJobs returns every QUEUED/SCHEDULED job, transitioning
// any whose dependencies resolved to a state that can never satisfy them
// straight to STOPPED (spec §9 Open Question a) and excluding it from
// the candidate set.
func (s *Scheduler) eligibleQueuedJobs() []*domain.Job {
	var out []*domain.Job
	for _, job := range s.machine.ListJobs() {
		if job.Status != domain.JobQueued && job.Status != domain.JobScheduled {
			continue
		}
		ready, deadlocked := s.dependenciesStatus(job)
		if deadlocked {
			_ = s.machine.Transition(job.ID, job.Status, domain.JobStopped, func(j *domain.Job) {
				j.Reason = "DependencyUnsatisfied"
			})
			continue
		}
		if !ready {
			continue
		}
		out = append(out, job)
	}
	return out
}

// dependenciesStatus reports whether every dependency has resolved to a
// state that satisfies its condition (ready), or whether at least one
// dependency resolved to a state that can never satisfy it (deadlocked,
// e.g. a COMPLETED-only dependency that reached STOPPED).
func (s *Scheduler) dependenciesStatus(job *domain.Job) (ready bool, deadlocked bool) {
	for _, dep := range job.Dependencies {
		depJob, err := s.machine.Get(dep.JobID)
		if err != nil {
			return false, true
		}
		if !depJob.Status.IsTerminal() {
			return false, false
		}
		if !dep.Condition.Satisfies(depJob.Status) {
			return false, true
		}
	}
	return true, false
}

// tryPlace attempts to transition job to INITIALIZING, reserve resources,
// build its sandbox and spawn its process. A reservation failure leaves
// the job QUEUED for the next cycle; a build or spawn failure transitions
// it to FAILED and releases any reservation already taken.
func (s *Scheduler) tryPlace(job *domain.Job) {
	reservation, err := s.ledger.Reserve(job.ID, job.Resources)
	if err != nil {
		if apierr.CodeOf(err) == apierr.Insufficient {
			return // stays QUEUED; next cycle (or a slot freeing up) retries
		}
		s.failJob(job.ID, err)
		return
	}

	if err := s.machine.Transition(job.ID, job.Status, domain.JobInitializing, nil); err != nil {
		s.ledger.Release(job.ID)
		return
	}
	atomic.AddInt64(&s.running, 1)

	var manifest *domain.RuntimeManifest
	if job.RuntimeName != "" && s.registry != nil {
		manifest, err = s.registry.Lookup(job.RuntimeName)
		if err != nil {
			s.abortPlacement(job.ID, reservation, err)
			return
		}
	}

	spec, err := s.builder.Build(job, manifest, reservation)
	if err != nil {
		s.abortPlacement(job.ID, reservation, err)
		return
	}

	handle, err := s.supervisor.Spawn(spec)
	if err != nil {
		s.abortPlacement(job.ID, reservation, err)
		return
	}

	s.handlesMu.Lock()
	s.handles[job.ID] = handle
	s.handlesMu.Unlock()

	if err := s.machine.Transition(job.ID, domain.JobInitializing, domain.JobRunning, func(j *domain.Job) {
		now := time.Now()
		j.StartedAt = &now
	}); err != nil {
		// Stopped while INITIALIZING: the job is already terminal, so the
		// process just spawned is stopped instead of being left to run.
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("running transition rejected after spawn, stopping process")
		go s.supervisor.Stop(handle, 0, "StoppedByUser")
	}
	if job.Timeout > 0 {
		s.armTimeout(job.ID, job.Timeout)
	}

	go s.awaitExit(job.ID, handle)
}

// abortPlacement releases jobID's reservation and fails it; the worker
// slot taken in tryPlace is released by OnTransition when the resulting
// FAILED transition commits, not here, to avoid double-counting.
func (s *Scheduler) abortPlacement(jobID string, reservation domain.Reservation, cause error) {
	s.ledger.Release(jobID)
	s.failJob(jobID, cause)
}

func (s *Scheduler) failJob(jobID string, cause error) {
	current, err := s.machine.Get(jobID)
	if err != nil {
		return
	}
	_ = s.machine.Transition(jobID, current.Status, domain.JobFailed, func(j *domain.Job) {
		j.Reason = cause.Error()
	})
	metrics.SandboxBuildFailuresTotal.Inc()
}

// awaitExit blocks for handle's exit and commits the job's terminal
// transition, releasing its ledger reservation exactly once. A process
// that was explicitly stopped (by the user or by its own step timeout)
// always reports STOPPED, regardless of the exit code a SIGTERM/SIGKILL
// produced (spec §4.6's RUNNING --stop--> STOPPED edge); otherwise a
// nonzero exit code reports FAILED.
func (s *Scheduler) awaitExit(jobID string, handle *supervisor.Handle) {
	result := handle.Wait()
	s.ledger.Release(jobID)

	to := domain.JobCompleted
	reason := ""
	switch {
	case handle.StopReason() != "":
		to = domain.JobStopped
		reason = handle.StopReason()
	case result.ExitCode != 0:
		to = domain.JobFailed
	}
	_ = s.machine.Transition(jobID, domain.JobRunning, to, func(j *domain.Job) {
		code := result.ExitCode
		j.ExitCode = &code
		if reason != "" {
			j.Reason = reason
		}
	})
}
