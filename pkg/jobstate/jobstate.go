// Package jobstate is the Job State Machine: the single source of truth
// for each job's lifecycle transitions, timing and exit code. Jobs are
// sharded by UUID into independent locked buckets so unrelated jobs never
// contend; a single job's own transitions are always serialized.
package jobstate

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/log"
)

const shardCount = 32

// legalTransitions enumerates every edge of the graph in spec §4.6. Any
// transition not listed here is rejected by Transition.
var legalTransitions = map[domain.JobStatus][]domain.JobStatus{
	domain.JobQueued:       {domain.JobScheduled, domain.JobInitializing, domain.JobStopped},
	domain.JobScheduled:    {domain.JobInitializing, domain.JobStopped},
	domain.JobInitializing: {domain.JobRunning, domain.JobFailed, domain.JobStopped},
	domain.JobRunning:      {domain.JobCompleted, domain.JobFailed, domain.JobStopped},
}

// Observer is notified after a transition commits. Notification happens
// outside the per-shard lock, so observers may safely call back into the
// state machine.
type Observer interface {
	OnTransition(job *domain.Job, from, to domain.JobStatus)
}

// Persister durably records a job's terminal snapshot. Implemented by
// pkg/storage.JobFiles.
type Persister interface {
	WriteJob(job *domain.Job) error
}

type shard struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

// Machine is the sharded job registry plus transition engine.
type Machine struct {
	shards      [shardCount]*shard
	observersMu sync.RWMutex
	observers   []Observer
	persister   Persister
	logger      zerolog.Logger
	seq         uint64
	seqMu       sync.Mutex
}

// New creates an empty Machine.
func New(persister Persister, observers ...Observer) *Machine {
	m := &Machine{persister: persister, observers: observers, logger: log.WithComponent("jobstate")}
	for i := range m.shards {
		m.shards[i] = &shard{jobs: make(map[string]*domain.Job)}
	}
	return m
}

func (m *Machine) shardFor(jobID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return m.shards[h.Sum32()%shardCount]
}

// NextSequence returns the next monotonic internal ordering sequence,
// used to break ties among equally eligible jobs (spec §4.7: "ties broken
// by internal sequence").
func (m *Machine) NextSequence() uint64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	m.seq++
	return m.seq
}

// Create registers a newly submitted job in QUEUED. Fails if a job with
// this ID already exists.
func (m *Machine) Create(job *domain.Job) error {
	job.Status = domain.JobQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	s := m.shardFor(job.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return apierr.New(apierr.Internal, "job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// Get returns a copy of the job's current state, or NotFound.
func (m *Machine) Get(jobID string) (*domain.Job, error) {
	s := m.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "job %s not found", jobID)
	}
	cp := *job
	return &cp, nil
}

// ListJobs returns a copy of every known job, unordered. Satisfies
// pkg/metrics.JobLister.
func (m *Machine) ListJobs() []*domain.Job {
	var out []*domain.Job
	for _, s := range m.shards {
		s.mu.Lock()
		for _, job := range s.jobs {
			cp := *job
			out = append(out, &cp)
		}
		s.mu.Unlock()
	}
	return out
}

// ListByWorkflow returns every job belonging to workflowID, ordered by
// internal sequence.
func (m *Machine) ListByWorkflow(workflowID string) []*domain.Job {
	var out []*domain.Job
	for _, s := range m.shards {
		s.mu.Lock()
		for _, job := range s.jobs {
			if job.WorkflowID == workflowID {
				cp := *job
				out = append(out, &cp)
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// RuntimeInUse reports whether any non-terminal job references runtime
// name. Satisfies pkg/registry.InUseChecker.
func (m *Machine) RuntimeInUse(name string) bool {
	for _, s := range m.shards {
		s.mu.Lock()
		for _, job := range s.jobs {
			if job.RuntimeName == name && !job.Status.IsTerminal() {
				s.mu.Unlock()
				return true
			}
		}
		s.mu.Unlock()
	}
	return false
}

// Mutate applies fn to the job under its shard lock without checking or
// changing status; used for non-transition field updates (e.g. recording
// NodeID before INITIALIZING). fn must not block.
func (m *Machine) Mutate(jobID string, fn func(job *domain.Job)) error {
	s := m.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return apierr.New(apierr.NotFound, "job %s not found", jobID)
	}
	fn(job)
	return nil
}

// Transition moves jobID from "from" to "to", applying attrs under the
// same critical section, with an optimistic check that the job's current
// status still equals from. attrs may set StartedAt/EndedAt/ExitCode/
// Reason/NodeID as appropriate to the edge.
func (m *Machine) Transition(jobID string, from, to domain.JobStatus, attrs func(job *domain.Job)) error {
	if !isLegal(from, to) {
		return apierr.New(apierr.Internal, "illegal transition %s -> %s for job %s", from, to, jobID)
	}

	s := m.shardFor(jobID)
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return apierr.New(apierr.NotFound, "job %s not found", jobID)
	}
	if job.Status != from {
		s.mu.Unlock()
		return apierr.New(apierr.AlreadyTerminal, "job %s status is %s, expected %s", jobID, job.Status, from)
	}

	job.Status = to
	if attrs != nil {
		attrs(job)
	}
	if to.IsTerminal() {
		now := time.Now()
		if job.EndedAt == nil {
			job.EndedAt = &now
		}
	}
	cp := *job
	s.mu.Unlock()

	m.logger.Info().Str("job_id", jobID).Str("from", string(from)).Str("to", string(to)).Msg("transition")

	if m.persister != nil && to.IsTerminal() {
		if err := m.persister.WriteJob(&cp); err != nil {
			m.logger.Error().Err(err).Str("job_id", jobID).Msg("persist terminal job failed")
		}
	}

	m.observersMu.RLock()
	observers := m.observers
	m.observersMu.RUnlock()
	for _, obs := range observers {
		obs.OnTransition(&cp, from, to)
	}
	return nil
}

// AddObserver registers an additional observer. Used at startup to break
// the construction cycle between the Machine and components (like the
// Scheduler) that need a *Machine reference of their own before they can
// observe it.
func (m *Machine) AddObserver(obs Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, obs)
}

// Delete removes a job's in-memory record. Allowed only in terminal
// state; callers are responsible for closing the Log Bus and erasing the
// vault entry first.
func (m *Machine) Delete(jobID string) error {
	s := m.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return apierr.New(apierr.NotFound, "job %s not found", jobID)
	}
	if !job.Status.IsTerminal() {
		return apierr.New(apierr.StillRunning, "job %s is not terminal (status %s)", jobID, job.Status)
	}
	delete(s.jobs, jobID)
	return nil
}

func isLegal(from, to domain.JobStatus) bool {
	for _, candidate := range legalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
