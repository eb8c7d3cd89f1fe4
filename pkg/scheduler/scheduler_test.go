package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/jobstate"
	"github.com/cuemby/joblet/pkg/ledger"
)

func newTestScheduler(t *testing.T) (*Scheduler, *jobstate.Machine) {
	m := jobstate.New(nil)
	l := ledger.New(ledger.Totals{CPUCores: 4, MemoryBytes: 1 << 30})
	s := New(m, l, nil, nil, nil, nil, 2)
	return s, m
}

func TestDependenciesStatusReadyWhenNoDeps(t *testing.T) {
	s, m := newTestScheduler(t)
	job := &domain.Job{ID: "j1"}
	require.NoError(t, m.Create(job))

	ready, deadlocked := s.dependenciesStatus(job)
	assert.True(t, ready)
	assert.False(t, deadlocked)
}

func TestDependenciesStatusWaitsOnUnresolvedDep(t *testing.T) {
	s, m := newTestScheduler(t)
	require.NoError(t, m.Create(&domain.Job{ID: "dep1"}))
	job := &domain.Job{ID: "j1", Dependencies: []domain.Dependency{{JobID: "dep1", Condition: domain.DependCompleted}}}
	require.NoError(t, m.Create(job))

	ready, deadlocked := s.dependenciesStatus(job)
	assert.False(t, ready)
	assert.False(t, deadlocked)
}

func TestDependenciesStatusDeadlocksOnStoppedDep(t *testing.T) {
	s, m := newTestScheduler(t)
	require.NoError(t, m.Create(&domain.Job{ID: "dep1"}))
	require.NoError(t, m.Transition("dep1", domain.JobQueued, domain.JobStopped, nil))

	job := &domain.Job{ID: "j1", Dependencies: []domain.Dependency{{JobID: "dep1", Condition: domain.DependCompleted}}}
	require.NoError(t, m.Create(job))

	ready, deadlocked := s.dependenciesStatus(job)
	assert.False(t, ready)
	assert.True(t, deadlocked)
}

func TestEligibleQueuedJobsStopsDeadlockedDependents(t *testing.T) {
	s, m := newTestScheduler(t)
	require.NoError(t, m.Create(&domain.Job{ID: "dep1"}))
	require.NoError(t, m.Transition("dep1", domain.JobQueued, domain.JobStopped, nil))

	job := &domain.Job{ID: "j1", Dependencies: []domain.Dependency{{JobID: "dep1", Condition: domain.DependCompleted}}}
	require.NoError(t, m.Create(job))

	eligible := s.eligibleQueuedJobs()
	assert.Empty(t, eligible)

	got, err := m.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStopped, got.Status)
	assert.Equal(t, "DependencyUnsatisfied", got.Reason)
}

func TestArmIfScheduledParksFutureJob(t *testing.T) {
	s, m := newTestScheduler(t)
	future := time.Now().Add(time.Hour)
	job := &domain.Job{ID: "j1", ScheduleTime: &future}
	require.NoError(t, m.Create(job))
	s.armIfScheduled(job)

	s.parkedMu.Lock()
	_, parked := s.parked["j1"]
	s.parkedMu.Unlock()
	assert.True(t, parked)
}
