package jobstate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
)

type recordingObserver struct {
	mu   sync.Mutex
	seen []domain.JobStatus
}

func (o *recordingObserver) OnTransition(job *domain.Job, from, to domain.JobStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, to)
}

func TestValidPathQueuedToCompleted(t *testing.T) {
	obs := &recordingObserver{}
	m := New(nil, obs)
	job := &domain.Job{ID: "j1"}
	require.NoError(t, m.Create(job))

	require.NoError(t, m.Transition("j1", domain.JobQueued, domain.JobInitializing, nil))
	require.NoError(t, m.Transition("j1", domain.JobInitializing, domain.JobRunning, nil))
	require.NoError(t, m.Transition("j1", domain.JobRunning, domain.JobCompleted, func(j *domain.Job) {
		code := 0
		j.ExitCode = &code
	}))

	got, err := m.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, []domain.JobStatus{domain.JobInitializing, domain.JobRunning, domain.JobCompleted}, obs.seen)
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := New(nil)
	job := &domain.Job{ID: "j1"}
	require.NoError(t, m.Create(job))

	err := m.Transition("j1", domain.JobQueued, domain.JobCompleted, nil)
	require.Error(t, err)
}

func TestOptimisticCheckRejectsStaleFrom(t *testing.T) {
	m := New(nil)
	job := &domain.Job{ID: "j1"}
	require.NoError(t, m.Create(job))
	require.NoError(t, m.Transition("j1", domain.JobQueued, domain.JobInitializing, nil))

	err := m.Transition("j1", domain.JobQueued, domain.JobStopped, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.AlreadyTerminal, apierr.CodeOf(err))
}

func TestDeleteRequiresTerminal(t *testing.T) {
	m := New(nil)
	job := &domain.Job{ID: "j1"}
	require.NoError(t, m.Create(job))

	err := m.Delete("j1")
	require.Error(t, err)
	assert.Equal(t, apierr.StillRunning, apierr.CodeOf(err))

	require.NoError(t, m.Transition("j1", domain.JobQueued, domain.JobStopped, nil))
	require.NoError(t, m.Delete("j1"))
}

func TestExitCodeSetIffTerminal(t *testing.T) {
	m := New(nil)
	job := &domain.Job{ID: "j1"}
	require.NoError(t, m.Create(job))
	require.NoError(t, m.Transition("j1", domain.JobQueued, domain.JobInitializing, nil))
	require.NoError(t, m.Transition("j1", domain.JobInitializing, domain.JobRunning, nil))

	got, _ := m.Get("j1")
	assert.Nil(t, got.ExitCode)

	require.NoError(t, m.Transition("j1", domain.JobRunning, domain.JobFailed, func(j *domain.Job) {
		code := 1
		j.ExitCode = &code
	}))
	got, _ = m.Get("j1")
	assert.NotNil(t, got.ExitCode)
}
