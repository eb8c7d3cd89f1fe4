package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
)

type recordingSubmitter struct {
	jobs []*domain.Job
}

func (r *recordingSubmitter) Submit(job *domain.Job) error {
	r.jobs = append(r.jobs, job)
	return nil
}

func TestTopoSortRespectsDependencies(t *testing.T) {
	tpl := &domain.Template{Name: "pipeline", Jobs: map[string]domain.StepSpec{
		"build": {Name: "build"},
		"test":  {Name: "test", DependsOn: []string{"build"}},
		"ship":  {Name: "ship", DependsOn: []string{"test", "build"}},
	}}

	order, err := topoSort(tpl)
	require.NoError(t, err)

	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	assert.Less(t, pos["build"], pos["test"])
	assert.Less(t, pos["test"], pos["ship"])
}

func TestTopoSortDetectsCycle(t *testing.T) {
	tpl := &domain.Template{Name: "loop", Jobs: map[string]domain.StepSpec{
		"a": {Name: "a", DependsOn: []string{"b"}},
		"b": {Name: "b", DependsOn: []string{"a"}},
	}}

	_, err := topoSort(tpl)
	require.Error(t, err)
	assert.Equal(t, apierr.CycleDetected, apierr.CodeOf(err))
}

func TestTopoSortRejectsUnknownDependency(t *testing.T) {
	tpl := &domain.Template{Name: "bad", Jobs: map[string]domain.StepSpec{
		"a": {Name: "a", DependsOn: []string{"ghost"}},
	}}

	_, err := topoSort(tpl)
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
}

func TestSubmitCreatesJobsWithTranslatedDependencies(t *testing.T) {
	sub := &recordingSubmitter{}
	r := New(sub, nil, nil, nil)

	tpl := &domain.Template{Name: "pipeline", Jobs: map[string]domain.StepSpec{
		"build": {Name: "build", Command: []string{"make"}},
		"test":  {Name: "test", Command: []string{"make", "test"}, DependsOn: []string{"build"}},
	}}

	wf, err := r.Submit(tpl)
	require.NoError(t, err)
	require.Len(t, sub.jobs, 2)

	buildID := wf.StepJobIDs["build"]
	testID := wf.StepJobIDs["test"]

	var testJob *domain.Job
	for _, j := range sub.jobs {
		if j.ID == testID {
			testJob = j
		}
	}
	require.NotNil(t, testJob)
	require.Len(t, testJob.Dependencies, 1)
	assert.Equal(t, buildID, testJob.Dependencies[0].JobID)
	assert.Equal(t, domain.DependCompleted, testJob.Dependencies[0].Condition)
}

func TestSubmitRejectsMissingVolumes(t *testing.T) {
	sub := &recordingSubmitter{}
	r := New(sub, fakeVolumes{}, nil, nil)

	tpl := &domain.Template{Name: "pipeline", Jobs: map[string]domain.StepSpec{
		"build": {Name: "build", Volumes: []string{"cache"}},
	}}

	_, err := r.Submit(tpl)
	require.Error(t, err)
	assert.Equal(t, apierr.MissingVolumes, apierr.CodeOf(err))
}

type fakeVolumes struct{}

func (fakeVolumes) Exists(name string) bool { return false }
