package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/joblet/pkg/domain"
)

func TestCatalogRuntimeRoundTrip(t *testing.T) {
	cat, err := OpenCatalog(t.TempDir())
	require.NoError(t, err)
	defer cat.Close()

	m := &domain.RuntimeManifest{Name: "python-3.11-ml", Version: "1.0"}
	require.NoError(t, cat.PutRuntime(m))

	list, err := cat.ListRuntimes()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "python-3.11-ml", list[0].Name)

	require.NoError(t, cat.DeleteRuntime("python-3.11-ml"))
	list, err = cat.ListRuntimes()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestJobFilesRoundTrip(t *testing.T) {
	jf, err := NewJobFiles(t.TempDir())
	require.NoError(t, err)

	job := &domain.Job{ID: "job-1", Status: domain.JobCompleted, CreatedAt: time.Now()}
	require.NoError(t, jf.WriteJob(job))

	got, err := jf.ReadJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Status, got.Status)

	ids, err := jf.ListJobIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, ids)

	require.NoError(t, jf.DeleteJob("job-1"))
	ids, err = jf.ListJobIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
