package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
)

func TestManagerCreateAndGet(t *testing.T) {
	m := NewManager(t.TempDir())

	v, err := m.Create("data", domain.VolumeFilesystem, "10MB")
	require.NoError(t, err)
	assert.Equal(t, "data", v.Name)
	assert.Equal(t, int64(10*1024*1024), v.SizeBytes)
	assert.NotEmpty(t, v.MountPath)

	got, err := m.Get("data")
	require.NoError(t, err)
	assert.Equal(t, v.MountPath, got.MountPath)
}

func TestManagerCreateDuplicateName(t *testing.T) {
	m := NewManager(t.TempDir())

	_, err := m.Create("data", domain.VolumeFilesystem, "1MB")
	require.NoError(t, err)

	_, err = m.Create("data", domain.VolumeFilesystem, "1MB")
	require.Error(t, err)
	assert.Equal(t, apierr.DuplicateName, apierr.CodeOf(err))
}

func TestManagerCreateInvalidName(t *testing.T) {
	m := NewManager(t.TempDir())

	_, err := m.Create("-bad-name", domain.VolumeFilesystem, "1MB")
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
}

func TestManagerCreateInvalidSize(t *testing.T) {
	m := NewManager(t.TempDir())

	_, err := m.Create("data", domain.VolumeFilesystem, "not-a-size")
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidSize, apierr.CodeOf(err))
}

func TestManagerDeleteInUse(t *testing.T) {
	m := NewManager(t.TempDir())
	_, err := m.Create("data", domain.VolumeFilesystem, "1MB")
	require.NoError(t, err)

	require.NoError(t, m.Acquire("data"))

	err = m.Delete("data")
	require.Error(t, err)
	assert.Equal(t, apierr.InUse, apierr.CodeOf(err))

	m.Release("data")
	require.NoError(t, m.Delete("data"))
}

func TestManagerDeleteNotFound(t *testing.T) {
	m := NewManager(t.TempDir())
	err := m.Delete("missing")
	require.Error(t, err)
	assert.Equal(t, apierr.NotFound, apierr.CodeOf(err))
}

func TestManagerListOrderedByName(t *testing.T) {
	m := NewManager(t.TempDir())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := m.Create(name, domain.VolumeFilesystem, "1MB")
		require.NoError(t, err)
	}

	vols := m.List()
	require.Len(t, vols, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{vols[0].Name, vols[1].Name, vols[2].Name})
}
