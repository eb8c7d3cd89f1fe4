package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/storage"
)

type fakeInUse struct{ names map[string]bool }

func (f *fakeInUse) RuntimeInUse(name string) bool { return f.names[name] }

func newTestRegistry(t *testing.T) (*Registry, *fakeInUse) {
	t.Helper()
	cat, err := storage.OpenCatalog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	inUse := &fakeInUse{names: map[string]bool{}}
	r, err := New(cat, inUse)
	require.NoError(t, err)
	return r, inUse
}

func TestRegisterLookupList(t *testing.T) {
	r, _ := newTestRegistry(t)
	root := t.TempDir()

	m := &domain.RuntimeManifest{
		Name:     "python-3.11-ml",
		Version:  "1.0",
		RootPath: root,
		Mounts:   []domain.MountSpec{{Source: "lib", Target: "/usr/lib", ReadOnly: true}},
	}
	require.NoError(t, r.Register(m))

	got, err := r.Lookup("python-3.11-ml")
	require.NoError(t, err)
	assert.Equal(t, "1.0", got.Version)

	list := r.List()
	require.Len(t, list, 1)
}

func TestRegisterDuplicateName(t *testing.T) {
	r, _ := newTestRegistry(t)
	root := t.TempDir()
	m := &domain.RuntimeManifest{Name: "dup", RootPath: root}
	require.NoError(t, r.Register(m))

	err := r.Register(m)
	require.Error(t, err)
	assert.Equal(t, apierr.DuplicateName, apierr.CodeOf(err))
}

func TestRegisterInvalidMountEscape(t *testing.T) {
	r, _ := newTestRegistry(t)
	root := t.TempDir()

	m := &domain.RuntimeManifest{
		Name:     "escaping",
		RootPath: root,
		Mounts:   []domain.MountSpec{{Source: "../../etc", Target: "/etc"}},
	}
	err := r.Register(m)
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidMount, apierr.CodeOf(err))
}

func TestLookupNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Lookup("missing")
	require.Error(t, err)
	assert.Equal(t, apierr.NotFound, apierr.CodeOf(err))
}

func TestUnregisterInUse(t *testing.T) {
	r, inUse := newTestRegistry(t)
	root := t.TempDir()
	m := &domain.RuntimeManifest{Name: "busy", RootPath: root}
	require.NoError(t, r.Register(m))

	inUse.names["busy"] = true
	err := r.Unregister("busy")
	require.Error(t, err)
	assert.Equal(t, apierr.InUse, apierr.CodeOf(err))

	inUse.names["busy"] = false
	require.NoError(t, r.Unregister("busy"))
}
