// Package volume manages named, reusable storage locations that jobs
// mount into their sandboxes: plain bind-mounted directories, and
// memory-backed tmpfs volumes.
package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
)

// DefaultVolumesPath is the base directory volumes are created under when
// no override is configured.
const DefaultVolumesPath = "/var/lib/joblet/volumes"

var nameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)

// ValidateName reports whether name satisfies the volume naming invariant.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return apierr.New(apierr.InvalidRequest, "invalid volume name %q", name)
	}
	return nil
}

// ParseSize parses a size string of the form "<number>(B|KB|MB|GB|TB)".
func ParseSize(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, apierr.Wrap(apierr.InvalidSize, err, "invalid size %q", s)
	}
	if n <= 0 {
		return 0, apierr.New(apierr.InvalidSize, "size must be positive, got %q", s)
	}
	return n, nil
}

// Driver backs one Volume.Type with concrete filesystem operations.
type Driver interface {
	Create(v *domain.Volume) error
	Delete(v *domain.Volume) error
	Path(v *domain.Volume) string
}

// FilesystemDriver backs VolumeFilesystem volumes with a plain directory
// bind-mounted read-write into sandboxes that request it.
type FilesystemDriver struct {
	basePath string
}

func NewFilesystemDriver(basePath string) *FilesystemDriver {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}
	return &FilesystemDriver{basePath: basePath}
}

func (d *FilesystemDriver) Path(v *domain.Volume) string {
	return filepath.Join(d.basePath, v.Name)
}

func (d *FilesystemDriver) Create(v *domain.Volume) error {
	path := d.Path(v)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create volume directory: %w", err)
	}
	v.MountPath = path
	return nil
}

func (d *FilesystemDriver) Delete(v *domain.Volume) error {
	path := d.Path(v)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(path)
}

// MemoryDriver backs VolumeMemory volumes with a tmpfs mount sized to the
// volume's requested capacity.
type MemoryDriver struct {
	basePath string
}

func NewMemoryDriver(basePath string) *MemoryDriver {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}
	return &MemoryDriver{basePath: basePath}
}

func (d *MemoryDriver) Path(v *domain.Volume) string {
	return filepath.Join(d.basePath, v.Name)
}

func (d *MemoryDriver) Create(v *domain.Volume) error {
	path := d.Path(v)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create volume mountpoint: %w", err)
	}
	opts := fmt.Sprintf("size=%d", v.SizeBytes)
	if err := unix.Mount("tmpfs", path, "tmpfs", 0, opts); err != nil {
		return fmt.Errorf("mount tmpfs at %s: %w", path, err)
	}
	v.MountPath = path
	return nil
}

func (d *MemoryDriver) Delete(v *domain.Volume) error {
	path := d.Path(v)
	if err := unix.Unmount(path, 0); err != nil && err != unix.EINVAL {
		return fmt.Errorf("unmount tmpfs at %s: %w", path, err)
	}
	return os.RemoveAll(path)
}

// Manager tracks known volumes and dispatches Create/Delete/Mount to the
// driver matching a volume's type.
type Manager struct {
	mu      sync.RWMutex
	drivers map[domain.VolumeType]Driver
	volumes map[string]*domain.Volume
}

func NewManager(basePath string) *Manager {
	return &Manager{
		drivers: map[domain.VolumeType]Driver{
			domain.VolumeFilesystem: NewFilesystemDriver(basePath),
			domain.VolumeMemory:     NewMemoryDriver(basePath),
		},
		volumes: make(map[string]*domain.Volume),
	}
}

// Create registers and materializes a new volume.
func (m *Manager) Create(name string, vtype domain.VolumeType, sizeStr string) (*domain.Volume, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	size, err := ParseSize(sizeStr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.volumes[name]; exists {
		return nil, apierr.New(apierr.DuplicateName, "volume %q already exists", name)
	}

	driver, ok := m.drivers[vtype]
	if !ok {
		return nil, apierr.New(apierr.InvalidRequest, "unknown volume type %q", vtype)
	}

	v := &domain.Volume{
		Name:      name,
		Type:      vtype,
		SizeBytes: size,
		CreatedAt: time.Now(),
	}
	if err := driver.Create(v); err != nil {
		return nil, fmt.Errorf("create volume %q: %w", name, err)
	}
	m.volumes[name] = v
	return v, nil
}

// Delete removes a volume. Fails with InUse if it is still referenced by a
// non-terminal job, and NotFound if it does not exist.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[name]
	if !ok {
		return apierr.New(apierr.NotFound, "volume %q not found", name)
	}
	if v.InUseCount > 0 {
		return apierr.New(apierr.InUse, "volume %q is in use by %d job(s)", name, v.InUseCount)
	}

	driver := m.drivers[v.Type]
	if err := driver.Delete(v); err != nil {
		return fmt.Errorf("delete volume %q: %w", name, err)
	}
	delete(m.volumes, name)
	return nil
}

// Get returns the named volume, or NotFound.
func (m *Manager) Get(name string) (*domain.Volume, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.volumes[name]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "volume %q not found", name)
	}
	return v, nil
}

// Exists reports whether a volume by this name is registered. Satisfies
// pkg/workflow.VolumeChecker.
func (m *Manager) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.volumes[name]
	return ok
}

// List returns all known volumes ordered by name.
func (m *Manager) List() []*domain.Volume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Volume, 0, len(m.volumes))
	for _, v := range m.volumes {
		out = append(out, v)
	}
	sortVolumesByName(out)
	return out
}

// Acquire increments a volume's in-use count; called when a job referencing
// it is admitted.
func (m *Manager) Acquire(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[name]
	if !ok {
		return apierr.New(apierr.NotFound, "volume %q not found", name)
	}
	v.InUseCount++
	return nil
}

// Release decrements a volume's in-use count; called at job terminal
// transition.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.volumes[name]; ok && v.InUseCount > 0 {
		v.InUseCount--
	}
}

// MountPath returns the host path to bind-mount for a named volume.
func (m *Manager) MountPath(name string) (string, error) {
	v, err := m.Get(name)
	if err != nil {
		return "", err
	}
	return v.MountPath, nil
}

func sortVolumesByName(vs []*domain.Volume) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j-1].Name > vs[j].Name; j-- {
			vs[j-1], vs[j] = vs[j], vs[j-1]
		}
	}
}
