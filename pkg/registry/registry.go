// Package registry implements the Runtime Registry: a name->manifest
// catalog of installed sandbox templates. Mutated only by the runtime
// installer after a build script completes; all lookups are concurrent.
package registry

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/log"
	"github.com/cuemby/joblet/pkg/storage"
)

// InUseChecker reports whether any non-terminal job still references a
// runtime name, so unregister can refuse to remove it. Implemented by the
// job state machine; kept as a narrow interface to avoid an import cycle.
type InUseChecker interface {
	RuntimeInUse(name string) bool
}

// Registry holds the engine's mapping from runtime name to manifest. A
// single read/write lock guards it: writes (register/unregister) are rare,
// reads (lookup/list, one per job admission) are frequent and concurrent.
type Registry struct {
	mu       sync.RWMutex
	manifests map[string]*domain.RuntimeManifest
	catalog  *storage.Catalog
	inUse    InUseChecker
	logger   zerolog.Logger
}

// New creates a Registry backed by catalog for durability, restoring any
// manifests persisted from a previous run.
func New(catalog *storage.Catalog, inUse InUseChecker) (*Registry, error) {
	r := &Registry{
		manifests: make(map[string]*domain.RuntimeManifest),
		catalog:   catalog,
		inUse:     inUse,
		logger:    log.WithComponent("registry"),
	}

	persisted, err := catalog.ListRuntimes()
	if err != nil {
		return nil, fmt.Errorf("registry: restore: %w", err)
	}
	for _, m := range persisted {
		r.manifests[m.Name] = m
	}
	return r, nil
}

// Register adds a new runtime manifest. Fails with DuplicateName if one by
// this name already exists, and InvalidMount if any mount source escapes
// the runtime root after symlink-free normalization.
func (r *Registry) Register(manifest *domain.RuntimeManifest) error {
	if err := validateMounts(manifest); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.manifests[manifest.Name]; exists {
		return apierr.New(apierr.DuplicateName, "runtime %q already registered", manifest.Name)
	}

	if err := r.catalog.PutRuntime(manifest); err != nil {
		return fmt.Errorf("registry: persist %q: %w", manifest.Name, err)
	}
	r.manifests[manifest.Name] = manifest
	r.logger.Info().Str("runtime", manifest.Name).Str("version", manifest.Version).Msg("runtime registered")
	return nil
}

// Lookup returns the manifest for name, or NotFound.
func (r *Registry) Lookup(name string) (*domain.RuntimeManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[name]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "runtime %q not registered", name)
	}
	return m, nil
}

// List returns every registered manifest ordered by name.
func (r *Registry) List() []*domain.RuntimeManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.RuntimeManifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unregister removes a runtime manifest. Fails with InUse if any
// non-terminal job still references it, NotFound if it doesn't exist.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.manifests[name]; !exists {
		return apierr.New(apierr.NotFound, "runtime %q not registered", name)
	}
	if r.inUse != nil && r.inUse.RuntimeInUse(name) {
		return apierr.New(apierr.InUse, "runtime %q is in use", name)
	}

	if err := r.catalog.DeleteRuntime(name); err != nil {
		return fmt.Errorf("registry: unpersist %q: %w", name, err)
	}
	delete(r.manifests, name)
	r.logger.Info().Str("runtime", name).Msg("runtime unregistered")
	return nil
}

// validateMounts checks every mount spec's source resolves, after
// symlink-free normalization, to a path underneath the manifest's
// RootPath - rejecting manifests whose mounts would let a sandbox escape
// the prepared tree via a crafted symlink.
func validateMounts(manifest *domain.RuntimeManifest) error {
	root, err := filepath.Abs(manifest.RootPath)
	if err != nil {
		return apierr.Wrap(apierr.InvalidMount, err, "resolve runtime root")
	}
	root = filepath.Clean(root)

	for _, m := range manifest.Mounts {
		abs := filepath.Join(root, m.Source)
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			// The tree may not exist yet at manifest-parse time (e.g. a
			// runtime build still in progress); fall back to lexical
			// containment, which still catches "../" escapes.
			resolved = filepath.Clean(abs)
		}
		if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return apierr.New(apierr.InvalidMount, "mount source %q escapes runtime root", m.Source)
		}
	}
	return nil
}
