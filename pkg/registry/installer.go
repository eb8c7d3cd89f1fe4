package registry

import (
	"sync"

	"github.com/cuemby/joblet/pkg/domain"
)

// Installer watches the job state machine for runtime-build meta-jobs
// reaching COMPLETED and registers the corresponding manifest, implementing
// jobstate.Observer. Manifests are supplied at submission time by the
// caller (api.handleInstallRuntime) and looked up here by job ID.
type Installer struct {
	registry *Registry

	mu      sync.Mutex
	pending map[string]*domain.RuntimeManifest
}

// NewInstaller creates an Installer bound to registry.
func NewInstaller(registry *Registry) *Installer {
	return &Installer{registry: registry, pending: make(map[string]*domain.RuntimeManifest)}
}

// Await registers a manifest to be installed once jobID completes.
func (i *Installer) Await(jobID string, manifest *domain.RuntimeManifest) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending[jobID] = manifest
}

// OnTransition implements jobstate.Observer: on a runtime-build job's
// COMPLETED transition, it registers the awaited manifest.
func (i *Installer) OnTransition(job *domain.Job, from, to domain.JobStatus) {
	if !job.IsRuntimeBuild() || to != domain.JobCompleted {
		return
	}

	i.mu.Lock()
	manifest, ok := i.pending[job.ID]
	delete(i.pending, job.ID)
	i.mu.Unlock()
	if !ok {
		return
	}

	if err := i.registry.Register(manifest); err != nil {
		i.registry.logger.Error().Err(err).Str("runtime", manifest.Name).Str("job_id", job.ID).
			Msg("runtime registration after build failed")
	}
}
