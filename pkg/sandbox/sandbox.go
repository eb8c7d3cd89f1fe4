// Package sandbox implements the Sandbox Builder: given a job, its
// resolved runtime manifest and an already-committed resource
// reservation, it materializes an ephemeral execution environment -
// cgroup v2 leaf, the manifest's bind mounts under a per-job workspace
// directory, network namespace attach, derived environment - and hands
// back a LaunchSpec with no process started yet. The bind mounts are made
// in the engine's own mount namespace; no private mount namespace is
// created.
//
// Every step records an unwind action; if any later step fails, Build
// runs the recorded unwinds in reverse order before returning BuildFailed,
// so a partially constructed sandbox never leaks mounts or a cgroup.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/log"
	"github.com/cuemby/joblet/pkg/platform"
)

// LaunchSpec is the Sandbox Builder's output: everything the Process
// Supervisor needs to spawn the child, with no process started yet.
type LaunchSpec struct {
	JobID      string
	Path       string
	Args       []string
	Env        []string
	WorkDir    string
	RootFS     string
	CgroupPath string
	NetNSPath  string

	// cleanup runs the recorded unwind actions in reverse order; called by
	// the supervisor once the process has exited and its resources should
	// be released, or by Build itself on a failed build.
	cleanup []func()
}

// Release runs every recorded cleanup action in reverse order (last
// applied, first undone), ignoring individual failures - cleanup is
// best-effort by design.
func (s *LaunchSpec) Release(logger zerolog.Logger) {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
	_ = logger
}

// VolumeResolver resolves a named volume to its host mount path and tracks
// its in-use count for the sandbox's lifetime, so a volume actively
// mounted into a running job can't be deleted out from under it (spec §3:
// "delete permitted only when in-use-count = 0"). Satisfied by
// pkg/volume.Manager.
type VolumeResolver interface {
	MountPath(name string) (string, error)
	Acquire(name string) error
	Release(name string)
}

// NetworkResolver resolves a named network to a netns path to join and
// tracks its in-use count the same way VolumeResolver does. Satisfied by
// pkg/network.Manager.
type NetworkResolver interface {
	NetNSPath(name string) (string, error)
	Acquire(name string) error
	Release(name string)
}

// SecretResolver returns the decrypted secret env vars for a job.
type SecretResolver interface {
	Get(jobID string) (map[string]string, error)
}

// Builder materializes sandboxes. cgroupBaseDir is the root slice every
// job's leaf is created under (spec §4.3 step 1); workspaceBaseDir is
// where per-job ephemeral rootfs working trees are created.
type Builder struct {
	cgroupBaseDir    string
	workspaceBaseDir string
	volumes          VolumeResolver
	networks         NetworkResolver
	secrets          SecretResolver
	platform         platform.Platform
	logger           zerolog.Logger
}

// New creates a Builder. A nil plat defaults to platform.OS{}.
func New(cgroupBaseDir, workspaceBaseDir string, volumes VolumeResolver, networks NetworkResolver, secrets SecretResolver, plat platform.Platform) *Builder {
	if plat == nil {
		plat = platform.OS{}
	}
	return &Builder{
		cgroupBaseDir:    cgroupBaseDir,
		workspaceBaseDir: workspaceBaseDir,
		volumes:          volumes,
		networks:         networks,
		secrets:          secrets,
		platform:         plat,
		logger:           log.WithComponent("sandbox"),
	}
}

// Build materializes a sandbox for job, returning a LaunchSpec ready for
// the Process Supervisor. On any step's failure, previously applied steps
// are unwound in reverse before BuildFailed is returned.
func (b *Builder) Build(job *domain.Job, manifest *domain.RuntimeManifest, reservation domain.Reservation) (*LaunchSpec, error) {
	jobLogger := log.WithJobID(job.ID)
	spec := &LaunchSpec{JobID: job.ID}

	workDir := filepath.Join(b.workspaceBaseDir, job.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, apierr.Wrap(apierr.BuildFailed, err, "create workspace dir")
	}
	spec.cleanup = append(spec.cleanup, func() { _ = os.RemoveAll(workDir) })
	spec.RootFS = workDir

	if err := b.setupCgroup(job, reservation, spec); err != nil {
		spec.Release(jobLogger)
		return nil, apierr.Wrap(apierr.BuildFailed, err, "setup cgroup")
	}

	if err := b.materializeFilesystem(job, manifest, workDir, spec); err != nil {
		spec.Release(jobLogger)
		return nil, apierr.Wrap(apierr.BuildFailed, err, "materialize filesystem")
	}

	if err := b.attachNetwork(job, spec); err != nil {
		spec.Release(jobLogger)
		return nil, apierr.Wrap(apierr.BuildFailed, err, "attach network")
	}

	env, err := b.deriveEnvironment(job, manifest)
	if err != nil {
		spec.Release(jobLogger)
		return nil, apierr.Wrap(apierr.BuildFailed, err, "derive environment")
	}
	spec.Env = env

	spec.Path = job.Command
	spec.Args = job.Args
	spec.WorkDir = job.WorkDir
	if spec.WorkDir == "" {
		spec.WorkDir = "/"
	}

	jobLogger.Info().Str("cgroup", spec.CgroupPath).Msg("sandbox built")
	return spec, nil
}

// deriveEnvironment overlays manifest defaults, job env vars, then secret
// env vars, in that precedence order (spec §4.3 step 4). Secret values
// come straight from the vault and are never logged.
func (b *Builder) deriveEnvironment(job *domain.Job, manifest *domain.RuntimeManifest) ([]string, error) {
	merged := make(map[string]string)
	if manifest != nil {
		for k, v := range manifest.Environment {
			merged[k] = v
		}
	}
	for k, v := range job.EnvVars {
		merged[k] = v
	}

	if len(job.SecretEnvVars) > 0 && b.secrets != nil {
		secretVals, err := b.secrets.Get(job.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve secret env vars: %w", err)
		}
		for _, name := range job.SecretEnvVars {
			if v, ok := secretVals[name]; ok {
				merged[name] = v
			}
		}
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env, nil
}
