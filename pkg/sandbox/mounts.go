package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	runtimespec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/cuemby/joblet/pkg/domain"
)

// materializeFilesystem builds the sandbox's private mount view under
// rootDir: the runtime manifest's declared mounts (bind, optionally
// remounted read-only), the job's upload files under /work/uploads and
// upload directories under /work/uploaddirs, and any requested named
// volumes (spec §4.3 step 2). Every mount performed is unwound on
// cleanup, in reverse order, via the Platform seam's Unmount.
func (b *Builder) materializeFilesystem(job *domain.Job, manifest *domain.RuntimeManifest, rootDir string, spec *LaunchSpec) error {
	if manifest != nil {
		for _, m := range manifest.Mounts {
			if err := b.bindMount(rootDir, manifest.RootPath, m, spec); err != nil {
				return fmt.Errorf("mount %s: %w", m.Target, err)
			}
		}
	}

	if err := b.materializeUploads(job, rootDir, spec); err != nil {
		return err
	}

	if err := b.materializeVolumes(job, rootDir, spec); err != nil {
		return err
	}

	return nil
}

// bindMount bind-mounts manifest-relative source onto target under
// rootDir, remounting read-only when requested. The mount target must
// resolve inside rootDir; mountinfo.Mounted is used post-mount as a
// sanity check that nothing escaped via a symlink race.
func (b *Builder) bindMount(rootDir, manifestRoot string, m domain.MountSpec, spec *LaunchSpec) error {
	src := filepath.Join(manifestRoot, m.Source)
	dst := filepath.Join(rootDir, m.Target)

	if !strings.HasPrefix(filepath.Clean(dst), filepath.Clean(rootDir)+string(os.PathSeparator)) {
		return fmt.Errorf("mount target %q escapes sandbox root", m.Target)
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	flags := uintptr(unix.MS_BIND)
	if err := b.platform.Mount(src, dst, "", flags, ""); err != nil {
		return fmt.Errorf("bind mount: %w", err)
	}
	spec.cleanup = append(spec.cleanup, func() { _ = b.platform.Unmount(dst, unix.MNT_DETACH) })

	if m.ReadOnly {
		remountFlags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if err := b.platform.Mount("", dst, "", remountFlags, ""); err != nil {
			return fmt.Errorf("ro remount: %w", err)
		}
	}

	mounted, err := mountinfo.Mounted(dst)
	if err != nil || !mounted {
		return fmt.Errorf("mount %s did not take effect", dst)
	}
	return nil
}

// materializeUploads bind-mounts each staged upload into the sandbox at
// /work/uploads/<name> (files) or /work/uploaddirs/<name> (directories).
func (b *Builder) materializeUploads(job *domain.Job, rootDir string, spec *LaunchSpec) error {
	if len(job.Uploads) == 0 {
		return nil
	}
	filesDir := filepath.Join(rootDir, "work", "uploads")
	dirsDir := filepath.Join(rootDir, "work", "uploaddirs")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(dirsDir, 0o755); err != nil {
		return err
	}

	for _, u := range job.Uploads {
		var dst string
		if u.IsDir {
			dst = filepath.Join(dirsDir, u.Name)
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
		} else {
			dst = filepath.Join(filesDir, u.Name)
			f, err := os.OpenFile(dst, os.O_CREATE|os.O_RDONLY, 0o644)
			if err != nil {
				return err
			}
			_ = f.Close()
		}
		if err := b.platform.Mount(u.SourcePath, dst, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("bind mount upload %s: %w", u.Name, err)
		}
		spec.cleanup = append(spec.cleanup, func(d string) func() {
			return func() { _ = b.platform.Unmount(d, unix.MNT_DETACH) }
		}(dst))
	}
	return nil
}

// materializeVolumes mounts every named volume the job requested at
// /work/volumes/<name>, acquiring each one first so it can't be deleted
// while this sandbox holds it; the acquire is unwound (released) in the
// same cleanup chain as its mount, in reverse.
func (b *Builder) materializeVolumes(job *domain.Job, rootDir string, spec *LaunchSpec) error {
	if len(job.Volumes) == 0 || b.volumes == nil {
		return nil
	}
	base := filepath.Join(rootDir, "work", "volumes")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return err
	}
	for _, name := range job.Volumes {
		if err := b.volumes.Acquire(name); err != nil {
			return fmt.Errorf("acquire volume %s: %w", name, err)
		}
		spec.cleanup = append(spec.cleanup, func(n string) func() {
			return func() { b.volumes.Release(n) }
		}(name))

		hostPath, err := b.volumes.MountPath(name)
		if err != nil {
			return fmt.Errorf("resolve volume %s: %w", name, err)
		}
		dst := filepath.Join(base, name)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		if err := b.platform.Mount(hostPath, dst, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("mount volume %s: %w", name, err)
		}
		spec.cleanup = append(spec.cleanup, func(d string) func() {
			return func() { _ = b.platform.Unmount(d, unix.MNT_DETACH) }
		}(dst))
	}
	return nil
}

// ociMountsFromManifest is unused by the in-process bind-mount path above
// but is kept to translate a runtime manifest into OCI-shaped mount
// entries for tooling that inspects a sandbox from outside (e.g. a future
// `joblet inspect` surface) without re-deriving the mapping.
func ociMountsFromManifest(manifest *domain.RuntimeManifest) []runtimespec.Mount {
	out := make([]runtimespec.Mount, 0, len(manifest.Mounts))
	for _, m := range manifest.Mounts {
		opts := []string{"bind"}
		if m.ReadOnly {
			opts = append(opts, "ro")
		}
		out = append(out, runtimespec.Mount{
			Source:      m.Source,
			Destination: m.Target,
			Type:        "bind",
			Options:     opts,
		})
	}
	return out
}
