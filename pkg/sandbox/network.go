package sandbox

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/cuemby/joblet/pkg/domain"
)

// hostNetwork and noNetwork are the two built-in network names every
// installation provides without a Network Manager entry (spec §3: "host"
// shares the init namespace's network, "none" gives the sandbox only a
// loopback interface).
const (
	hostNetwork = "host"
	noNetwork   = "none"
)

// attachNetwork resolves job's requested network and joins (or creates)
// the corresponding network namespace (spec §4.3 step 3). "host" attaches
// no new namespace at all; "none" creates an isolated namespace with only
// loopback; any other name is looked up via the NetworkResolver and its
// namespace is joined by path.
func (b *Builder) attachNetwork(job *domain.Job, spec *LaunchSpec) error {
	name := job.Network
	if name == "" {
		name = hostNetwork
	}

	switch name {
	case hostNetwork:
		return nil
	case noNetwork:
		return b.createIsolatedNamespace(spec)
	default:
		if b.networks == nil {
			return fmt.Errorf("no network resolver configured for %q", name)
		}
		if err := b.networks.Acquire(name); err != nil {
			return fmt.Errorf("acquire network %s: %w", name, err)
		}
		spec.cleanup = append(spec.cleanup, func() { b.networks.Release(name) })

		nsPath, err := b.networks.NetNSPath(name)
		if err != nil {
			return fmt.Errorf("resolve network %s: %w", name, err)
		}
		spec.NetNSPath = nsPath
		return nil
	}
}

// createIsolatedNamespace allocates a fresh, named network namespace with
// only a loopback interface brought up, for jobs requesting network:none.
func (b *Builder) createIsolatedNamespace(spec *LaunchSpec) error {
	nsName := "joblet-" + spec.JobID
	handle, err := netns.NewNamed(nsName)
	if err != nil {
		return fmt.Errorf("create netns: %w", err)
	}
	defer handle.Close()

	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("lookup loopback in new netns: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("bring up loopback: %w", err)
	}

	spec.NetNSPath = "/var/run/netns/" + nsName
	spec.cleanup = append(spec.cleanup, func() { _ = netns.DeleteNamed(nsName) })
	return nil
}
