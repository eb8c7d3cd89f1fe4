// Package network manages named network namespaces jobs can join, beyond
// the two built-ins ("host", "none") the Sandbox Builder handles inline.
// A named network is a persistent netns a job attaches to by path, so
// jobs that share a network name can reach each other.
//
// Grounded on the same vishvananda/netns idiom pkg/sandbox uses to create
// the isolated "none" namespace, generalized to a named, durable,
// catalog-backed set.
package network

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/log"
	"github.com/cuemby/joblet/pkg/storage"
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)

const netnsDir = "/var/run/netns/"

// builtIn lists network names every installation provides without a
// Manager entry; CreateNetwork/DeleteNetwork refuse these.
var builtIn = map[string]bool{"host": true, "none": true}

// Manager tracks named network namespaces and persists their metadata.
type Manager struct {
	mu       sync.RWMutex
	catalog  *storage.Catalog
	networks map[string]*domain.Network
	logger   zerolog.Logger
}

// New creates a Manager backed by catalog, restoring any networks
// persisted from a previous run. Restored namespaces are assumed to
// already exist on the host; Manager does not recreate them.
func New(catalog *storage.Catalog) (*Manager, error) {
	m := &Manager{
		catalog:  catalog,
		networks: make(map[string]*domain.Network),
		logger:   log.WithComponent("network"),
	}
	persisted, err := catalog.ListNetworks()
	if err != nil {
		return nil, fmt.Errorf("network: restore: %w", err)
	}
	for _, n := range persisted {
		m.networks[n.Name] = n
	}
	return m, nil
}

// Create allocates a new named network namespace with only a loopback
// interface brought up, and registers it for jobs to attach to.
func (m *Manager) Create(name, cidr string) (*domain.Network, error) {
	if !nameRE.MatchString(name) {
		return nil, apierr.New(apierr.InvalidRequest, "invalid network name %q", name)
	}
	if builtIn[name] {
		return nil, apierr.New(apierr.DuplicateName, "network %q is a built-in name", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.networks[name]; exists {
		return nil, apierr.New(apierr.DuplicateName, "network %q already exists", name)
	}

	if err := m.createNamespace(name); err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "create network namespace %q", name)
	}

	n := &domain.Network{Name: name, CIDR: cidr}
	if err := m.catalog.PutNetwork(n); err != nil {
		return nil, fmt.Errorf("network: persist %q: %w", name, err)
	}
	m.networks[name] = n
	m.logger.Info().Str("network", name).Str("cidr", cidr).Msg("network created")
	return n, nil
}

func (m *Manager) createNamespace(name string) error {
	handle, err := netns.NewNamed(name)
	if err != nil {
		return fmt.Errorf("create netns: %w", err)
	}
	defer handle.Close()

	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("lookup loopback: %w", err)
	}
	return netlink.LinkSetUp(lo)
}

// Delete removes a named network. Fails with InUse if any job still
// references it.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, exists := m.networks[name]
	if !exists {
		return apierr.New(apierr.NotFound, "network %q not found", name)
	}
	if n.InUseCount > 0 {
		return apierr.New(apierr.InUse, "network %q is in use", name)
	}

	if err := netns.DeleteNamed(name); err != nil {
		m.logger.Warn().Err(err).Str("network", name).Msg("delete netns failed")
	}
	if err := m.catalog.DeleteNetwork(name); err != nil {
		return fmt.Errorf("network: delete %q: %w", name, err)
	}
	delete(m.networks, name)
	return nil
}

// Acquire increments a network's in-use count; called by the Sandbox
// Builder when a job attaching to it is placed. Satisfies
// pkg/sandbox.NetworkResolver.
func (m *Manager) Acquire(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.networks[name]
	if !ok {
		return apierr.New(apierr.NotFound, "network %q not found", name)
	}
	n.InUseCount++
	return nil
}

// Release decrements a network's in-use count; called once the sandbox
// that acquired it is torn down. Satisfies pkg/sandbox.NetworkResolver.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.networks[name]; ok && n.InUseCount > 0 {
		n.InUseCount--
	}
}

// List returns every known non-built-in network.
func (m *Manager) List() []*domain.Network {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Network, 0, len(m.networks))
	for _, n := range m.networks {
		out = append(out, n)
	}
	return out
}

// NetNSPath resolves name to its namespace path. Satisfies
// pkg/sandbox.NetworkResolver.
func (m *Manager) NetNSPath(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.networks[name]; !ok {
		return "", apierr.New(apierr.NotFound, "network %q not found", name)
	}
	return netnsDir + name, nil
}
