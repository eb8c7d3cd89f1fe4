// Package platform seams the host syscalls joblet's process and mount
// management call directly - signaling a process group, mounting and
// unmounting - behind a small interface, so pkg/supervisor and pkg/sandbox
// can be exercised against a fake instead of the real kernel in tests.
//
// Grounded on the interface-in-front-of-a-concrete-backend seam
// pkg/volume.Driver already uses for its filesystem/tmpfs implementations;
// OS is the only production implementation.
package platform

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Platform is the syscall surface pkg/supervisor and pkg/sandbox need.
type Platform interface {
	Kill(pid int, sig syscall.Signal) error
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
}

// OS is the real, unix-backed Platform.
type OS struct{}

func (OS) Kill(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func (OS) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (OS) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}
