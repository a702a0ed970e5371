package perf

import (
	"fmt"

	"github.com/prometheus/procfs"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// Capabilities consulted by the privilege evaluator.
const (
	// CapSysAdmin grants unrestricted access to all counters.
	CapSysAdmin = cap.SYS_ADMIN
	// CapPerfmon is required for CPU wide monitoring of any process
	// since Linux 5.8.
	CapPerfmon = cap.PERFMON
)

// HasCapability returns true if the calling process holds capability v
// in its effective set. A capability unknown to the running kernel is
// reported as ErrCapabilityNotSupported.
func HasCapability(v cap.Value) (bool, error) {
	if v >= cap.MaxBits() {
		return false, fmt.Errorf("%w: %s", ErrCapabilityNotSupported, v)
	}

	enabled, err := cap.GetProc().GetFlag(cap.Effective, v)
	if err != nil {
		return false, fmt.Errorf("%w: reading %s flag: %w", ErrLibraryFailure, v, err)
	}

	return enabled, nil
}

// Environment is the system state consulted when evaluating privileges.
type Environment interface {
	// HasCapability reports whether the caller holds the capability.
	HasCapability(v cap.Value) (bool, error)
	// Paranoia returns the current restriction flags.
	Paranoia() (Paranoia, error)
	// KernelVersion returns the running kernel version.
	KernelVersion() (KernelVersion, error)
}

// HostEnvironment is the Environment of the current host.
type HostEnvironment struct {
	fs procfs.FS
}

// NewHostEnvironment returns a HostEnvironment reading sysctls below
// procfsPath.
func NewHostEnvironment(procfsPath string) (*HostEnvironment, error) {
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening procfs at %s: %w", ErrIO, procfsPath, err)
	}

	return &HostEnvironment{fs: fs}, nil
}

// HasCapability implements Environment.
func (h *HostEnvironment) HasCapability(v cap.Value) (bool, error) {
	return HasCapability(v)
}

// Paranoia implements Environment.
func (h *HostEnvironment) Paranoia() (Paranoia, error) {
	return ReadParanoia(h.fs)
}

// KernelVersion implements Environment.
func (h *HostEnvironment) KernelVersion() (KernelVersion, error) {
	return CurrentKernelVersion()
}
