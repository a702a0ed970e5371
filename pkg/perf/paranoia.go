package perf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
)

// paranoiaSysctl is the sysctl holding the perf_event_paranoid level.
const paranoiaSysctl = "kernel.perf_event_paranoid"

// Paranoia is the set of restrictions imposed on unprivileged users by
// the perf_event_paranoid sysctl. It does not hold the raw level.
type Paranoia uint8

// Restriction flags. See kernel documentation of perf_event_paranoid.
const (
	// ParanoiaAllowAll allows use of (almost) all events by all users.
	ParanoiaAllowAll Paranoia = 1 << iota
	// ParanoiaDisallowFtrace disallows ftrace function tracepoints and
	// raw tracepoints without CAP_SYS_ADMIN.
	ParanoiaDisallowFtrace
	// ParanoiaDisallowCPU disallows CPU event access without CAP_SYS_ADMIN.
	ParanoiaDisallowCPU
	// ParanoiaDisallowKernel disallows kernel profiling without CAP_SYS_ADMIN.
	ParanoiaDisallowKernel
)

var paranoiaNames = []struct {
	flag Paranoia
	name string
}{
	{ParanoiaAllowAll, "allow_all"},
	{ParanoiaDisallowFtrace, "disallow_ftrace"},
	{ParanoiaDisallowCPU, "disallow_cpu"},
	{ParanoiaDisallowKernel, "disallow_kernel"},
}

// ParanoiaFromLevel converts a perf_event_paranoid level into restriction
// flags. Debian and Ubuntu patched levels above 2 are treated as 2.
func ParanoiaFromLevel(level int) Paranoia {
	switch {
	case level >= 2:
		return ParanoiaDisallowCPU | ParanoiaDisallowFtrace | ParanoiaDisallowKernel
	case level == 1:
		return ParanoiaDisallowCPU | ParanoiaDisallowFtrace
	case level == 0:
		return ParanoiaDisallowCPU
	default:
		return ParanoiaAllowAll
	}
}

// Has returns true if all flags in f are set on p.
func (p Paranoia) Has(f Paranoia) bool {
	return p&f == f
}

// String implements the fmt.Stringer interface.
func (p Paranoia) String() string {
	var names []string

	for _, n := range paranoiaNames {
		if p.Has(n.flag) {
			names = append(names, n.name)
		}
	}

	if len(names) == 0 {
		return "none"
	}

	return strings.Join(names, "|")
}

// ReadParanoiaLevel reads the raw perf_event_paranoid level from fs.
func ReadParanoiaLevel(fs procfs.FS) (int, error) {
	values, err := fs.SysctlInts(paranoiaSysctl)
	if err != nil {
		return 0, fmt.Errorf("%w: reading %s: %w", ErrIO, paranoiaSysctl, err)
	}

	if len(values) != 1 {
		return 0, fmt.Errorf("%w: unexpected content in %s: %v", ErrIO, paranoiaSysctl, values)
	}

	return values[0], nil
}

// ReadParanoia reads the current restriction flags from fs. The value
// is read every time as it is mutable system state.
func ReadParanoia(fs procfs.FS) (Paranoia, error) {
	level, err := ReadParanoiaLevel(fs)
	if err != nil {
		return 0, err
	}

	return ParanoiaFromLevel(level), nil
}

// Supported returns true if the kernel below procfsPath supports
// perf_event_open. The existence of the perf_event_paranoid file is the
// documented way of finding out.
func Supported(procfsPath string) bool {
	_, err := os.Stat(filepath.Join(procfsPath, "sys", "kernel", "perf_event_paranoid"))

	return err == nil
}
