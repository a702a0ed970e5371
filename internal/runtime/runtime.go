// Package runtime reports details of the host and the resource limits of
// the process.
package runtime

import (
	"fmt"
	"math"
	"syscall"

	"golang.org/x/sys/unix"
)

// syscall.RLIM_INFINITY is int on most architectures but not all of them.
var unlimited uint64 = syscall.RLIM_INFINITY & math.MaxUint64

// Uname holds the fields of uname(2) that identify the host.
type Uname struct {
	Sysname  string `json:"sysname"  yaml:"sysname"`
	Release  string `json:"release"  yaml:"release"`
	Version  string `json:"version"  yaml:"version"`
	Machine  string `json:"machine"  yaml:"machine"`
	Nodename string `json:"nodename" yaml:"nodename"`
}

// CurrentUname returns the uname of the host machine.
func CurrentUname() (Uname, error) {
	buf := unix.Utsname{}

	if err := unix.Uname(&buf); err != nil {
		return Uname{}, fmt.Errorf("uname failed: %w", err)
	}

	return Uname{
		Sysname:  unix.ByteSliceToString(buf.Sysname[:]),
		Release:  unix.ByteSliceToString(buf.Release[:]),
		Version:  unix.ByteSliceToString(buf.Version[:]),
		Machine:  unix.ByteSliceToString(buf.Machine[:]),
		Nodename: unix.ByteSliceToString(buf.Nodename[:]),
	}, nil
}

func (u Uname) String() string {
	return fmt.Sprintf("(%s %s %s %s %s)", u.Sysname, u.Release, u.Version, u.Machine, u.Nodename)
}

// Limit is a resource limit.
type Limit struct {
	Soft uint64 `json:"soft" yaml:"soft"`
	Hard uint64 `json:"hard" yaml:"hard"`
}

func (l Limit) String() string {
	return fmt.Sprintf("(soft=%s, hard=%s)", limitToString(l.Soft), limitToString(l.Hard))
}

func limitToString(v uint64) string {
	if v == unlimited {
		return "unlimited"
	}

	return fmt.Sprintf("%d", v)
}

// FdLimits returns the soft and hard limits for file descriptors. Every
// opened counter holds one.
func FdLimits() (Limit, error) {
	rlimit := syscall.Rlimit{}

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return Limit{}, fmt.Errorf("getrlimit failed: %w", err)
	}

	// rlimit.Cur and rlimit.Max are int64 on some platforms
	return Limit{Soft: uint64(rlimit.Cur), Hard: uint64(rlimit.Max)}, nil //nolint:unconvert
}
