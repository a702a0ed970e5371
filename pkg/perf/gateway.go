package perf

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Gateway issues the raw perf_event_open requests. It holds no state.
type Gateway interface {
	// Open registers a counter and returns its descriptor.
	Open(attr *unix.PerfEventAttr, pid, cpu, groupFD, flags int) (int, error)
	// ID returns the kernel assigned identifier of a descriptor.
	ID(fd int) (uint64, error)
	// Ioctl issues a control request with an integer argument.
	Ioctl(fd int, req uint, arg int) error
	// Read reads raw counter bytes.
	Read(fd int, buf []byte) (int, error)
	// Close releases a descriptor.
	Close(fd int) error
}

// unixGateway is the Gateway backed by system calls.
type unixGateway struct{}

// NewGateway returns the system call backed Gateway.
func NewGateway() Gateway {
	return unixGateway{}
}

// Open implements Gateway. Descriptors are always close-on-exec.
func (unixGateway) Open(attr *unix.PerfEventAttr, pid, cpu, groupFD, flags int) (int, error) {
	return unix.PerfEventOpen(attr, pid, cpu, groupFD, flags|unix.PERF_FLAG_FD_CLOEXEC)
}

// ID implements Gateway.
func (unixGateway) ID(fd int) (uint64, error) {
	var id uint64

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.PERF_EVENT_IOC_ID),
		uintptr(unsafe.Pointer(&id)),
	)
	if errno != 0 {
		return 0, errno
	}

	return id, nil
}

// Ioctl implements Gateway.
func (unixGateway) Ioctl(fd int, req uint, arg int) error {
	return unix.IoctlSetInt(fd, req, arg)
}

// Read implements Gateway.
func (unixGateway) Read(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// Close implements Gateway.
func (unixGateway) Close(fd int) error {
	return unix.Close(fd)
}
