// Package perftest provides in-memory stand-ins of the kernel interface
// and the host environment for tests of code built on perf.
package perftest

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/ceems-dev/perfmeter/pkg/perf"
	"golang.org/x/sys/unix"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// Gateway is a perf.Gateway serving combined reads. Every member counts
// its selector plus one and the ID of a descriptor is fd * 1000.
type Gateway struct {
	mu sync.Mutex

	next      int
	members   map[int][]int
	selectors map[int]uint64

	// Missing hardware selectors fail to open with ENOENT.
	Missing map[uint64]bool
	// Reverse returns the entries of combined reads in reverse order.
	Reverse bool
	// PIDs holds the pid argument every descriptor was opened with.
	PIDs map[int]int
	// Enabled holds the state of descriptors after the last ioctl.
	Enabled map[int]bool
	// Closed counts closed descriptors.
	Closed int
}

// NewGateway returns a new Gateway. Descriptors start at 3.
func NewGateway() *Gateway {
	return &Gateway{
		next:      3,
		members:   make(map[int][]int),
		selectors: make(map[int]uint64),
		Missing:   make(map[uint64]bool),
		PIDs:      make(map[int]int),
		Enabled:   make(map[int]bool),
	}
}

// Open implements perf.Gateway.
func (g *Gateway) Open(attr *unix.PerfEventAttr, pid, _, groupFD, _ int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Missing[attr.Config] && attr.Type == unix.PERF_TYPE_HARDWARE {
		return -1, unix.ENOENT
	}

	fd := g.next
	g.next++
	g.selectors[fd] = attr.Config
	g.PIDs[fd] = pid

	if groupFD == -1 {
		g.members[fd] = []int{fd}
	} else {
		g.members[groupFD] = append(g.members[groupFD], fd)
	}

	return fd, nil
}

// ID implements perf.Gateway.
func (g *Gateway) ID(fd int) (uint64, error) {
	return uint64(fd) * 1000, nil
}

// Ioctl implements perf.Gateway.
func (g *Gateway) Ioctl(fd int, req uint, _ int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.Enabled[fd] = req == unix.PERF_EVENT_IOC_ENABLE

	return nil
}

// Read implements perf.Gateway.
func (g *Gateway) Read(fd int, buf []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	members := g.members[fd]
	record := make([]byte, 8+16*len(members))
	binary.NativeEndian.PutUint64(record, uint64(len(members)))

	for i, member := range members {
		slot := i
		if g.Reverse {
			slot = len(members) - 1 - i
		}

		off := 8 + 16*slot
		binary.NativeEndian.PutUint64(record[off:], g.selectors[member]+1)
		binary.NativeEndian.PutUint64(record[off+8:], uint64(member)*1000)
	}

	return copy(buf, record), nil
}

// Close implements perf.Gateway.
func (g *Gateway) Close(int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.Closed++

	return nil
}

// ClosedCount returns the number of closed descriptors.
func (g *Gateway) ClosedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.Closed
}

// Env is a perf.Environment of a process on a 6.1 kernel holding Caps.
type Env struct {
	Restrictions perf.Paranoia
	Caps         []cap.Value
}

// HasCapability implements perf.Environment.
func (e Env) HasCapability(v cap.Value) (bool, error) {
	return slices.Contains(e.Caps, v), nil
}

// Paranoia implements perf.Environment.
func (e Env) Paranoia() (perf.Paranoia, error) { return e.Restrictions, nil }

// KernelVersion implements perf.Environment.
func (Env) KernelVersion() (perf.KernelVersion, error) {
	return perf.KernelVersion{Major: 6, Minor: 1}, nil
}
