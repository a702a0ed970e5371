package perf

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"

	perfutils "github.com/ceems-dev/perf-utils"
	"golang.org/x/sys/unix"
)

// Special PID and CPU values.
const (
	// CallingProcess measures the calling process/thread.
	CallingProcess = 0
	// AnyProcess measures all processes/threads on the given CPU.
	AnyProcess = -1
	// AnyCPU measures the given process on any CPU.
	AnyCPU = -1
)

// noGroup is the group descriptor of standalone measurements and leaders.
const noGroup = -1

// Domain is the category of an event source.
type Domain uint32

// Counter domains.
const (
	DomainHardware      Domain = unix.PERF_TYPE_HARDWARE
	DomainSoftware      Domain = unix.PERF_TYPE_SOFTWARE
	DomainTracepoint    Domain = unix.PERF_TYPE_TRACEPOINT
	DomainHardwareCache Domain = unix.PERF_TYPE_HW_CACHE
	DomainRaw           Domain = unix.PERF_TYPE_RAW
	DomainBreakpoint    Domain = unix.PERF_TYPE_BREAKPOINT
)

var domainNames = map[Domain]string{
	DomainHardware:      "hardware",
	DomainSoftware:      "software",
	DomainTracepoint:    "tracepoint",
	DomainHardwareCache: "hw_cache",
	DomainRaw:           "raw",
	DomainBreakpoint:    "breakpoint",
}

// String implements the fmt.Stringer interface.
func (d Domain) String() string {
	if name, ok := domainNames[d]; ok {
		return name
	}

	return fmt.Sprintf("domain(%d)", uint32(d))
}

// ParseDomain returns the Domain with the given name.
func ParseDomain(name string) (Domain, error) {
	for d, n := range domainNames {
		if n == name {
			return d, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown domain %q", ErrBadParameters, name)
}

// ReadFormat selects the layout of values read from a measurement.
type ReadFormat uint64

// Read formats.
const (
	// FormatID tags each value with the kernel assigned identifier.
	FormatID ReadFormat = unix.PERF_FORMAT_ID
	// FormatGroup reads all values of a group at once.
	FormatGroup ReadFormat = unix.PERF_FORMAT_GROUP
)

// OpenFlag is a set of flags for Open.
type OpenFlag int

// Open flags.
const (
	FlagNoGroup   OpenFlag = unix.PERF_FLAG_FD_NO_GROUP
	FlagFDOutput  OpenFlag = unix.PERF_FLAG_FD_OUTPUT
	FlagPIDCgroup OpenFlag = unix.PERF_FLAG_PID_CGROUP
)

// State is the lifecycle state of a measurement.
type State int

// Measurement states.
const (
	StateCreated State = iota
	StateOpened
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpened:
		return "opened"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}

	return "unknown"
}

// Measurement is a handle on a single perf counter. The kernel
// descriptor is owned by the handle from Open until Close. Exported
// fields may be changed until the measurement is opened.
//
// A Measurement is not safe for concurrent use.
type Measurement struct {
	Domain   Domain
	Selector uint64
	// PID is the process to measure. CallingProcess, AnyProcess or a
	// concrete PID.
	PID int
	// CPU is the CPU to measure. AnyCPU or a concrete CPU.
	CPU int

	ExcludeKernel     bool
	ExcludeHypervisor bool
	ReadFormat        ReadFormat

	gateway Gateway
	logger  *slog.Logger

	state State
	fd    int
	group int
	id    uint64
	owner *fdOwner
}

// fdOwner is allocated once per opened descriptor and carries the
// cleanup that releases it. Handles may be copied by value, so the
// cleanup cannot be attached to the Measurement itself.
type fdOwner struct {
	fd      int
	cleanup runtime.Cleanup
}

// droppedFD is what the cleanup of an fdOwner needs to release it.
type droppedFD struct {
	fd      int
	id      uint64
	gateway Gateway
	logger  *slog.Logger
}

// NewMeasurement creates a measurement backed by system calls. See
// Manager.NewMeasurement.
func NewMeasurement(domain Domain, selector uint64, pid, cpu int) *Measurement {
	return defaultManager.NewMeasurement(domain, selector, pid, cpu)
}

// ID returns the kernel assigned identifier. It is zero until opened.
func (m *Measurement) ID() uint64 {
	return m.id
}

// FD returns the kernel descriptor or -1 if not opened.
func (m *Measurement) FD() int {
	return m.fd
}

// Group returns the descriptor of the group leader copied at open time
// or -1 for standalone measurements and leaders.
func (m *Measurement) Group() int {
	return m.group
}

// State returns the lifecycle state.
func (m *Measurement) State() State {
	return m.state
}

// Attr returns the kernel attribute describing m. It is disabled so
// nothing is counted before Start. Open enables followers, which are
// then gated by their disabled leader.
func (m *Measurement) Attr() unix.PerfEventAttr {
	attr := unix.PerfEventAttr{
		Type:        uint32(m.Domain),
		Size:        uint32(perfutils.EventAttrSize),
		Config:      m.Selector,
		Read_format: uint64(m.ReadFormat),
		Bits:        unix.PerfBitDisabled,
	}

	if m.ExcludeKernel {
		attr.Bits |= unix.PerfBitExcludeKernel
	}

	if m.ExcludeHypervisor {
		attr.Bits |= unix.PerfBitExcludeHv
	}

	return attr
}

// validate checks the PID/CPU combination. perf_event_open refuses to
// measure any process on any CPU.
func (m *Measurement) validate() error {
	if m.PID == AnyProcess && m.CPU == AnyCPU {
		return fmt.Errorf("%w: pid and cpu cannot both be any", ErrBadParameters)
	}

	if m.PID < AnyProcess || m.CPU < AnyCPU {
		return fmt.Errorf("%w: invalid pid %d or cpu %d", ErrBadParameters, m.PID, m.CPU)
	}

	if m.ReadFormat&^(FormatGroup|FormatID) != 0 {
		return fmt.Errorf("%w: unsupported read format %#x", ErrBadParameters, uint64(m.ReadFormat))
	}

	return nil
}

// isOpen returns nil if m holds a descriptor.
func (m *Measurement) isOpen() error {
	switch m.state {
	case StateOpened, StateActive:
		return nil
	case StateClosed:
		return ErrMeasurementClosed
	default:
		return fmt.Errorf("%w: measurement not opened", ErrBadParameters)
	}
}

// Open registers m with the kernel. When leader is not nil, m joins the
// group of leader. The leader's descriptor is copied, so leader must only
// outlive this call.
func (m *Measurement) Open(leader *Measurement, flags OpenFlag) error {
	switch m.state {
	case StateCreated:
	case StateClosed:
		return ErrMeasurementClosed
	default:
		return fmt.Errorf("%w: measurement already opened", ErrBadParameters)
	}

	if err := m.validate(); err != nil {
		return err
	}

	groupFD := noGroup

	if leader != nil {
		if err := leader.isOpen(); err != nil {
			return fmt.Errorf("%w: group leader: %w", ErrBadParameters, err)
		}

		groupFD = leader.fd
	}

	attr := m.Attr()
	if leader != nil {
		attr.Bits &^= unix.PerfBitDisabled
	}

	fd, err := m.gateway.Open(&attr, m.PID, m.CPU, groupFD, int(flags))
	if err != nil {
		return openError(err)
	}

	m.fd = fd
	m.group = groupFD
	m.state = StateOpened

	id, err := m.gateway.ID(fd)
	if err != nil {
		m.track(0)

		return fmt.Errorf("%w: retrieving event id: %w", ErrLibraryFailure, err)
	}

	m.id = id
	m.track(id)

	m.logger.Debug(
		"Measurement opened", "domain", m.Domain, "selector", m.Selector,
		"pid", m.PID, "cpu", m.CPU, "group", groupFD, "id", id,
	)

	return nil
}

// Start resets the counter and enables it. For group leaders the whole
// group is reset and enabled.
func (m *Measurement) Start() error {
	if err := m.isOpen(); err != nil {
		return err
	}

	if err := m.gateway.Ioctl(m.fd, unix.PERF_EVENT_IOC_RESET, unix.PERF_IOC_FLAG_GROUP); err != nil {
		return fmt.Errorf("%w: resetting counter: %w", ErrIO, err)
	}

	if err := m.gateway.Ioctl(m.fd, unix.PERF_EVENT_IOC_ENABLE, unix.PERF_IOC_FLAG_GROUP); err != nil {
		return fmt.Errorf("%w: enabling counter: %w", ErrIO, err)
	}

	m.state = StateActive

	return nil
}

// Stop disables the counter, group wide for leaders.
func (m *Measurement) Stop() error {
	if err := m.isOpen(); err != nil {
		return err
	}

	if err := m.gateway.Ioctl(m.fd, unix.PERF_EVENT_IOC_DISABLE, unix.PERF_IOC_FLAG_GROUP); err != nil {
		return fmt.Errorf("%w: disabling counter: %w", ErrIO, err)
	}

	m.state = StateOpened

	return nil
}

// Read reads raw counter bytes into buf, which must be sized exactly to
// the expected payload. A short read is an error. Reading an active
// measurement returns a live snapshot.
func (m *Measurement) Read(buf []byte) (int, error) {
	if err := m.isOpen(); err != nil {
		return 0, err
	}

	n, err := m.gateway.Read(m.fd, buf)
	if err != nil {
		return n, fmt.Errorf("%w: reading counter: %w", ErrIO, err)
	}

	if n < len(buf) {
		return n, fmt.Errorf("%w: short read of %d out of %d bytes", ErrIO, n, len(buf))
	}

	return n, nil
}

// ReadValue reads the value of a measurement that has no followers.
func (m *Measurement) ReadValue() (uint64, error) {
	if m.ReadFormat&FormatGroup != 0 {
		rec, err := m.ReadGroup(1)
		if err != nil {
			return 0, err
		}

		return rec.Entries[0].Value, nil
	}

	size := 8
	if m.ReadFormat&FormatID != 0 {
		size += 8
	}

	buf := make([]byte, size)
	if _, err := m.Read(buf); err != nil {
		return 0, err
	}

	return binary.NativeEndian.Uint64(buf), nil
}

// ReadGroup performs a combined read for a group of n measurements,
// leader included, and decodes the record.
func (m *Measurement) ReadGroup(n int) (GroupRecord, error) {
	if m.ReadFormat != FormatGroup|FormatID {
		return GroupRecord{}, fmt.Errorf("%w: group reads need group and id read formats", ErrBadParameters)
	}

	if n < 1 {
		return GroupRecord{}, fmt.Errorf("%w: group of %d measurements", ErrBadParameters, n)
	}

	buf := make([]byte, GroupRecordSize(n))
	if _, err := m.Read(buf); err != nil {
		return GroupRecord{}, err
	}

	return DecodeGroupRecord(buf)
}

// Close releases the kernel descriptor. Closing a measurement that was
// never opened does not involve the kernel.
func (m *Measurement) Close() error {
	switch m.state {
	case StateClosed:
		return ErrMeasurementClosed
	case StateCreated:
		m.state = StateClosed

		return nil
	}

	m.untrack()

	fd := m.fd
	m.fd = -1
	m.state = StateClosed

	if err := m.gateway.Close(fd); err != nil {
		return fmt.Errorf("%w: closing descriptor %d: %w", ErrIO, fd, err)
	}

	return nil
}

// IsSupported probes whether the counter can be opened here by opening
// and immediately closing it outside of any group.
func (m *Measurement) IsSupported() (bool, error) {
	if m.state == StateClosed {
		return false, ErrMeasurementClosed
	}

	if err := m.validate(); err != nil {
		return false, err
	}

	attr := m.Attr()

	fd, err := m.gateway.Open(&attr, m.PID, m.CPU, noGroup, 0)
	if err != nil {
		if isNotSupported(err) {
			return false, nil
		}

		return false, fmt.Errorf("%w: %w", ErrEventOpen, err)
	}

	if err := m.gateway.Close(fd); err != nil {
		return false, fmt.Errorf("%w: closing probe descriptor: %w", ErrIO, err)
	}

	return true, nil
}

// track releases the descriptor when every copy of m is dropped
// without Close.
func (m *Measurement) track(id uint64) {
	m.owner = &fdOwner{fd: m.fd}
	m.owner.cleanup = runtime.AddCleanup(m.owner, releaseDropped, droppedFD{
		fd:      m.fd,
		id:      id,
		gateway: m.gateway,
		logger:  m.logger,
	})
}

func (m *Measurement) untrack() {
	if m.owner == nil {
		return
	}

	m.owner.cleanup.Stop()
	m.owner = nil
}

// releaseDropped closes the descriptor of a dropped handle.
func releaseDropped(d droppedFD) {
	d.logger.Warn("Measurement was not closed before being dropped", "fd", d.fd, "id", d.id)

	if err := d.gateway.Close(d.fd); err != nil {
		d.logger.Error("Failed to close dropped measurement", "fd", d.fd, "err", err)
	}
}
