package perf

import (
	"encoding/binary"
	"log/slog"

	"golang.org/x/sys/unix"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

var noOpLogger = slog.New(slog.DiscardHandler)

type openCall struct {
	attr    unix.PerfEventAttr
	pid     int
	cpu     int
	groupFD int
	flags   int
}

type ioctlCall struct {
	fd  int
	req uint
	arg int
}

// These doubles stay in package perf because perftest imports perf and
// the tests here reach unexported state. fakeGateway records every call,
// which perftest.Gateway does not.

// fakeGateway records calls and serves canned responses.
type fakeGateway struct {
	nextFD   int
	nextID   uint64
	opens    []openCall
	openErrs map[uint64]error // keyed on selector
	idErr    error
	ioctls   []ioctlCall
	ioctlErr error
	reads    map[int][]byte
	readErr  error
	closed   []int
	closeErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		nextFD:   10,
		nextID:   100,
		openErrs: make(map[uint64]error),
		reads:    make(map[int][]byte),
	}
}

func (f *fakeGateway) Open(attr *unix.PerfEventAttr, pid, cpu, groupFD, flags int) (int, error) {
	f.opens = append(f.opens, openCall{attr: *attr, pid: pid, cpu: cpu, groupFD: groupFD, flags: flags})

	if err, ok := f.openErrs[attr.Config]; ok {
		return -1, err
	}

	fd := f.nextFD
	f.nextFD++

	return fd, nil
}

func (f *fakeGateway) ID(fd int) (uint64, error) {
	if f.idErr != nil {
		return 0, f.idErr
	}

	id := f.nextID
	f.nextID++

	return id, nil
}

func (f *fakeGateway) Ioctl(fd int, req uint, arg int) error {
	f.ioctls = append(f.ioctls, ioctlCall{fd: fd, req: req, arg: arg})

	return f.ioctlErr
}

func (f *fakeGateway) Read(fd int, buf []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}

	return copy(buf, f.reads[fd]), nil
}

func (f *fakeGateway) Close(fd int) error {
	f.closed = append(f.closed, fd)

	return f.closeErr
}

// fakeEnv is an Environment with fixed answers.
type fakeEnv struct {
	caps        map[cap.Value]bool
	capErrs     map[cap.Value]error
	paranoia    Paranoia
	paranoiaErr error
	version     KernelVersion
	versionErr  error
	queried     []cap.Value
}

func (e *fakeEnv) HasCapability(v cap.Value) (bool, error) {
	e.queried = append(e.queried, v)

	if err, ok := e.capErrs[v]; ok {
		return false, err
	}

	return e.caps[v], nil
}

func (e *fakeEnv) Paranoia() (Paranoia, error) {
	return e.paranoia, e.paranoiaErr
}

func (e *fakeEnv) KernelVersion() (KernelVersion, error) {
	return e.version, e.versionErr
}

// encodeGroupRecord builds a raw combined read.
func encodeGroupRecord(entries ...GroupEntry) []byte {
	buf := make([]byte, GroupRecordSize(len(entries)))
	binary.NativeEndian.PutUint64(buf, uint64(len(entries)))

	for i, e := range entries {
		off := groupHeaderSize + i*groupEntrySize
		binary.NativeEndian.PutUint64(buf[off:], e.Value)
		binary.NativeEndian.PutUint64(buf[off+8:], e.ID)
	}

	return buf
}
