package perf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// Layout of a combined group read with PERF_FORMAT_GROUP|PERF_FORMAT_ID:
// a u64 entry count followed by count (value, id) u64 pairs in native
// byte order.
const (
	groupHeaderSize = 8
	groupEntrySize  = 16
)

// GroupEntry is a single value of a combined read.
type GroupEntry struct {
	Value uint64
	ID    uint64
}

// GroupRecord is a decoded combined read. The order of entries is
// decided by the kernel.
type GroupRecord struct {
	Entries []GroupEntry
}

// GroupRecordSize returns the size in bytes of a record with n entries.
func GroupRecordSize(n int) int {
	return groupHeaderSize + n*groupEntrySize
}

// DecodeGroupRecord decodes a raw combined read. Trailing bytes beyond
// the announced entries are ignored.
func DecodeGroupRecord(buf []byte) (GroupRecord, error) {
	if len(buf) < groupHeaderSize {
		return GroupRecord{}, fmt.Errorf("%w: group record of %d bytes has no header", ErrIO, len(buf))
	}

	nr := binary.NativeEndian.Uint64(buf)
	if nr > uint64((len(buf)-groupHeaderSize)/groupEntrySize) {
		return GroupRecord{}, fmt.Errorf("%w: group record announces %d entries in %d bytes", ErrIO, nr, len(buf))
	}

	rec := GroupRecord{Entries: make([]GroupEntry, nr)}

	for i := range rec.Entries {
		off := groupHeaderSize + i*groupEntrySize
		rec.Entries[i] = GroupEntry{
			Value: binary.NativeEndian.Uint64(buf[off:]),
			ID:    binary.NativeEndian.Uint64(buf[off+8:]),
		}
	}

	return rec, nil
}

// Demultiplex returns the values of rec indexed like members. Entries
// are matched on the kernel identifier only. Members that have no entry
// in rec, including nil members, keep a zero value.
func Demultiplex(rec GroupRecord, members []*Measurement) []uint64 {
	values := make([]uint64, len(members))

	for _, entry := range rec.Entries {
		for i, m := range members {
			if m != nil && m.id == entry.ID {
				values[i] = entry.Value

				break
			}
		}
	}

	return values
}

// Group is a caller owned set of measurements sharing the descriptor of
// a leader. Members that are not supported on the host are logged and
// skipped instead of failing the whole group.
type Group struct {
	logger    *slog.Logger
	evaluator *Evaluator
	names     []string
	members   []*Measurement
	skipped   []string
	opened    int
}

// NewGroup opens leader and returns a Group around it. When evaluator is
// not nil, privileges of every measurement are evaluated before opening.
func NewGroup(name string, leader *Measurement, evaluator *Evaluator, logger *slog.Logger) (*Group, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	g := &Group{
		logger:    logger,
		evaluator: evaluator,
	}

	if err := g.checkPrivilege(name, leader); err != nil {
		return nil, err
	}

	if err := leader.Open(nil, 0); err != nil {
		if errors.Is(err, ErrLibraryFailure) {
			leader.Close() //nolint:errcheck
		}

		return nil, fmt.Errorf("opening group leader %s: %w", name, err)
	}

	g.names = append(g.names, name)
	g.members = append(g.members, leader)
	g.opened++

	return g, nil
}

func (g *Group) checkPrivilege(name string, m *Measurement) error {
	if g.evaluator == nil {
		return nil
	}

	allowed, err := g.evaluator.Evaluate(m)
	if err != nil {
		return fmt.Errorf("evaluating privilege of %s: %w", name, err)
	}

	if !allowed {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, name)
	}

	return nil
}

// Add opens m as a member of the group. A counter that is not supported
// on this host is skipped with a warning and nil is returned.
func (g *Group) Add(name string, m *Measurement) error {
	if err := g.checkPrivilege(name, m); err != nil {
		return err
	}

	supported, err := m.IsSupported()
	if err != nil {
		return fmt.Errorf("probing %s: %w", name, err)
	}

	if supported {
		err = m.Open(g.members[0], 0)
		switch {
		case err == nil:
			g.names = append(g.names, name)
			g.members = append(g.members, m)
			g.opened++

			return nil
		case errors.Is(err, ErrNotSupported):
			// Some counters can exist alone but not in this group
		case errors.Is(err, ErrLibraryFailure):
			m.Close() //nolint:errcheck

			return fmt.Errorf("opening %s: %w", name, err)
		default:
			return fmt.Errorf("opening %s: %w", name, err)
		}
	}

	g.logger.Warn("Counter not supported, skipping", "counter", name, "domain", m.Domain, "selector", m.Selector)

	g.names = append(g.names, name)
	g.members = append(g.members, nil)
	g.skipped = append(g.skipped, name)

	return nil
}

// Leader returns the group leader.
func (g *Group) Leader() *Measurement {
	return g.members[0]
}

// Names returns the names of all members, leader first, including
// skipped ones.
func (g *Group) Names() []string {
	return append([]string(nil), g.names...)
}

// Members returns all members in the order of Names. Skipped members
// are nil.
func (g *Group) Members() []*Measurement {
	return append([]*Measurement(nil), g.members...)
}

// Skipped returns the names of unsupported members.
func (g *Group) Skipped() []string {
	return append([]string(nil), g.skipped...)
}

// Start resets and enables all counters of the group.
func (g *Group) Start() error {
	return g.members[0].Start()
}

// Stop disables all counters of the group.
func (g *Group) Stop() error {
	return g.members[0].Stop()
}

// Read performs a combined read on the leader and returns the values in
// the order of Names.
func (g *Group) Read() ([]uint64, error) {
	rec, err := g.members[0].ReadGroup(g.opened)
	if err != nil {
		return nil, err
	}

	return Demultiplex(rec, g.members), nil
}

// Close closes all followers and then the leader.
func (g *Group) Close() error {
	var errs error

	for i := len(g.members) - 1; i >= 0; i-- {
		m := g.members[i]
		if m == nil || m.State() == StateClosed {
			continue
		}

		if err := m.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("closing %s: %w", g.names[i], err))
		}
	}

	return errs
}
