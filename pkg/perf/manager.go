// Package perf implements a privilege aware, grouped measurement layer
// over the Linux perf_event_open(2) facility.
//
// A typical session evaluates the privileges of a Measurement, opens it
// (optionally as part of a group), starts and stops it around a workload,
// reads it and finally closes it:
//
//	m := perf.NewMeasurement(perf.DomainHardware, perf.SelectorInstructions, perf.CallingProcess, perf.AnyCPU)
//	if err := m.Open(nil, 0); err != nil {
//		return err
//	}
//	defer m.Close()
//
//	m.Start()
//	work()
//	m.Stop()
//
//	count, err := m.ReadValue()
package perf

import (
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"
)

// Manager creates measurements bound to a Gateway.
type Manager struct {
	gateway Gateway
	logger  *slog.Logger
}

var defaultManager = NewManager(nil, nil)

// NewManager returns a new Manager. A nil gateway uses system calls and
// a nil logger discards all logs.
func NewManager(gateway Gateway, logger *slog.Logger) *Manager {
	if gateway == nil {
		gateway = NewGateway()
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{gateway: gateway, logger: logger}
}

// NewMeasurement creates a measurement for the given counter. The
// measurement reads in group and id tagged format so that it can be
// demultiplexed, and starts disabled.
//
// pid and cpu combine as follows:
//   - CallingProcess and AnyCPU measures the calling thread on any CPU.
//   - CallingProcess and cpu >= 0 measures the calling thread on that CPU.
//   - pid > 0 and AnyCPU measures the given process on any CPU.
//   - pid > 0 and cpu >= 0 measures the given process on that CPU.
//   - AnyProcess and cpu >= 0 measures all processes on that CPU.
//   - AnyProcess and AnyCPU is invalid and rejected by Open.
func (mgr *Manager) NewMeasurement(domain Domain, selector uint64, pid, cpu int) *Measurement {
	return &Measurement{
		Domain:     domain,
		Selector:   selector,
		PID:        pid,
		CPU:        cpu,
		ReadFormat: FormatGroup | FormatID,
		gateway:    mgr.gateway,
		logger:     mgr.logger,
		fd:         -1,
		group:      noGroup,
	}
}

// NewMeasurementFromEvent creates a measurement for a catalogue event.
func (mgr *Manager) NewMeasurementFromEvent(event Event, pid, cpu int) *Measurement {
	m := mgr.NewMeasurement(event.Domain, event.Selector, pid, cpu)
	m.ExcludeKernel = event.ExcludeKernel
	m.ExcludeHypervisor = event.ExcludeHypervisor

	return m
}

// notSupportedErrnos are the perf_event_open errors meaning that the
// counter cannot exist in this environment.
var notSupportedErrnos = []error{
	unix.ENODEV,
	unix.ENOENT,
	unix.ENOSYS,
	unix.EOPNOTSUPP,
	unix.EPERM,
}

func isNotSupported(err error) bool {
	for _, errno := range notSupportedErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	return false
}

// openError classifies a perf_event_open failure.
func openError(err error) error {
	if isNotSupported(err) {
		return wrap(ErrNotSupported, err)
	}

	return wrap(ErrEventOpen, err)
}
