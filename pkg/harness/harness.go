// Package harness runs workloads between a start and a stop of a counter
// group and collects the demultiplexed values of every iteration.
package harness

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ceems-dev/perfmeter/internal/workload"
	"github.com/ceems-dev/perfmeter/pkg/config"
	"github.com/ceems-dev/perfmeter/pkg/perf"
)

// ErrPerfUnsupported is returned when the host has no perf events.
var ErrPerfUnsupported = errors.New("perf not supported")

// HostInfo describes the perf facility of the host.
type HostInfo struct {
	Kernel   perf.KernelVersion
	Paranoia perf.Paranoia
}

// AssertSupport returns an error if perf events cannot be used on this
// host.
func AssertSupport(procfsPath string, logger *slog.Logger) (HostInfo, error) {
	kernel, err := perf.CurrentKernelVersion()
	if err != nil {
		return HostInfo{}, err
	}

	logger.Info("Kernel version", "version", kernel)

	if !perf.Supported(procfsPath) {
		return HostInfo{Kernel: kernel}, ErrPerfUnsupported
	}

	env, err := perf.NewHostEnvironment(procfsPath)
	if err != nil {
		return HostInfo{Kernel: kernel}, err
	}

	paranoia, err := env.Paranoia()
	if err != nil {
		return HostInfo{Kernel: kernel}, err
	}

	return HostInfo{Kernel: kernel, Paranoia: paranoia}, nil
}

// Counter is the value of a named counter.
type Counter struct {
	Name  string `json:"name"  yaml:"name"`
	Value uint64 `json:"value" yaml:"value"`
}

// Sample holds the counters of one iteration of a workload.
type Sample struct {
	Workload  string        `json:"workload"   yaml:"workload"`
	Iteration int           `json:"iteration"  yaml:"iteration"`
	Result    float64       `json:"result"     yaml:"result"`
	Elapsed   time.Duration `json:"elapsed_ns" yaml:"elapsed_ns"`
	Counters  []Counter     `json:"counters"   yaml:"counters"`
}

// Session is a counter group measuring the calling thread.
type Session struct {
	logger     *slog.Logger
	group      *perf.Group
	unresolved []string
}

// OpenGroup opens the leader and the counters of set for pid on cpu.
// Counters that the host cannot provide are skipped with a warning and
// returned as unresolved when they could not even be named. Insufficient
// privileges are an error. A nil evaluator skips privilege checks.
func OpenGroup(
	mgr *perf.Manager,
	evaluator *perf.Evaluator,
	set config.CounterSet,
	pid, cpu int,
	logger *slog.Logger,
) (*perf.Group, []string, error) {
	leaderEvent, err := set.Leader.Event()
	if err != nil {
		return nil, nil, fmt.Errorf("resolving leader: %w", err)
	}

	leader := mgr.NewMeasurementFromEvent(leaderEvent, pid, cpu)

	group, err := perf.NewGroup(leaderEvent.Name, leader, evaluator, logger)
	if err != nil {
		return nil, nil, err
	}

	var unresolved []string

	for _, ec := range set.Events {
		event, err := ec.Event()
		if errors.Is(err, perf.ErrNotSupported) {
			logger.Warn("Counter not available, skipping", "counter", ec.Name, "err", err)

			unresolved = append(unresolved, ec.Name)

			continue
		} else if err != nil {
			group.Close() //nolint:errcheck

			return nil, nil, err
		}

		m := mgr.NewMeasurementFromEvent(event, pid, cpu)
		if err := group.Add(event.Name, m); err != nil {
			group.Close() //nolint:errcheck

			return nil, nil, err
		}
	}

	return group, unresolved, nil
}

// NewSession opens the counters of set on the calling thread. The caller
// must keep its goroutine locked to the OS thread while the session is in
// use, otherwise workloads run elsewhere are not counted.
func NewSession(mgr *perf.Manager, evaluator *perf.Evaluator, set config.CounterSet, logger *slog.Logger) (*Session, error) {
	group, unresolved, err := OpenGroup(mgr, evaluator, set, perf.CallingProcess, perf.AnyCPU, logger)
	if err != nil {
		return nil, err
	}

	return &Session{logger: logger, group: group, unresolved: unresolved}, nil
}

// Counters returns the names of the counters reported in samples.
func (s *Session) Counters() []string {
	return s.group.Names()[1:]
}

// Skipped returns the names of counters that are not measured.
func (s *Session) Skipped() []string {
	return append(s.group.Skipped(), s.unresolved...)
}

// Measure runs w once between a start and a stop of the group.
func (s *Session) Measure(name string, w workload.Func) (Sample, error) {
	if err := s.group.Start(); err != nil {
		return Sample{}, err
	}

	start := time.Now()
	result := w()
	elapsed := time.Since(start)

	if err := s.group.Stop(); err != nil {
		return Sample{}, err
	}

	values, err := s.group.Read()
	if err != nil {
		return Sample{}, err
	}

	// Leader counts nothing
	names := s.group.Names()
	counters := make([]Counter, 0, len(names)-1)

	for i := 1; i < len(names); i++ {
		counters = append(counters, Counter{Name: names[i], Value: values[i]})
	}

	return Sample{Workload: name, Result: result, Elapsed: elapsed, Counters: counters}, nil
}

// Run measures w for the given number of iterations.
func (s *Session) Run(name string, w workload.Func, iterations int) ([]Sample, error) {
	samples := make([]Sample, 0, iterations)

	for i := range iterations {
		sample, err := s.Measure(name, w)
		if err != nil {
			return samples, fmt.Errorf("iteration %d of %s: %w", i, name, err)
		}

		sample.Iteration = i
		samples = append(samples, sample)

		s.logger.Debug("Iteration measured", "workload", name, "iteration", i, "elapsed", sample.Elapsed)
	}

	return samples, nil
}

// Close closes all counters.
func (s *Session) Close() error {
	return s.group.Close()
}
