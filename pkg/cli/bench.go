package cli

import (
	"log/slog"
	goruntime "runtime"
	"time"

	"github.com/ceems-dev/perfmeter/internal/common"
	"github.com/ceems-dev/perfmeter/internal/workload"
	"github.com/ceems-dev/perfmeter/pkg/config"
	"github.com/ceems-dev/perfmeter/pkg/harness"
	"github.com/ceems-dev/perfmeter/pkg/perf"
)

// bench runs the bench command.
func (p *PerfMeter) bench(logger *slog.Logger, cfg *config.Config, opts *options) error {
	bench := cfg.Bench

	if len(opts.workloads) > 0 {
		bench.Workloads = opts.workloads
	}

	if opts.iterations > 0 {
		bench.Iterations = opts.iterations
	}

	if err := bench.Validate(); err != nil {
		return err
	}

	host, err := harness.AssertSupport(opts.procfsPath, logger)
	if err != nil {
		logger.Error("perf events cannot be used on this host", "err", err)

		return err
	}

	report, err := p.runBench(logger, cfg.Counters, bench, opts.procfsPath)
	if err != nil {
		return err
	}

	report.Kernel = host.Kernel.String()
	report.Paranoia = host.Paranoia.String()

	return report.Render(p.out, opts.outputFormat)
}

// runBench measures every workload of bench on the calling thread.
func (p *PerfMeter) runBench(
	logger *slog.Logger,
	set config.CounterSet,
	bench config.BenchConfig,
	procfsPath string,
) (*harness.Report, error) {
	defer common.TimeTrack(time.Now(), "bench", logger)

	// Counters only follow the thread that opened them
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	env, err := perf.NewHostEnvironment(procfsPath)
	if err != nil {
		return nil, err
	}

	mgr := perf.NewManager(p.gateway, logger)

	session, err := harness.NewSession(mgr, perf.NewEvaluator(env, logger), set, logger)
	if err != nil {
		logger.Error("Failed to open counters", "err", perf.Describe(err))

		return nil, err
	}

	defer func() {
		if err := session.Close(); err != nil {
			logger.Error("Failed to close counters", "err", err)
		}
	}()

	report := &harness.Report{
		Counters: session.Counters(),
		Skipped:  session.Skipped(),
	}

	for _, name := range bench.Workloads {
		w, err := workload.Get(name)
		if err != nil {
			return nil, err
		}

		samples, err := session.Run(name, w, bench.Iterations)
		if err != nil {
			logger.Error("Failed to measure workload", "workload", name, "err", perf.Describe(err))

			return nil, err
		}

		report.Samples = append(report.Samples, samples...)
	}

	return report, nil
}
