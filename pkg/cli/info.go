package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ceems-dev/perfmeter/internal/runtime"
	"github.com/ceems-dev/perfmeter/pkg/config"
	"github.com/ceems-dev/perfmeter/pkg/harness"
	"github.com/ceems-dev/perfmeter/pkg/perf"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/prometheus/procfs"
)

// counterInfo tells whether a counter can be measured on this host.
type counterInfo struct {
	Name      string `json:"name"            yaml:"name"`
	Domain    string `json:"domain"          yaml:"domain"`
	Selector  uint64 `json:"selector"        yaml:"selector"`
	Allowed   bool   `json:"allowed"         yaml:"allowed"`
	Supported bool   `json:"supported"       yaml:"supported"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// hostInfo is the output of the info command.
type hostInfo struct {
	Uname         runtime.Uname `json:"uname"          yaml:"uname"`
	Kernel        string        `json:"kernel"         yaml:"kernel"`
	FdLimits      runtime.Limit `json:"fd_limits"      yaml:"fd_limits"`
	Supported     bool          `json:"supported"      yaml:"supported"`
	ParanoiaLevel int           `json:"paranoia_level" yaml:"paranoia_level"`
	Paranoia      string        `json:"paranoia"       yaml:"paranoia"`
	CapSysAdmin   bool          `json:"cap_sys_admin"  yaml:"cap_sys_admin"`
	CapPerfmon    bool          `json:"cap_perfmon"    yaml:"cap_perfmon"`
	Counters      []counterInfo `json:"counters"       yaml:"counters"`
}

// Table implements harness.Tabler.
func (h *hostInfo) Table() table.Writer {
	t := harness.NewTable(fmt.Sprintf("Kernel %s, paranoia %d (%s)", h.Kernel, h.ParanoiaLevel, h.Paranoia))
	t.SetCaption(
		"perf supported: %t, cap_sys_admin: %t, cap_perfmon: %t, fd limits: %s",
		h.Supported, h.CapSysAdmin, h.CapPerfmon, h.FdLimits,
	)

	t.AppendHeader(table.Row{"Counter", "Domain", "Selector", "Allowed", "Supported", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{{Name: "Selector", Align: text.AlignRight}})

	for _, c := range h.Counters {
		t.AppendRow(table.Row{c.Name, c.Domain, c.Selector, c.Allowed, c.Supported, c.Error})
	}

	return t
}

// collectHostInfo probes the host and every counter of set.
func collectHostInfo(logger *slog.Logger, set config.CounterSet, procfsPath string, gateway perf.Gateway) (*hostInfo, error) {
	h := &hostInfo{}

	var err error

	if h.Uname, err = runtime.CurrentUname(); err != nil {
		return nil, err
	}

	if h.FdLimits, err = runtime.FdLimits(); err != nil {
		return nil, err
	}

	kernel, err := perf.CurrentKernelVersion()
	if err != nil {
		return nil, err
	}

	h.Kernel = kernel.String()

	if h.Supported = perf.Supported(procfsPath); !h.Supported {
		logger.Warn("perf events not supported on this host", "procfs", procfsPath)

		return h, nil
	}

	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, err
	}

	if h.ParanoiaLevel, err = perf.ReadParanoiaLevel(fs); err != nil {
		return nil, err
	}

	h.Paranoia = perf.ParanoiaFromLevel(h.ParanoiaLevel).String()

	if h.CapSysAdmin, err = perf.HasCapability(perf.CapSysAdmin); err != nil {
		return nil, err
	}

	if h.CapPerfmon, err = perf.HasCapability(perf.CapPerfmon); err != nil && !errors.Is(err, perf.ErrCapabilityNotSupported) {
		return nil, err
	}

	env, err := perf.NewHostEnvironment(procfsPath)
	if err != nil {
		return nil, err
	}

	evaluator := perf.NewEvaluator(env, logger)
	mgr := perf.NewManager(gateway, logger)

	for _, ec := range append([]config.EventConfig{set.Leader}, set.Events...) {
		h.Counters = append(h.Counters, probeCounter(mgr, evaluator, ec))
	}

	return h, nil
}

// probeCounter evaluates and probes a counter of the calling process.
func probeCounter(mgr *perf.Manager, evaluator *perf.Evaluator, ec config.EventConfig) counterInfo {
	info := counterInfo{Name: ec.Name}

	event, err := ec.Event()
	if err != nil {
		info.Error = perf.Describe(err)

		return info
	}

	info.Domain = event.Domain.String()
	info.Selector = event.Selector

	m := mgr.NewMeasurementFromEvent(event, perf.CallingProcess, perf.AnyCPU)
	defer m.Close() //nolint:errcheck

	if info.Allowed, err = evaluator.Evaluate(m); err != nil {
		info.Error = perf.Describe(err)

		return info
	}

	if info.Supported, err = m.IsSupported(); err != nil {
		info.Error = perf.Describe(err)
	}

	return info
}

// info runs the info command.
func (p *PerfMeter) info(logger *slog.Logger, cfg *config.Config, opts *options) error {
	h, err := collectHostInfo(logger, cfg.Counters, opts.procfsPath, p.gateway)
	if err != nil {
		logger.Error("Failed to collect host information", "err", err)

		return err
	}

	return harness.Render(p.out, h, opts.outputFormat)
}
