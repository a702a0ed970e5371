// Package cli implements the perfmeter command line application.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/alecthomas/kingpin/v2"
	"github.com/ceems-dev/perfmeter/internal/security"
	"github.com/ceems-dev/perfmeter/internal/workload"
	"github.com/ceems-dev/perfmeter/pkg/config"
	"github.com/ceems-dev/perfmeter/pkg/harness"
	"github.com/ceems-dev/perfmeter/pkg/perf"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"
)

// AppName is kingpin app name.
const AppName = "perfmeter"

// PerfMeter represents the `perfmeter` cli.
type PerfMeter struct {
	appName string
	App     *kingpin.Application
	out     io.Writer
	// gateway defaults to the kernel when nil
	gateway perf.Gateway
}

// options holds the parsed flags of all commands.
type options struct {
	procfsPath   string
	configFile   string
	outputFormat string

	// bench
	workloads  []string
	iterations int

	// serve
	pids                   []int
	cpu                    int
	cpuSet                 bool
	webListenAddresses     []string
	webConfigFile          string
	metricsPath            string
	maxRequests            int
	disableExporterMetrics bool
	enableDebugServer      bool
	systemdSocket          bool
	runAsUser              string
	dropPrivs              bool
	disableCapAwareness    bool
	maxProcs               int
}

// New returns a new PerfMeter instance.
func New() (*PerfMeter, error) {
	return &PerfMeter{
		appName: AppName,
		App: kingpin.New(
			AppName,
			"Measure hardware and software performance counters of workloads and processes with perf_event_open.",
		),
		out: os.Stdout,
	}, nil
}

// Main is the entry point of the `perfmeter` command.
func (p *PerfMeter) Main() error {
	var opts options

	defaultRunAsUser, err := security.DefaultRunAsUser()
	if err != nil {
		return err
	}

	p.App.Flag(
		"path.procfs",
		"procfs mountpoint.",
	).Default("/proc").StringVar(&opts.procfsPath)
	p.App.Flag(
		"config.file",
		"Path to perfmeter configuration file. Defaults are used when not set.",
	).Envar("PERFMETER_CONFIG_FILE").Default("").StringVar(&opts.configFile)

	infoCmd := p.App.Command("info", "Show perf support, paranoia level and privileges of the configured counters on this host.")
	infoCmd.Flag(
		"output.format",
		"Output format.",
	).Short('o').Default("table").EnumVar(&opts.outputFormat, harness.Formats...)

	benchCmd := p.App.Command("bench", "Measure the configured counters around workloads.")
	benchCmd.Flag(
		"workload",
		"Workload to run. Repeat to run several. Overrides the config file.",
	).EnumsVar(&opts.workloads, workload.Names()...)
	benchCmd.Flag(
		"iterations",
		"Number of measured runs of every workload. Overrides the config file when positive.",
	).Default("0").IntVar(&opts.iterations)
	benchCmd.Flag(
		"output.format",
		"Output format.",
	).Short('o').Default("table").EnumVar(&opts.outputFormat, harness.Formats...)

	serveCmd := p.App.Command("serve", "Export the configured counters of processes as Prometheus metrics.")
	serveCmd.Flag(
		"collector.pid",
		"PID of the process to measure. Repeat to measure several. Overrides the config file.",
	).IntsVar(&opts.pids)
	serveCmd.Flag(
		"collector.cpu",
		"CPU to measure the processes on. -1 measures on any CPU. Overrides the config file.",
	).IsSetByUser(&opts.cpuSet).Default("-1").IntVar(&opts.cpu)
	serveCmd.Flag(
		"web.listen-address",
		"Addresses on which to expose metrics and web interface.",
	).Default(":9020").StringsVar(&opts.webListenAddresses)
	serveCmd.Flag(
		"web.config.file",
		"Path to configuration file that can enable TLS or authentication. See: https://github.com/prometheus/exporter-toolkit/blob/master/docs/web-configuration.md",
	).Envar("PERFMETER_WEB_CONFIG_FILE").Default("").StringVar(&opts.webConfigFile)
	serveCmd.Flag(
		"web.telemetry-path",
		"Path under which to expose metrics.",
	).Default("/metrics").StringVar(&opts.metricsPath)
	serveCmd.Flag(
		"web.disable-exporter-metrics",
		"Exclude metrics about the exporter itself (promhttp_*, process_*, go_*).",
	).BoolVar(&opts.disableExporterMetrics)
	serveCmd.Flag(
		"web.max-requests",
		"Maximum number of parallel scrape requests. Use 0 to disable.",
	).Default("40").IntVar(&opts.maxRequests)
	serveCmd.Flag(
		"web.debug-server",
		"Enable /debug/pprof profiling endpoints. (default: disabled).",
	).Default("false").BoolVar(&opts.enableDebugServer)

	// Socket activation only available on Linux
	if runtime.GOOS == "linux" {
		serveCmd.Flag(
			"web.systemd-socket",
			"Use systemd socket activation listeners instead of port listeners (Linux only).",
		).Default("false").BoolVar(&opts.systemdSocket)
	}

	serveCmd.Flag(
		"security.run-as-user",
		"perfmeter will be run under this user. Accepts either a username or uid. If current user is unprivileged, same user "+
			"will be used. When started as root, by default user will be changed to nobody. To be able to change the user necessary "+
			"capabilities (CAP_SETUID, CAP_SETGID) must exist on the process.",
	).Default(defaultRunAsUser).StringVar(&opts.runAsUser)
	serveCmd.Flag(
		"security.drop-privileges",
		"Drop privileges and run as nobody when started as root.",
	).Default("true").Hidden().BoolVar(&opts.dropPrivs)
	serveCmd.Flag(
		"security.disable-cap-awareness",
		"Disable capability awareness and keep capabilities effective all the time (default: false).",
	).Default("false").Hidden().BoolVar(&opts.disableCapAwareness)
	serveCmd.Flag(
		"runtime.gomaxprocs", "The target number of CPUs Go will run on (GOMAXPROCS)",
	).Envar("GOMAXPROCS").Default("1").IntVar(&opts.maxProcs)

	promslogConfig := &promslog.Config{}
	flag.AddFlags(p.App, promslogConfig)
	p.App.Version(version.Print(p.appName))
	p.App.UsageWriter(os.Stdout)
	p.App.HelpFlag.Short('h')

	cmd, err := p.App.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to parse CLI flags: %w", err)
	}

	// Set logger here after properly configuring promlog
	logger := promslog.New(promslogConfig)

	if opts.configFile != "" {
		if opts.configFile, err = filepath.Abs(opts.configFile); err != nil {
			return fmt.Errorf("failed to get absolute path of the config file: %w", err)
		}
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		logger.Error("Failed to load config file", "file", opts.configFile, "err", err)

		return err
	}

	switch cmd {
	case infoCmd.FullCommand():
		return p.info(logger, cfg, &opts)
	case benchCmd.FullCommand():
		return p.bench(logger, cfg, &opts)
	case serveCmd.FullCommand():
		return p.serve(logger, cfg, &opts)
	}

	return fmt.Errorf("unknown command %s", cmd)
}
