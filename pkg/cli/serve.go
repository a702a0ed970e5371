package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/ceems-dev/perfmeter/internal/runtime"
	"github.com/ceems-dev/perfmeter/internal/security"
	"github.com/ceems-dev/perfmeter/pkg/collector"
	"github.com/ceems-dev/perfmeter/pkg/config"
	"github.com/ceems-dev/perfmeter/pkg/perf"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// perfCaps returns the capabilities needed to open counters of other
// processes on the running kernel.
func perfCaps(logger *slog.Logger) []cap.Value {
	kernel, err := perf.CurrentKernelVersion()
	if err != nil {
		logger.Error("Failed to get kernel version", "err", err)

		return []cap.Value{cap.SYS_ADMIN}
	}

	if kernel.AtLeast(5, 8) {
		return []cap.Value{cap.PERFMON}
	}

	return []cap.Value{cap.SYS_ADMIN}
}

// dropsPrivileges returns true when serve changes to the run as user.
func dropsPrivileges(opts *options) bool {
	return opts.dropPrivs && syscall.Geteuid() == 0
}

// serve runs the serve command.
func (p *PerfMeter) serve(logger *slog.Logger, cfg *config.Config, opts *options) error {
	var err error

	if len(opts.pids) > 0 {
		cfg.Collector.PIDs = opts.pids
	}

	if opts.cpuSet {
		cfg.Collector.CPU = opts.cpu
	}

	if err := cfg.Collector.Validate(); err != nil {
		return err
	}

	// Get absolute path for web config file if provided
	var webConfigFilePath string
	if opts.webConfigFile != "" {
		webConfigFilePath, err = filepath.Abs(opts.webConfigFile)
		if err != nil {
			return fmt.Errorf("failed to get absolute path of the web config file: %w", err)
		}
	}

	uname, err := runtime.CurrentUname()
	if err != nil {
		return err
	}

	fdLimits, err := runtime.FdLimits()
	if err != nil {
		return err
	}

	logger.Info("Starting "+p.appName, "version", version.Info())
	logger.Info(
		"Operational information", "build_context", version.BuildContext(),
		"host_details", uname, "fd_limits", fdLimits,
	)

	goruntime.GOMAXPROCS(opts.maxProcs)
	logger.Debug("Go MAXPROCS", "procs", goruntime.GOMAXPROCS(0))

	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dropsPrivileges(opts) {
		logger.Info("perfmeter is running as root user. Privileges will be dropped and process will be run as unprivileged user")
	}

	// When started as root, keep only the capability needed to open
	// counters and change to the run as user
	securityManager, err := security.NewManager(&security.Config{
		RunAsUser: opts.runAsUser,
		Caps:      perfCaps(logger),
		ReadPaths: []string{webConfigFilePath, opts.configFile},
	}, logger)
	if err != nil {
		logger.Error("Failed to create a new security manager", "err", err)

		return err
	}

	if opts.dropPrivs {
		if err := securityManager.DropPrivileges(opts.disableCapAwareness); err != nil {
			logger.Error("Failed to drop privileges", "err", err)

			return err
		}
	}

	// Effective capabilities need no security context
	var collectorCaps []cap.Value
	if !opts.disableCapAwareness {
		collectorCaps = security.PermittedCaps(securityManager.Caps())
	}

	perfCollector, err := collector.NewPerfCollector(&collector.PerfCollectorConfig{
		Logger:     logger.With("collector", "perf"),
		Counters:   cfg.Counters,
		Collector:  cfg.Collector,
		ProcfsPath: opts.procfsPath,
		Caps:       collectorCaps,
		Gateway:    p.gateway,
	})
	if err != nil {
		logger.Error("Failed to create a new perf collector", "err", err)

		return err
	}

	server, err := collector.NewServer(&collector.Config{
		Logger:    logger,
		Collector: perfCollector,
		Web: collector.WebConfig{
			Addresses:              opts.webListenAddresses,
			WebSystemdSocket:       opts.systemdSocket,
			WebConfigFile:          webConfigFilePath,
			MetricsPath:            opts.metricsPath,
			MaxRequests:            opts.maxRequests,
			IncludeExporterMetrics: !opts.disableExporterMetrics,
			EnableDebugServer:      opts.enableDebugServer,
			LandingConfig: &web.LandingConfig{
				Name:        p.App.Name,
				Description: p.App.Help,
				Version:     version.Info(),
				HeaderColor: "#3cc9beff",
				Links: []web.LandingLinks{
					{
						Address: opts.metricsPath,
						Text:    "Metrics",
					},
				},
			},
		},
	})
	if err != nil {
		logger.Error("Failed to create a new perfmeter server", "err", err)

		perfCollector.Close() //nolint:errcheck

		return err
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below.
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Failed to start server", "err", err)
		}
	}()

	// Listen for the interrupt signal.
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	logger.Info("Shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "err", err)
	}

	// Restore file permissions by removing any ACLs added
	if err := securityManager.DeleteACLEntries(); err != nil {
		logger.Error("Failed to remove ACL entries", "err", err)
	}

	logger.Info("Server exiting")

	return nil
}
