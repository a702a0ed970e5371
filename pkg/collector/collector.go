// Package collector implements the Prometheus exporter of perf counters
// of a set of processes.
package collector

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ceems-dev/perfmeter/internal/common"
	"github.com/ceems-dev/perfmeter/internal/security"
	"github.com/ceems-dev/perfmeter/pkg/config"
	"github.com/ceems-dev/perfmeter/pkg/harness"
	"github.com/ceems-dev/perfmeter/pkg/perf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// Namespace defines the common namespace to be used by all metrics.
const Namespace = "perfmeter"

const openGroupsCtx = "perf_open_groups"

// PerfCollectorConfig configures the perf collector.
type PerfCollectorConfig struct {
	Logger     *slog.Logger
	Counters   config.CounterSet
	Collector  config.CollectorConfig
	ProcfsPath string
	// Caps are raised while opening groups. Without any, groups are
	// opened with the privileges of the process.
	Caps []cap.Value
	// Gateway and Environment default to the host ones.
	Gateway     perf.Gateway
	Environment perf.Environment
}

// target is a process with an opened counter group.
type target struct {
	pid       int
	starttime uint64
	uuid      string
	group     *perf.Group
	members   int
}

// openRequest is the data passed into the security context.
type openRequest struct {
	pid   int
	group *perf.Group
	// unresolved counters are not part of the group
	unresolved []string
}

// PerfCollector exports counter groups of target processes. Scrapes open
// groups of new targets and close the ones of exited processes at most
// once per refresh interval and read all groups every time.
type PerfCollector struct {
	logger      *slog.Logger
	fs          procfs.FS
	hostname    string
	pids        []int
	cpu         int
	counters    config.CounterSet
	manager     *perf.Manager
	evaluator   *perf.Evaluator
	securityCtx *security.Context[*openRequest]

	mu              sync.Mutex
	targets         map[int]*target
	refreshInterval time.Duration
	lastRefresh     time.Time

	counterDesc *prometheus.Desc
	membersDesc *prometheus.Desc
}

// NewPerfCollector returns a new PerfCollector.
func NewPerfCollector(c *PerfCollectorConfig) (*PerfCollector, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	fs, err := procfs.NewFS(c.ProcfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}

	env := c.Environment
	if env == nil {
		if env, err = perf.NewHostEnvironment(c.ProcfsPath); err != nil {
			return nil, err
		}
	}

	gateway := c.Gateway
	if gateway == nil {
		gateway = perf.NewGateway()
	}

	hostname, err := os.Hostname()
	if err != nil {
		logger.Error("Failed to get hostname", "err", err)
	}

	pids := slices.Clone(c.Collector.PIDs)
	if len(pids) == 0 {
		pids = []int{os.Getpid()}
	}

	collector := &PerfCollector{
		logger:    logger,
		fs:        fs,
		hostname:  hostname,
		pids:      pids,
		cpu:       c.Collector.CPU,
		counters:  c.Counters,
		manager:   perf.NewManager(gateway, logger),
		evaluator: perf.NewEvaluator(env, logger),
		targets:   make(map[int]*target),

		refreshInterval: time.Duration(c.Collector.RefreshInterval),
		counterDesc: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "counter_total"),
			"Value of the perf counter of the process",
			[]string{"event", "pid", "uuid", "hostname"},
			nil,
		),
		membersDesc: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "group_members"),
			"Number of counters opened in the group of the process",
			[]string{"pid"},
			nil,
		),
	}

	// Privileges are evaluated inside the context as well since
	// capabilities are only effective there
	collector.securityCtx = security.NewContext(&security.ContextConfig[*openRequest]{
		Name:         openGroupsCtx,
		Caps:         c.Caps,
		Func:         collector.openGroup,
		Logger:       logger,
		ExecNatively: len(c.Caps) == 0,
	})

	return collector, nil
}

// Describe implements prometheus.Collector.
func (c *PerfCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.counterDesc
	ch <- c.membersDesc
}

// Collect implements prometheus.Collector.
func (c *PerfCollector) Collect(ch chan<- prometheus.Metric) {
	defer common.TimeTrack(time.Now(), "perf collector", c.logger)

	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastRefresh) >= c.refreshInterval {
		c.refresh()
		c.lastRefresh = time.Now()
	}

	for _, pid := range c.pids {
		t, ok := c.targets[pid]
		if !ok {
			continue
		}

		values, err := t.group.Read()
		if err != nil {
			c.logger.Error("Failed to read counter group", "pid", pid, "err", err)

			continue
		}

		pidLabel := strconv.Itoa(pid)

		ch <- prometheus.MustNewConstMetric(c.membersDesc, prometheus.GaugeValue, float64(t.members), pidLabel)

		skipped := t.group.Skipped()
		names := t.group.Names()

		// Leader counts nothing
		for i := 1; i < len(names); i++ {
			if slices.Contains(skipped, names[i]) {
				continue
			}

			ch <- prometheus.MustNewConstMetric(
				c.counterDesc, prometheus.CounterValue, float64(values[i]),
				names[i], pidLabel, t.uuid, c.hostname,
			)
		}
	}
}

// refresh closes groups of processes that exited or were replaced and
// opens groups of new processes.
func (c *PerfCollector) refresh() {
	for _, pid := range c.pids {
		stat, err := c.procStat(pid)

		t, ok := c.targets[pid]
		if ok && (err != nil || stat.Starttime != t.starttime) {
			c.logger.Debug("Target process is gone, closing group", "pid", pid)

			c.closeTarget(t)
			ok = false
		}

		if ok || err != nil {
			continue
		}

		if t, err = c.openTarget(pid, stat); err != nil {
			c.logger.Error("Failed to open counter group", "pid", pid, "err", err)

			continue
		}

		c.targets[pid] = t
	}
}

func (c *PerfCollector) procStat(pid int) (procfs.ProcStat, error) {
	proc, err := c.fs.Proc(pid)
	if err != nil {
		return procfs.ProcStat{}, err
	}

	return proc.Stat()
}

// openTarget opens and starts the group of pid.
func (c *PerfCollector) openTarget(pid int, stat procfs.ProcStat) (*target, error) {
	uuid, err := common.GetUUIDFromString(
		[]string{c.hostname, strconv.Itoa(pid), strconv.FormatUint(stat.Starttime, 10)},
	)
	if err != nil {
		return nil, err
	}

	req := &openRequest{pid: pid}
	if err := c.securityCtx.Exec(req); err != nil {
		return nil, err
	}

	if err := req.group.Start(); err != nil {
		req.group.Close() //nolint:errcheck

		return nil, err
	}

	members := len(req.group.Names()) - len(req.group.Skipped())

	c.logger.Info(
		"Counter group opened", "pid", pid, "uuid", uuid, "members", members,
		"skipped", append(req.group.Skipped(), req.unresolved...),
	)

	return &target{
		pid:       pid,
		starttime: stat.Starttime,
		uuid:      uuid,
		group:     req.group,
		members:   members,
	}, nil
}

// openGroup is executed within the security context.
func (c *PerfCollector) openGroup(req *openRequest) error {
	group, unresolved, err := harness.OpenGroup(c.manager, c.evaluator, c.counters, req.pid, c.cpu, c.logger)
	if err != nil {
		return err
	}

	req.group = group
	req.unresolved = unresolved

	return nil
}

func (c *PerfCollector) closeTarget(t *target) {
	if err := t.group.Stop(); err != nil && !errors.Is(err, perf.ErrMeasurementClosed) {
		c.logger.Debug("Failed to stop counter group", "pid", t.pid, "err", err)
	}

	if err := t.group.Close(); err != nil {
		c.logger.Error("Failed to close counter group", "pid", t.pid, "err", err)
	}

	delete(c.targets, t.pid)
}

// Close closes all counter groups.
func (c *PerfCollector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs error

	for _, t := range c.targets {
		if err := t.group.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("pid %d: %w", t.pid, err))
		}

		delete(c.targets, t.pid)
	}

	return errs
}
