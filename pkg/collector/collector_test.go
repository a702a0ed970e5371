package collector

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ceems-dev/perfmeter/pkg/config"
	"github.com/ceems-dev/perfmeter/pkg/perf"
	"github.com/ceems-dev/perfmeter/pkg/perf/perftest"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noOpLogger = slog.New(slog.DiscardHandler)

// writeProcStat writes a stat file of pid under the procfs root.
func writeProcStat(t *testing.T, root string, pid int, starttime uint64) {
	t.Helper()

	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o750))

	stat := fmt.Sprintf(
		"%d (vim) R 5392 7446 5392 34835 7446 4218880 32533 309516 26 82 1677 44 158 99 20 0 1 0 %d "+
			"56274944 1981 18446744073709551615 4194304 6294284 140736914091744 140736914087944 "+
			"139965136429984 0 0 12288 1870679807 0 0 0 17 0 0 0 31 0 0 8391624 8481048 16420864 "+
			"140736914093252 140736914093279 140736914093279 140736914096107 0\n",
		pid, starttime,
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o600))
}

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	t.Helper()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	mfs, err := reg.Gather()
	require.NoError(t, err)

	families := make(map[string]*dto.MetricFamily)
	for _, mf := range mfs {
		families[mf.GetName()] = mf
	}

	return families
}

func labels(m *dto.Metric) map[string]string {
	l := make(map[string]string)
	for _, pair := range m.GetLabel() {
		l[pair.GetName()] = pair.GetValue()
	}

	return l
}

func newTestCollector(t *testing.T, gw perf.Gateway, env perf.Environment, procfsPath string, pids ...int) *PerfCollector {
	t.Helper()

	cfg := config.Default()
	cfg.Collector.PIDs = pids
	cfg.Collector.RefreshInterval = 0

	c, err := NewPerfCollector(&PerfCollectorConfig{
		Logger:      noOpLogger,
		Counters:    cfg.Counters,
		Collector:   cfg.Collector,
		ProcfsPath:  procfsPath,
		Gateway:     gw,
		Environment: env,
	})
	require.NoError(t, err)

	return c
}

func TestPerfCollector(t *testing.T) {
	procfsPath := t.TempDir()
	writeProcStat(t, procfsPath, 1234, 82375)

	gw := perftest.NewGateway()
	gw.Missing[perf.SelectorRefCPUCycles] = true

	c := newTestCollector(t, gw, perftest.Env{Restrictions: perf.ParanoiaFromLevel(-1)}, procfsPath, 1234, 5678)

	families := gather(t, c)

	members := families["perfmeter_group_members"]
	require.NotNil(t, members)
	require.Len(t, members.GetMetric(), 1)
	assert.Equal(t, map[string]string{"pid": "1234"}, labels(members.GetMetric()[0]))
	assert.InDelta(t, 5, members.GetMetric()[0].GetGauge().GetValue(), 0)

	counters := families["perfmeter_counter_total"]
	require.NotNil(t, counters)
	require.Len(t, counters.GetMetric(), 4)

	values := make(map[string]float64)
	uuids := make(map[string]bool)

	for _, m := range counters.GetMetric() {
		l := labels(m)
		assert.Equal(t, "1234", l["pid"])
		values[l["event"]] = m.GetCounter().GetValue()
		uuids[l["uuid"]] = true
	}

	assert.Equal(t, map[string]float64{
		"instructions":     float64(perf.SelectorInstructions + 1),
		"context-switches": float64(perf.SelectorContextSwitches + 1),
		"task-clock":       float64(perf.SelectorTaskClock + 1),
		"branch-misses":    float64(perf.SelectorBranchMisses + 1),
	}, values)
	assert.Len(t, uuids, 1)

	// Every descriptor measures the target process
	for fd, pid := range gw.PIDs {
		assert.Equal(t, 1234, pid, "fd %d", fd)
	}

	require.NoError(t, c.Close())
}

func TestPerfCollectorTargetExit(t *testing.T) {
	procfsPath := t.TempDir()
	writeProcStat(t, procfsPath, 1234, 100)

	gw := perftest.NewGateway()
	c := newTestCollector(t, gw, perftest.Env{Restrictions: perf.ParanoiaFromLevel(-1)}, procfsPath, 1234)

	first := gather(t, c)["perfmeter_counter_total"]
	require.NotNil(t, first)

	// Process exits
	require.NoError(t, os.RemoveAll(filepath.Join(procfsPath, "1234")))

	closedBefore := gw.Closed
	families := gather(t, c)
	assert.NotContains(t, families, "perfmeter_counter_total")
	assert.Equal(t, 6, gw.Closed-closedBefore)
	assert.Empty(t, c.targets)

	// PID is reused by another process
	writeProcStat(t, procfsPath, 1234, 200)

	second := gather(t, c)["perfmeter_counter_total"]
	require.NotNil(t, second)
	assert.NotEqual(t,
		labels(first.GetMetric()[0])["uuid"],
		labels(second.GetMetric()[0])["uuid"],
	)

	require.NoError(t, c.Close())
}

func TestPerfCollectorRefreshInterval(t *testing.T) {
	procfsPath := t.TempDir()
	writeProcStat(t, procfsPath, 1234, 100)

	gw := perftest.NewGateway()
	c := newTestCollector(t, gw, perftest.Env{Restrictions: perf.ParanoiaFromLevel(-1)}, procfsPath, 1234)
	c.refreshInterval = time.Hour

	require.NotNil(t, gather(t, c)["perfmeter_counter_total"])

	// Exit goes unnoticed until the next refresh
	require.NoError(t, os.RemoveAll(filepath.Join(procfsPath, "1234")))
	require.NotNil(t, gather(t, c)["perfmeter_counter_total"])
	assert.Len(t, c.targets, 1)

	c.lastRefresh = time.Time{}
	assert.NotContains(t, gather(t, c), "perfmeter_counter_total")
	assert.Empty(t, c.targets)
}

func TestPerfCollectorPermissionDenied(t *testing.T) {
	procfsPath := t.TempDir()
	writeProcStat(t, procfsPath, 1234, 100)

	gw := perftest.NewGateway()
	c := newTestCollector(t, gw, perftest.Env{Restrictions: perf.ParanoiaFromLevel(1)}, procfsPath, 1234)

	families := gather(t, c)
	assert.NotContains(t, families, "perfmeter_counter_total")
	assert.NotContains(t, families, "perfmeter_group_members")
	assert.Empty(t, c.targets)
}

func TestPerfCollectorDefaultsToSelf(t *testing.T) {
	c := newTestCollector(t, perftest.NewGateway(), perftest.Env{}, t.TempDir())

	assert.Equal(t, []int{os.Getpid()}, c.pids)
}
