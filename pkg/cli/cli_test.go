package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/ceems-dev/perfmeter/internal/common"
	"github.com/ceems-dev/perfmeter/pkg/harness"
	"github.com/ceems-dev/perfmeter/pkg/perf"
	"github.com/ceems-dev/perfmeter/pkg/perf/perftest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, args ...string) (*PerfMeter, *bytes.Buffer) {
	t.Helper()

	os.Args = append([]string{os.Args[0]}, args...)

	a, err := New()
	require.NoError(t, err)

	var buf bytes.Buffer

	a.out = &buf
	a.gateway = perftest.NewGateway()

	return a, &buf
}

func TestBench(t *testing.T) {
	a, out := newTestApp(
		t, "bench", "--path.procfs", "testdata/proc",
		"--workload", "loop", "--workload", "pi-float", "--iterations", "2", "-o", "json",
	)

	require.NoError(t, a.Main())

	var report harness.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))

	assert.Equal(t, "allow_all", report.Paranoia)
	assert.Equal(t, []string{"instructions", "ref-cpu-cycles", "context-switches", "task-clock", "branch-misses"}, report.Counters)
	require.Len(t, report.Samples, 4)

	assert.Equal(t, "loop", report.Samples[0].Workload)
	assert.Equal(t, "pi-float", report.Samples[3].Workload)
	assert.Equal(t, 1, report.Samples[3].Iteration)
	assert.Equal(t, harness.Counter{Name: "instructions", Value: perf.SelectorInstructions + 1}, report.Samples[0].Counters[0])
}

func TestBenchConfigFile(t *testing.T) {
	a, out := newTestApp(
		t, "bench", "--path.procfs", "testdata/proc",
		"--config.file", "testdata/perfmeter.yml", "-o", "csv",
	)

	require.NoError(t, a.Main())
	assert.Contains(t, out.String(), "pi-double,0,")
	assert.Contains(t, out.String(), "pi-double,2,")
	assert.NotContains(t, out.String(), "loop")
}

func TestBenchUnsupported(t *testing.T) {
	a, _ := newTestApp(t, "bench", "--path.procfs", t.TempDir())

	require.ErrorIs(t, a.Main(), harness.ErrPerfUnsupported)
}

func TestBenchBadConfig(t *testing.T) {
	a, _ := newTestApp(t, "bench", "--config.file", "testdata/does-not-exist.yml")

	require.Error(t, a.Main())
}

func TestInfo(t *testing.T) {
	a, out := newTestApp(t, "info", "--path.procfs", "testdata/proc", "-o", "json")

	require.NoError(t, a.Main())

	var info hostInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))

	assert.True(t, info.Supported)
	assert.Equal(t, -1, info.ParanoiaLevel)
	assert.Equal(t, "allow_all", info.Paranoia)
	assert.NotEmpty(t, info.Kernel)
	require.Len(t, info.Counters, 6)

	assert.Equal(t, "dummy", info.Counters[0].Name)

	for _, c := range info.Counters {
		assert.True(t, c.Allowed, c.Name)
		assert.True(t, c.Supported, c.Name)
		assert.Empty(t, c.Error, c.Name)
	}
}

func TestInfoTable(t *testing.T) {
	a, out := newTestApp(t, "info", "--path.procfs", "testdata/proc")

	require.NoError(t, a.Main())
	assert.Contains(t, out.String(), "perf supported: true")
	assert.Contains(t, out.String(), "COUNTER")
	assert.Contains(t, out.String(), "branch-misses")
}

func TestInfoUnsupported(t *testing.T) {
	a, out := newTestApp(t, "info", "--path.procfs", t.TempDir(), "-o", "yaml")

	require.NoError(t, a.Main())
	assert.Contains(t, out.String(), "supported: false")
}

func TestDropsPrivileges(t *testing.T) {
	assert.False(t, dropsPrivileges(&options{dropPrivs: false}))
	assert.Equal(t, os.Geteuid() == 0, dropsPrivileges(&options{dropPrivs: true}))
}

func queryExporter(address string) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", address)) //nolint:noctx
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if want, have := http.StatusOK, resp.StatusCode; want != have {
		return fmt.Errorf("want /metrics status code %d, have %d", want, have)
	}

	return nil
}

func TestServe(t *testing.T) {
	p, l, err := common.GetFreePort()
	require.NoError(t, err)
	l.Close()

	address := "localhost:" + strconv.Itoa(p)

	a, _ := newTestApp(
		t, "serve", "--path.procfs", "/proc", "--web.listen-address", address,
		"--web.max-requests=2", "--no-security.drop-privileges",
	)

	done := make(chan error, 1)

	go func() {
		done <- a.Main()
	}()

	for i := range 10 {
		if err := queryExporter(address); err == nil {
			break
		}

		time.Sleep(500 * time.Millisecond)

		if i == 9 {
			t.Errorf("Could not start perfmeter after %d attempts", i)
		}
	}

	// Send INT signal and wait for the server to clean up
	syscall.Kill(syscall.Getpid(), syscall.SIGINT)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Error("perfmeter did not stop")
	}
}
