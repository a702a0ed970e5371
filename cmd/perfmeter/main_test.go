package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var binary, _ = filepath.Abs("../../bin/perfmeter")

const address = "localhost:19020"

var membersRegex = regexp.MustCompile(`^perfmeter_group_members\{pid="(\d+)"\} (\d+)$`)

// scrape returns the body of the metrics endpoint.
func scrape(t *testing.T) []byte {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", address)) //nolint:noctx
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	return body
}

// groupMembers returns the opened members of every target found in
// the scrape.
func groupMembers(body []byte) map[int]int {
	members := make(map[int]int)

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		m := membersRegex.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}

		pid, _ := strconv.Atoi(m[1])
		n, _ := strconv.Atoi(m[2])
		members[pid] = n
	}

	return members
}

// perfDescriptors counts the perf event descriptors held by pid.
func perfDescriptors(t *testing.T, pid int) int {
	t.Helper()

	proc, err := procfs.NewProc(pid)
	require.NoError(t, err)

	targets, err := proc.FileDescriptorTargets()
	require.NoError(t, err)

	n := 0

	for _, target := range targets {
		if target == "anon_inode:[perf_event]" {
			n++
		}
	}

	return n
}

// Every group member of a target holds one descriptor, and repeated
// scrapes only read the opened groups.
func TestGroupDescriptors(t *testing.T) {
	if _, err := os.Stat(binary); err != nil {
		t.Skipf("perfmeter binary not available, try to run `make build` first: %s", err)
	}

	if _, err := procfs.NewDefaultFS(); err != nil {
		t.Skipf("proc filesystem is not available: %s", err)
	}

	// Measure the test process itself
	self := os.Getpid()

	perfmeter := exec.Command(
		binary, "serve",
		"--config.file", "testdata/perfmeter.yml",
		"--collector.pid", strconv.Itoa(self),
		"--web.listen-address", address,
		"--no-security.drop-privileges",
	)
	require.NoError(t, perfmeter.Start())

	defer perfmeter.Process.Kill() //nolint:errcheck

	var body []byte

	for i := range 10 {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", address)) //nolint:noctx
		if err == nil {
			body, _ = io.ReadAll(resp.Body)
			resp.Body.Close()

			break
		}

		time.Sleep(500 * time.Millisecond)

		if i == 9 {
			t.Fatalf("perfmeter did not start: %s", err)
		}
	}

	members, ok := groupMembers(body)[self]
	if !ok {
		t.Skip("host does not allow counting the test process")
	}

	// Leader and the three configured counters
	assert.Equal(t, 4, members)
	assert.Contains(t, string(body), `perfmeter_counter_total{event="task-clock",hostname=`)
	assert.Equal(t, members, perfDescriptors(t, perfmeter.Process.Pid))

	for range 5 {
		body = scrape(t)
	}

	assert.Equal(t, map[int]int{self: members}, groupMembers(body))
	assert.Equal(t, members, perfDescriptors(t, perfmeter.Process.Pid))
}
