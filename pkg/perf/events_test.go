package perf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupEvent(t *testing.T) {
	e, ok := LookupEvent("ref-cpu-cycles")
	require.True(t, ok)
	assert.Equal(t, DomainHardware, e.Domain)
	assert.Equal(t, SelectorRefCPUCycles, e.Selector)

	e, ok = LookupEvent("dummy")
	require.True(t, ok)
	assert.Equal(t, DomainSoftware, e.Domain)

	_, ok = LookupEvent("cycles-of-doom")
	assert.False(t, ok)
}

func TestEventNames(t *testing.T) {
	names := EventNames()
	assert.IsNonDecreasing(t, names)
	assert.Contains(t, names, "instructions")
	assert.Contains(t, names, "context-switches")
	assert.Len(t, names, len(events))
}

func TestNewMeasurementFromEvent(t *testing.T) {
	e, ok := LookupEvent("instructions")
	require.True(t, ok)

	e.ExcludeKernel = true

	m := newTestManager(newFakeGateway()).NewMeasurementFromEvent(e, CallingProcess, AnyCPU)
	assert.Equal(t, DomainHardware, m.Domain)
	assert.Equal(t, SelectorInstructions, m.Selector)
	assert.True(t, m.ExcludeKernel)
	assert.False(t, m.ExcludeHypervisor)
}

func TestTracepointEventBadName(t *testing.T) {
	for _, name := range []string{"sched", "sched:", ":sched_switch", ""} {
		_, err := TracepointEvent(name)
		require.ErrorIs(t, err, ErrBadParameters, name)
	}
}
