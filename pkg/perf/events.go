package perf

import (
	"fmt"
	"slices"
	"strings"

	perfutils "github.com/ceems-dev/perf-utils"
	"golang.org/x/sys/unix"
)

// Hardware selectors.
const (
	SelectorCPUCycles          uint64 = unix.PERF_COUNT_HW_CPU_CYCLES
	SelectorInstructions       uint64 = unix.PERF_COUNT_HW_INSTRUCTIONS
	SelectorCacheReferences    uint64 = unix.PERF_COUNT_HW_CACHE_REFERENCES
	SelectorCacheMisses        uint64 = unix.PERF_COUNT_HW_CACHE_MISSES
	SelectorBranchInstructions uint64 = unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS
	SelectorBranchMisses       uint64 = unix.PERF_COUNT_HW_BRANCH_MISSES
	SelectorBusCycles          uint64 = unix.PERF_COUNT_HW_BUS_CYCLES
	SelectorRefCPUCycles       uint64 = unix.PERF_COUNT_HW_REF_CPU_CYCLES
)

// Software selectors.
const (
	SelectorCPUClock        uint64 = unix.PERF_COUNT_SW_CPU_CLOCK
	SelectorTaskClock       uint64 = unix.PERF_COUNT_SW_TASK_CLOCK
	SelectorPageFaults      uint64 = unix.PERF_COUNT_SW_PAGE_FAULTS
	SelectorContextSwitches uint64 = unix.PERF_COUNT_SW_CONTEXT_SWITCHES
	SelectorCPUMigrations   uint64 = unix.PERF_COUNT_SW_CPU_MIGRATIONS
	SelectorMinorFaults     uint64 = unix.PERF_COUNT_SW_PAGE_FAULTS_MIN
	SelectorMajorFaults     uint64 = unix.PERF_COUNT_SW_PAGE_FAULTS_MAJ
	SelectorDummy           uint64 = unix.PERF_COUNT_SW_DUMMY
)

// Event describes a named counter.
type Event struct {
	Name        string
	Domain      Domain
	Selector    uint64
	Description string

	ExcludeKernel     bool
	ExcludeHypervisor bool
}

var events = []Event{
	{Name: "cpu-cycles", Domain: DomainHardware, Selector: SelectorCPUCycles, Description: "Total CPU cycles, affected by frequency scaling"},
	{Name: "instructions", Domain: DomainHardware, Selector: SelectorInstructions, Description: "Retired instructions"},
	{Name: "cache-references", Domain: DomainHardware, Selector: SelectorCacheReferences, Description: "Cache accesses"},
	{Name: "cache-misses", Domain: DomainHardware, Selector: SelectorCacheMisses, Description: "Cache misses"},
	{Name: "branch-instructions", Domain: DomainHardware, Selector: SelectorBranchInstructions, Description: "Retired branch instructions"},
	{Name: "branch-misses", Domain: DomainHardware, Selector: SelectorBranchMisses, Description: "Mispredicted branch instructions"},
	{Name: "bus-cycles", Domain: DomainHardware, Selector: SelectorBusCycles, Description: "Bus cycles"},
	{Name: "ref-cpu-cycles", Domain: DomainHardware, Selector: SelectorRefCPUCycles, Description: "Total CPU cycles, not affected by frequency scaling"},
	{Name: "cpu-clock", Domain: DomainSoftware, Selector: SelectorCPUClock, Description: "High resolution per CPU timer in nanoseconds"},
	{Name: "task-clock", Domain: DomainSoftware, Selector: SelectorTaskClock, Description: "Clock count specific to the running task in nanoseconds"},
	{Name: "page-faults", Domain: DomainSoftware, Selector: SelectorPageFaults, Description: "Page faults"},
	{Name: "context-switches", Domain: DomainSoftware, Selector: SelectorContextSwitches, Description: "Context switches"},
	{Name: "cpu-migrations", Domain: DomainSoftware, Selector: SelectorCPUMigrations, Description: "Migrations of the process to a new CPU"},
	{Name: "minor-faults", Domain: DomainSoftware, Selector: SelectorMinorFaults, Description: "Page faults served without disk IO"},
	{Name: "major-faults", Domain: DomainSoftware, Selector: SelectorMajorFaults, Description: "Page faults that needed disk IO"},
	{Name: "dummy", Domain: DomainSoftware, Selector: SelectorDummy, Description: "Placeholder counting nothing, used as group leader"},
}

// LookupEvent returns the catalogue event with the given name.
func LookupEvent(name string) (Event, bool) {
	for _, e := range events {
		if e.Name == name {
			return e, true
		}
	}

	return Event{}, false
}

// EventNames returns the sorted names of all catalogue events.
func EventNames() []string {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Name)
	}

	slices.Sort(names)

	return names
}

// TracepointEvent returns the event of the tracepoint "subsystem:event"
// by looking up its identifier in tracefs.
func TracepointEvent(name string) (Event, error) {
	subsystem, event, ok := strings.Cut(name, ":")
	if !ok || subsystem == "" || event == "" {
		return Event{}, fmt.Errorf("%w: tracepoint %q must be of form subsystem:event", ErrBadParameters, name)
	}

	config, err := perfutils.GetTracepointConfig(subsystem, event)
	if err != nil {
		return Event{}, fmt.Errorf("%w: resolving tracepoint %s: %w", ErrNotSupported, name, err)
	}

	return Event{
		Name:        name,
		Domain:      DomainTracepoint,
		Selector:    config,
		Description: "Tracepoint " + name,
	}, nil
}
