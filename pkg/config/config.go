// Package config implements the YAML configuration of perfmeter.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ceems-dev/perfmeter/internal/common"
	"github.com/ceems-dev/perfmeter/internal/workload"
	"github.com/ceems-dev/perfmeter/pkg/perf"
	"github.com/prometheus/common/model"
)

// Config errors.
var (
	ErrInvalidEvent    = errors.New("invalid event")
	ErrDuplicateEvent  = errors.New("duplicate event")
	ErrInvalidWorkload = errors.New("invalid workload")
)

// Default counter set, the one measured around the pi computations.
var (
	defaultEvents = []EventConfig{
		{Name: "instructions", ExcludeKernel: true},
		{Name: "ref-cpu-cycles", ExcludeKernel: true},
		{Name: "context-switches"},
		{Name: "task-clock"},
		{Name: "branch-misses"},
	}

	defaultBenchConfig = BenchConfig{
		Workloads:  workload.Names(),
		Iterations: 1,
	}

	defaultCollectorConfig = CollectorConfig{
		CPU:             perf.AnyCPU,
		RefreshInterval: model.Duration(30 * time.Second),
	}
)

// EventConfig names a counter. Catalogue events are referred to by name,
// tracepoints as "subsystem:event" and anything else by an explicit
// domain and config pair.
type EventConfig struct {
	Name              string `yaml:"name"`
	Domain            string `yaml:"domain"`
	Config            uint64 `yaml:"config"`
	ExcludeKernel     bool   `yaml:"exclude_kernel"`
	ExcludeHypervisor bool   `yaml:"exclude_hypervisor"`
}

// Validate validates the config without touching tracefs.
func (c *EventConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: event name missing", ErrInvalidEvent)
	}

	if c.Domain != "" {
		if _, err := perf.ParseDomain(c.Domain); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidEvent, c.Name, err)
		}

		return nil
	}

	if strings.Contains(c.Name, ":") {
		return nil
	}

	if _, ok := perf.LookupEvent(c.Name); !ok {
		return fmt.Errorf(
			"%w: unknown event %s. expected one of %s",
			ErrInvalidEvent, c.Name, strings.Join(perf.EventNames(), ","),
		)
	}

	return nil
}

// Event resolves the config into a counter.
func (c *EventConfig) Event() (perf.Event, error) {
	var event perf.Event

	switch {
	case c.Domain != "":
		domain, err := perf.ParseDomain(c.Domain)
		if err != nil {
			return perf.Event{}, err
		}

		event = perf.Event{Name: c.Name, Domain: domain, Selector: c.Config}
	case strings.Contains(c.Name, ":"):
		var err error
		if event, err = perf.TracepointEvent(c.Name); err != nil {
			return perf.Event{}, err
		}
	default:
		var ok bool
		if event, ok = perf.LookupEvent(c.Name); !ok {
			return perf.Event{}, fmt.Errorf("%w: unknown event %s", ErrInvalidEvent, c.Name)
		}
	}

	event.ExcludeKernel = c.ExcludeKernel
	event.ExcludeHypervisor = c.ExcludeHypervisor

	return event, nil
}

// CounterSet is the set of counters measured together.
type CounterSet struct {
	Leader EventConfig   `yaml:"leader"`
	Events []EventConfig `yaml:"events"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *CounterSet) UnmarshalYAML(unmarshal func(any) error) error {
	// Set a default config
	*c = defaultCounterSet()

	type plain CounterSet

	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	return c.Validate()
}

// Validate validates the config.
func (c *CounterSet) Validate() error {
	if err := c.Leader.Validate(); err != nil {
		return fmt.Errorf("leader: %w", err)
	}

	seen := map[string]bool{c.Leader.Name: true}

	for i := range c.Events {
		if err := c.Events[i].Validate(); err != nil {
			return err
		}

		if seen[c.Events[i].Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, c.Events[i].Name)
		}

		seen[c.Events[i].Name] = true
	}

	return nil
}

func defaultCounterSet() CounterSet {
	return CounterSet{
		Leader: EventConfig{Name: "dummy"},
		Events: append([]EventConfig(nil), defaultEvents...),
	}
}

// BenchConfig configures the workload runs.
type BenchConfig struct {
	Workloads  []string `yaml:"workloads"`
	Iterations int      `yaml:"iterations"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *BenchConfig) UnmarshalYAML(unmarshal func(any) error) error {
	*c = defaultBenchConfig

	type plain BenchConfig

	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	return c.Validate()
}

// Validate validates the config.
func (c *BenchConfig) Validate() error {
	if c.Iterations < 1 {
		return fmt.Errorf("%w: iterations must be positive, got %d", ErrInvalidWorkload, c.Iterations)
	}

	for _, name := range c.Workloads {
		if _, err := workload.Get(name); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidWorkload, err)
		}
	}

	return nil
}

// CollectorConfig configures the exporter.
type CollectorConfig struct {
	// PIDs are the processes to measure. Empty means the exporter itself.
	PIDs            []int          `yaml:"pids"`
	CPU             int            `yaml:"cpu"`
	RefreshInterval model.Duration `yaml:"refresh_interval"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *CollectorConfig) UnmarshalYAML(unmarshal func(any) error) error {
	*c = defaultCollectorConfig

	type plain CollectorConfig

	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	return c.Validate()
}

// Validate validates the config.
func (c *CollectorConfig) Validate() error {
	for _, pid := range c.PIDs {
		if pid <= 0 {
			return fmt.Errorf("invalid pid %d", pid)
		}
	}

	if c.CPU < perf.AnyCPU {
		return fmt.Errorf("invalid cpu %d", c.CPU)
	}

	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", c.RefreshInterval)
	}

	return nil
}

// Config is the perfmeter configuration file.
type Config struct {
	Counters  CounterSet      `yaml:"counters"`
	Bench     BenchConfig     `yaml:"bench"`
	Collector CollectorConfig `yaml:"collector"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(any) error) error {
	*c = Default()

	type plain Config

	return unmarshal((*plain)(c))
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Counters:  defaultCounterSet(),
		Bench:     BenchConfig{Workloads: workload.Names(), Iterations: defaultBenchConfig.Iterations},
		Collector: defaultCollectorConfig,
	}
}

// Load reads the configuration at path. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	return common.MakeConfig[Config](path)
}
