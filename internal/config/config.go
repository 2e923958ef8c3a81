// Package config loads runtime configuration from YAML with environment
// overrides.
//
// Environment variables use the CEP_ prefix and the section name, e.g.
// CEP_EXECUTION_PRIORITIZED=true or CEP_THREADING_ROUTE_WORKERS=4.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultMaxFilterFaults bounds filter-fault re-evaluation per event and
// statement.
const DefaultMaxFilterFaults = 10

// Config is the runtime configuration.
type Config struct {
	Execution Execution `yaml:"execution" envPrefix:"EXECUTION_"`
	Threading Threading `yaml:"threading" envPrefix:"THREADING_"`
	Time      Time      `yaml:"time" envPrefix:"TIME_"`
	Journal   Journal   `yaml:"journal" envPrefix:"JOURNAL_"`
	Log       Log       `yaml:"log" envPrefix:"LOG_"`
}

// Execution controls statement ordering and insert-into coordination.
type Execution struct {
	// Prioritized executes matching statements in priority order and
	// honors preemptive statements.
	Prioritized bool `yaml:"prioritized" env:"PRIORITIZED"`

	MaxFilterFaults int `yaml:"max_filter_faults" env:"MAX_FILTER_FAULTS"`

	// Latching orders insert-into output across concurrent passes.
	Latching     bool          `yaml:"latching" env:"LATCHING"`
	LatchMode    string        `yaml:"latch_mode" env:"LATCH_MODE"`
	LatchTimeout time.Duration `yaml:"latch_timeout" env:"LATCH_TIMEOUT"`
}

// Threading enables the worker pools. Zero workers keeps an offload point
// synchronous.
type Threading struct {
	InboundWorkers int `yaml:"inbound_workers" env:"INBOUND_WORKERS"`
	RouteWorkers   int `yaml:"route_workers" env:"ROUTE_WORKERS"`
	TimerWorkers   int `yaml:"timer_workers" env:"TIMER_WORKERS"`
	QueueCapacity  int `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
}

// Time selects between an externally driven clock and an internal ticker.
type Time struct {
	External   bool          `yaml:"external" env:"EXTERNAL"`
	Resolution time.Duration `yaml:"resolution" env:"RESOLUTION"`
	Start      int64         `yaml:"start" env:"START"`
}

// Journal configures the sqlite incident journal. An empty path disables it.
type Journal struct {
	Path string `yaml:"path" env:"PATH"`
}

// Log configures the default logger.
type Log struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Execution: Execution{
			MaxFilterFaults: DefaultMaxFilterFaults,
			LatchMode:       "spin",
			LatchTimeout:    100 * time.Millisecond,
		},
		Threading: Threading{QueueCapacity: 1024},
		Time: Time{
			External:   true,
			Resolution: 100 * time.Millisecond,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CEP_"}); err != nil {
		return Config{}, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Execution.MaxFilterFaults <= 0 {
		errs = append(errs, errors.New("execution.max_filter_faults must be positive"))
	}
	switch strings.ToLower(c.Execution.LatchMode) {
	case "spin", "block":
	default:
		errs = append(errs, fmt.Errorf("execution.latch_mode must be spin or block, got %q", c.Execution.LatchMode))
	}
	if c.Execution.Latching && c.Execution.LatchTimeout <= 0 {
		errs = append(errs, errors.New("execution.latch_timeout must be positive when latching"))
	}
	if c.Threading.InboundWorkers < 0 || c.Threading.RouteWorkers < 0 || c.Threading.TimerWorkers < 0 {
		errs = append(errs, errors.New("threading worker counts must not be negative"))
	}
	if !c.Time.External && c.Time.Resolution <= 0 {
		errs = append(errs, errors.New("time.resolution must be positive for the internal clock"))
	}
	return errors.Join(errs...)
}
