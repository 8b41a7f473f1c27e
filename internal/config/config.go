// Package config holds the settings of the vmsched commands and loads them
// from YAML.
package config

import (
	"math"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/me/vmsched/internal/logging"
	"github.com/me/vmsched/internal/scenario"
	"github.com/me/vmsched/internal/scheduler"
	"github.com/me/vmsched/internal/txverify"
)

// Config is the root of a vmsched configuration file.
type Config struct {
	Verifier  VerifierConfig  `yaml:"verifier"`
	Generator GeneratorConfig `yaml:"generator"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Server    ServerConfig    `yaml:"server"`
	Runner    RunnerConfig    `yaml:"runner"`
}

// VerifierConfig controls the verification loop.
type VerifierConfig struct {
	MaxCycles        uint64 `yaml:"max_cycles"`
	CyclesPerIterate uint64 `yaml:"cycles_per_iterate"`
	CyclesPerSuspend uint64 `yaml:"cycles_per_suspend"` // 0 disables suspension
	FailFast         bool   `yaml:"fail_fast"`
	Checkpoint       bool   `yaml:"checkpoint"` // persist suspend states to the store
}

// GeneratorConfig selects the scenario to generate.
type GeneratorConfig struct {
	Seed                uint64 `yaml:"seed"`
	Spawns              uint32 `yaml:"spawns"`
	Writes              uint32 `yaml:"writes"`
	ConvergingThreshold uint32 `yaml:"converging_threshold"`
}

// SchedulerConfig limits a single scheduler.
type SchedulerConfig struct {
	MaxInstances int `yaml:"max_instances"`
	MaxPipes     int `yaml:"max_pipes"`
}

// ServerConfig holds configuration for the verification server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (":memory:" for testing)
}

// RunnerConfig controls the background verification runner.
type RunnerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultVerifierConfig returns sensible defaults.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		MaxCycles:        math.MaxUint64,
		CyclesPerIterate: 5_000_000,
		CyclesPerSuspend: 20_000_000,
		FailFast:         true,
	}
}

// DefaultGeneratorConfig returns sensible defaults.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{Spawns: 5, Writes: 5, ConvergingThreshold: 2}
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	d := scheduler.DefaultConfig()
	return SchedulerConfig{MaxInstances: d.MaxInstances, MaxPipes: d.MaxPipes}
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		DBPath:    "vmsched.db",
	}
}

// DefaultRunnerConfig returns sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{PollInterval: 2 * time.Second}
}

// Default returns a configuration with every section at its defaults.
func Default() Config {
	return Config{
		Verifier:  DefaultVerifierConfig(),
		Generator: DefaultGeneratorConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Server:    DefaultServerConfig(),
		Runner:    DefaultRunnerConfig(),
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file
// keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	if c.Verifier.CyclesPerIterate == 0 {
		return errors.New("verifier.cycles_per_iterate must be positive")
	}
	if c.Scheduler.MaxInstances < 1 {
		return errors.New("scheduler.max_instances must be at least 1")
	}
	if c.Scheduler.MaxPipes < 0 {
		return errors.New("scheduler.max_pipes must not be negative")
	}
	if c.Runner.PollInterval <= 0 {
		return errors.New("runner.poll_interval must be positive")
	}
	if _, err := logging.ParseLevel(c.Server.LogLevel); err != nil {
		return errors.Wrap(err, "server.log_level")
	}
	if !logging.ValidFormat(c.Server.LogFormat) {
		return errors.Newf("server.log_format: unknown format %q", c.Server.LogFormat)
	}
	return nil
}

// SchedulerLimits converts the scheduler section.
func (c Config) SchedulerLimits() scheduler.Config {
	return scheduler.Config{MaxInstances: c.Scheduler.MaxInstances, MaxPipes: c.Scheduler.MaxPipes}
}

// TxVerify converts the verifier and scheduler sections into verifier
// settings.
func (c Config) TxVerify() txverify.Config {
	return txverify.Config{
		MaxCycles:        c.Verifier.MaxCycles,
		CyclesPerIterate: c.Verifier.CyclesPerIterate,
		CyclesPerSuspend: c.Verifier.CyclesPerSuspend,
		FailFast:         c.Verifier.FailFast,
		Scheduler:        c.SchedulerLimits(),
	}
}

// ScenarioParams converts the generator section.
func (c Config) ScenarioParams() scenario.Params {
	g := c.Generator
	return scenario.Params{
		Seed:                g.Seed,
		Spawns:              g.Spawns,
		Writes:              g.Writes,
		ConvergingThreshold: g.ConvergingThreshold,
	}
}
