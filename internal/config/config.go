// Package config provides configuration management for procharness.
//
// Values are layered: defaults, then the YAML file named by -config, then
// PROCHARNESS_* environment variables, then command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/randomizedcoder/go-procharness/internal/profile"
	"github.com/randomizedcoder/go-procharness/internal/watch"
)

// Config holds all configuration options for a harness run.
type Config struct {
	// Server
	Server  profile.Server  `yaml:"server"`
	Control profile.Control `yaml:"control"`

	// ServerArgs, when set from the command line, replaces the profile's
	// generated arguments.
	ServerArgs    []string `yaml:"server_args"`
	CaptureStdout bool     `yaml:"capture_stdout"`

	// Steps
	StartupOK      []string      `yaml:"startup_ok"`
	StartupFail    []string      `yaml:"startup_fail"`
	Waits          []string      `yaml:"waits"`
	Commands       []string      `yaml:"commands"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	Hold           time.Duration `yaml:"hold"` // 0 = tear down after the last step

	// Observability
	MetricsAddr       string `yaml:"metrics_addr"` // empty = no server
	MetricsDump       string `yaml:"metrics_dump"`
	PerProcessMetrics bool   `yaml:"per_process_metrics"`
	Verbose           bool   `yaml:"verbose"`
	LogFormat         string `yaml:"log_format"` // json, text
	LogLevel          string `yaml:"log_level"`
	TUIEnabled        bool   `yaml:"tui"`

	// Diagnostic modes
	PrintCmd      bool   `yaml:"-"`
	Check         bool   `yaml:"-"`
	SkipPreflight bool   `yaml:"skip_preflight"`
	ConfigFile    string `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:  profile.DefaultServer(),
		Control: profile.DefaultControl(),

		StartupOK:      []string{profile.MsgStartupComplete},
		StartupFail:    []string{profile.MsgStartupError},
		WaitTimeout:    10 * time.Second,
		CommandTimeout: 30 * time.Second,
		StopGrace:      5 * time.Second,

		LogFormat: "json",
		LogLevel:  "info",
	}
}

// ServerCommand returns the executable and arguments to start.
func (c *Config) ServerCommand() (string, []string) {
	if c.ServerArgs != nil {
		return c.Server.BinaryPath, c.ServerArgs
	}
	return c.Server.BinaryPath, c.Server.BuildArgs()
}

// Startup returns the parsed startup patterns.
func (c *Config) Startup() (ok, fail []watch.Matcher, err error) {
	if ok, err = watch.ParsePatterns(c.StartupOK...); err != nil {
		return nil, nil, err
	}
	if fail, err = watch.ParsePatterns(c.StartupFail...); err != nil {
		return nil, nil, err
	}
	return ok, fail, nil
}

// seenPrefix marks a -wait step that also matches lines logged before it.
const seenPrefix = "seen:"

// WaitStep is one parsed -wait. A FromStart step scans the whole buffer;
// otherwise only lines after the previous match are scanned.
type WaitStep struct {
	Pattern   watch.Matcher
	FromStart bool
}

func (w WaitStep) String() string {
	if w.FromStart {
		return seenPrefix + w.Pattern.String()
	}
	return w.Pattern.String()
}

// ParseWaitStep parses "[seen:]<pattern>", where pattern follows
// watch.ParsePattern.
func ParseWaitStep(s string) (WaitStep, error) {
	rest, fromStart := strings.CutPrefix(s, seenPrefix)
	if rest == "" {
		return WaitStep{}, fmt.Errorf("empty pattern in %q", s)
	}
	m, err := watch.ParsePattern(rest)
	if err != nil {
		return WaitStep{}, err
	}
	return WaitStep{Pattern: m, FromStart: fromStart}, nil
}

// WaitSteps returns one parsed step per -wait, in order.
func (c *Config) WaitSteps() ([]WaitStep, error) {
	steps := make([]WaitStep, 0, len(c.Waits))
	for _, w := range c.Waits {
		step, err := ParseWaitStep(w)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// ApplyCheckMode modifies config for -check mode: a single verbose pass
// with preflight forced on and no hold.
func ApplyCheckMode(cfg *Config) {
	cfg.SkipPreflight = false
	cfg.Verbose = true
	cfg.TUIEnabled = false
	cfg.Hold = 0
}
