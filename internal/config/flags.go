package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// stringList is a repeatable flag. The first use on the command line
// replaces the default or file value; later uses append.
type stringList struct {
	values *[]string
	set    bool
}

func (l *stringList) String() string {
	if l.values == nil {
		return ""
	}
	return strings.Join(*l.values, ", ")
}

func (l *stringList) Set(value string) error {
	if !l.set {
		*l.values = nil
		l.set = true
	}
	*l.values = append(*l.values, value)
	return nil
}

// ParseFlags parses os.Args and returns a Config.
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[1:], os.Stderr)
}

// ParseArgs parses args on top of the defaults, the -config file and the
// environment. Usage and parse errors are written to output.
//
// Positional arguments name the server: the first is the executable, the
// rest replace the generated server arguments.
func ParseArgs(args []string, output io.Writer) (*Config, error) {
	// First pass only locates -config.
	probe := DefaultConfig()
	fs := newFlagSet(probe, io.Discard)
	_ = fs.Parse(args)

	cfg := DefaultConfig()
	if probe.ConfigFile != "" {
		if err := loadFileInto(cfg, probe.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	fs = newFlagSet(cfg, output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if rest := fs.Args(); len(rest) >= 1 {
		cfg.Server.BinaryPath = rest[0]
		cfg.ServerArgs = append([]string{}, rest[1:]...)
	}

	return cfg, nil
}

func newFlagSet(cfg *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("procharness", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() { usage(fs) }

	// Server
	fs.StringVar(&cfg.Server.Name, "name", cfg.Server.Name, "Logical process name")
	fs.StringVar(&cfg.Server.ConfigFile, "server-config", cfg.Server.ConfigFile, "Server configuration database (-c)")
	fs.StringVar(&cfg.Server.ConfigDir, "server-config-dir", cfg.Server.ConfigDir, "Directory holding -server-config (-p)")
	fs.IntVar(&cfg.Server.CmdctlPort, "cmdctl-port", cfg.Server.CmdctlPort, "Control daemon port")
	fs.DurationVar(&cfg.Server.StartupTimeout, "startup-timeout", cfg.Server.StartupTimeout, "Time allowed for the startup messages")
	fs.BoolVar(&cfg.CaptureStdout, "stdout", cfg.CaptureStdout, "Also capture the server's stdout")

	// Steps
	fs.Var(&stringList{values: &cfg.StartupOK}, "startup-ok", `Startup success pattern (can repeat, "re:" for regexp)`)
	fs.Var(&stringList{values: &cfg.StartupFail}, "startup-fail", "Startup failure pattern (can repeat)")
	fs.Var(&stringList{values: &cfg.Waits}, "wait", `Wait for a stderr line after startup (can repeat, in order; "seen:" also matches earlier lines)`)
	fs.Var(&stringList{values: &cfg.Commands}, "cmd", "Control client command to send (can repeat)")
	fs.StringVar(&cfg.Control.BinaryPath, "control", cfg.Control.BinaryPath, "Control client binary")
	fs.DurationVar(&cfg.WaitTimeout, "wait-timeout", cfg.WaitTimeout, "Timeout for each -wait")
	fs.DurationVar(&cfg.CommandTimeout, "command-timeout", cfg.CommandTimeout, "Timeout for each control client run")
	fs.DurationVar(&cfg.StopGrace, "stop-grace", cfg.StopGrace, "SIGTERM to SIGKILL delay at teardown")
	fs.DurationVar(&cfg.Hold, "hold", cfg.Hold, "Keep the server running this long after the last step")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.StringVar(&cfg.MetricsDump, "metrics-dump", cfg.MetricsDump, "Write final metrics in text format to this file")
	fs.BoolVar(&cfg.PerProcessMetrics, "per-process-metrics", cfg.PerProcessMetrics, "Enable per-process line metrics")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging, echo every captured line")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Live terminal dashboard while holding")

	// Diagnostic modes
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the server command and exit")
	fs.BoolVar(&cfg.Check, "check", cfg.Check, "One verbose pass: forced preflight, no hold, no dashboard")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML configuration file")

	return fs
}

func usage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintf(w, `procharness - drive a server process through startup, waits and control commands

Usage:
  procharness [flags] [-- <server> [args...]]

Server:
`)
	printFlagCategory(fs, []string{"name", "server-config", "server-config-dir", "cmdctl-port", "startup-timeout", "stdout"})

	fmt.Fprintf(w, "\nSteps:\n")
	printFlagCategory(fs, []string{"startup-ok", "startup-fail", "wait", "cmd", "control", "wait-timeout", "command-timeout", "stop-grace", "hold"})

	fmt.Fprintf(w, "\nObservability:\n")
	printFlagCategory(fs, []string{"metrics", "metrics-dump", "per-process-metrics", "v", "log-format", "log-level", "tui"})

	fmt.Fprintf(w, "\nDiagnostics:\n")
	printFlagCategory(fs, []string{"print-cmd", "check", "skip-preflight", "config"})

	fmt.Fprintf(w, `
Environment:
  PROCHARNESS_BINARY, PROCHARNESS_CONTROL, PROCHARNESS_CMDCTL_PORT,
  PROCHARNESS_WAIT_TIMEOUT, PROCHARNESS_METRICS_ADDR,
  PROCHARNESS_LOG_FORMAT, PROCHARNESS_LOG_LEVEL

Examples:
  # Start the default server and wait for auth
  procharness -wait AUTH_SERVER_STARTED

  # Set a value once the server is up, keep it running for a minute
  procharness -wait AUTH_SERVER_STARTED -cmd "config set Auth/database_file x.sqlite3" -cmd "config commit" -hold 1m

  # Any other server
  procharness -startup-ok "listening on" -startup-fail "re:^FATAL" -- ./mysrv -p 8080

`)
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, names []string) {
	w := fs.Output()
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
			fmt.Fprintf(w, " (default %s)", f.DefValue)
		}
		fmt.Fprintln(w)
	}
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
