// Package main provides the procharness CLI entry point.
//
// procharness starts a server process under a name, synchronizes on its log
// output, drives it through a control client and tears it down, reporting
// what happened.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/randomizedcoder/go-procharness/internal/config"
	"github.com/randomizedcoder/go-procharness/internal/logging"
	"github.com/randomizedcoder/go-procharness/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/procharness
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("procharness %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 2
	}

	if cfg.Check {
		config.ApplyCheckMode(cfg)
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n%v\n", err)
		return 2
	}

	if cfg.PrintCmd {
		path, args := cfg.ServerCommand()
		fmt.Println("# Server command that would be run:")
		fmt.Println()
		fmt.Println(shellJoin(append([]string{path}, args...)))
		return 0
	}

	// The dashboard owns the terminal, so logs are dropped while it runs.
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewDiscardLogger()
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	path, args := cfg.ServerCommand()
	logger.Info("starting",
		"version", version,
		"server", path,
		"args", args,
		"waits", len(cfg.Waits),
		"commands", len(cfg.Commands),
		"metrics_addr", cfg.MetricsAddr,
	)

	orch := orchestrator.New(cfg, logger, orchestrator.Options{Version: version})
	if err := orch.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "procharness: %v\n", err)
		return 1
	}
	return 0
}

// shellJoin quotes args that need it so the line can be pasted into a shell.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$`*?[]{}()<>|&;#~") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
