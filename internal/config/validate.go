package config

import (
	"errors"
	"fmt"

	"github.com/randomizedcoder/go-procharness/internal/watch"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem joined with errors.Join.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.BinaryPath == "" {
		errs = append(errs, ValidationError{
			Field:   "server.binary",
			Message: "server executable is required",
		})
	}

	if cfg.Server.CmdctlPort < 1 || cfg.Server.CmdctlPort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.cmdctl_port",
			Message: fmt.Sprintf("must be between 1 and 65535 (got %d)", cfg.Server.CmdctlPort),
		})
	}

	if len(cfg.Commands) > 0 && cfg.Control.BinaryPath == "" {
		errs = append(errs, ValidationError{
			Field:   "control.binary",
			Message: "control client is required to send commands",
		})
	}

	// Failure patterns only make sense racing a success pattern.
	if len(cfg.StartupFail) > 0 && len(cfg.StartupOK) == 0 {
		errs = append(errs, ValidationError{
			Field:   "startup_fail",
			Message: "requires at least one startup_ok pattern",
		})
	}

	for _, group := range []struct {
		field    string
		patterns []string
	}{
		{"startup_ok", cfg.StartupOK},
		{"startup_fail", cfg.StartupFail},
	} {
		for _, p := range group.patterns {
			if p == "" {
				errs = append(errs, ValidationError{Field: group.field, Message: "empty pattern"})
				continue
			}
			if _, err := watch.ParsePattern(p); err != nil {
				errs = append(errs, ValidationError{Field: group.field, Message: err.Error()})
			}
		}
	}
	for _, w := range cfg.Waits {
		if _, err := ParseWaitStep(w); err != nil {
			errs = append(errs, ValidationError{Field: "waits", Message: err.Error()})
		}
	}

	for _, d := range []struct {
		field string
		value int64
	}{
		{"wait_timeout", int64(cfg.WaitTimeout)},
		{"command_timeout", int64(cfg.CommandTimeout)},
		{"stop_grace", int64(cfg.StopGrace)},
		{"server.startup_timeout", int64(cfg.Server.StartupTimeout)},
	} {
		if d.value <= 0 {
			errs = append(errs, ValidationError{Field: d.field, Message: "must be positive"})
		}
	}

	if cfg.Hold < 0 {
		errs = append(errs, ValidationError{Field: "hold", Message: "must not be negative"})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[cfg.LogLevel] {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}
