// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Note: syscall.RLIMIT_NPROC is not exported in Go's syscall package,
// so we read process limits from /proc/self/limits instead.

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options describes the run being checked.
type Options struct {
	// Processes is how many servers the run starts.
	Processes int

	ServerPath  string
	ControlPath string

	// NeedControl makes a missing control client fatal.
	NeedControl bool

	// CmdctlPort should be free before the server starts; 0 skips the check.
	CmdctlPort int
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	if opts.Processes < 1 {
		opts.Processes = 1
	}

	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkFileDescriptors(opts.Processes))
	add(checkProcessLimit(opts.Processes))
	add(checkBinary("server", opts.ServerPath, true))
	if opts.ControlPath != "" {
		add(checkBinary("control", opts.ControlPath, opts.NeedControl))
	}
	if opts.CmdctlPort > 0 {
		add(checkPortFree(opts.CmdctlPort))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(processes int) Check {
	var limit syscall.Rlimit
	syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit)

	// Each server holds up to three pipes plus whatever its components open.
	// Control clients and the metrics server add a little on top.
	required := processes*32 + 64
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d processes)", actual, required, processes),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(processes int) Check {
	// A server forks one child per component.
	required := processes*10 + 50

	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses extracts the soft limit from /proc/self/limits.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1000000
		}
		n, _ := strconv.Atoi(fields[2])
		return n
	}
	return 0
}

// checkBinary verifies an executable can be resolved.
func checkBinary(role, path string, required bool) Check {
	name := role + "_binary"
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  !required,
			Warning: !required,
			Message: fmt.Sprintf("%s not found: %v", path, err),
		}
	}
	return Check{
		Name:    name,
		Passed:  true,
		Message: "found at " + resolved,
	}
}

// checkPortFree warns when something already listens on port, usually a
// server left behind by an earlier run.
func checkPortFree(port int) Check {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Check{
			Name:    "cmdctl_port",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s already in use (left over server?)", addr),
		}
	}
	ln.Close()
	return Check{
		Name:    "cmdctl_port",
		Passed:  true,
		Message: addr + " free",
	}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed || check.Warning {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "server_binary", "control_binary":
		return "check PATH or pass the binary's full path"
	case "cmdctl_port":
		return "stop the old server or pick another -cmdctl-port"
	default:
		return "see documentation"
	}
}
