// Package profile builds argument vectors for the server and control client
// the harness drives, and names the log messages their steps wait on.
package profile

import (
	"strconv"
	"strings"
	"time"
)

// Log messages the server emits on stderr at well-known lifecycle points.
const (
	MsgStartupComplete  = "BIND10_STARTUP_COMPLETE"
	MsgStartupError     = "BIND10_STARTUP_ERROR"
	MsgAuthStarted      = "AUTH_SERVER_STARTED"
	MsgXfroutConfigDone = "XFROUT_NEW_CONFIG_DONE"
)

const (
	// DefaultName is the process name used when a step gives none.
	DefaultName = "bind10"

	// DefaultCmdctlPort is where the control daemon listens for clients.
	DefaultCmdctlPort = 47805
)

// Server holds the options for starting one server instance.
type Server struct {
	// Name is the logical process name. A non-default name also gets its
	// own message-bus socket so several instances can run side by side.
	Name string `yaml:"name"`

	// BinaryPath is the server executable.
	BinaryPath string `yaml:"binary"`

	// Verbose turns on the server's verbose logging (-v).
	Verbose bool `yaml:"verbose"`

	// ConfigDir is passed with -p when ConfigFile is set.
	ConfigDir string `yaml:"config_dir"`

	// ConfigFile is the configuration database to load (-c).
	ConfigFile string `yaml:"config_file"`

	// CmdctlPort is the control daemon port.
	CmdctlPort int `yaml:"cmdctl_port"`

	// MsgqSocket overrides the message-bus socket file (-m).
	MsgqSocket string `yaml:"msgq_socket"`

	// StartupTimeout bounds the wait for the startup messages.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// DefaultServer returns a Server with the stock settings.
func DefaultServer() Server {
	return Server{
		Name:           DefaultName,
		BinaryPath:     "bind10",
		Verbose:        true,
		ConfigDir:      "configurations/",
		CmdctlPort:     DefaultCmdctlPort,
		StartupTimeout: 10 * time.Second,
	}
}

// BuildArgs constructs the server's command-line arguments.
func (s Server) BuildArgs() []string {
	var args []string

	if s.Verbose {
		args = append(args, "-v")
	}

	if s.ConfigFile != "" {
		if s.ConfigDir != "" {
			args = append(args, "-p", s.ConfigDir)
		}
		args = append(args, "-c", s.ConfigFile)
	}

	port := s.CmdctlPort
	if port == 0 {
		port = DefaultCmdctlPort
	}
	args = append(args, "--cmdctl-port="+strconv.Itoa(port))

	if socket := s.msgqSocket(); socket != "" {
		args = append(args, "-m", socket)
	}

	return args
}

// msgqSocket returns the socket override, deriving one from the name for
// non-default instances.
func (s Server) msgqSocket() string {
	if s.MsgqSocket != "" {
		return s.MsgqSocket
	}
	if s.Name != "" && s.Name != DefaultName {
		return s.Name + "_msgq.socket"
	}
	return ""
}

// ProcessName returns Name, or DefaultName when it is empty.
func (s Server) ProcessName() string {
	if s.Name == "" {
		return DefaultName
	}
	return s.Name
}

// Control returns a client profile pointed at this server's control port.
func (s Server) Control(binary string) Control {
	port := s.CmdctlPort
	if port == 0 {
		port = DefaultCmdctlPort
	}
	return Control{BinaryPath: binary, Port: port}
}

// CommandString returns the command that would be executed (for debugging).
func (s Server) CommandString() string {
	return s.BinaryPath + " " + strings.Join(s.BuildArgs(), " ")
}

// Control holds the options for the command-line control client.
type Control struct {
	BinaryPath string `yaml:"binary"`
	Port       int    `yaml:"port"`
}

// DefaultControl returns a Control for the default port.
func DefaultControl() Control {
	return Control{
		BinaryPath: "bindctl",
		Port:       DefaultCmdctlPort,
	}
}

// Args returns the client's command-line arguments.
func (c Control) Args() []string {
	port := c.Port
	if port == 0 {
		port = DefaultCmdctlPort
	}
	return []string{"-p", strconv.Itoa(port)}
}

// SetConfigScript returns the client input that sets and commits one value.
func SetConfigScript(name, value string) []string {
	return []string{
		"config set " + name + " " + value,
		"config commit",
	}
}
