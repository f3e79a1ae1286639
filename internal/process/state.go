package process

// State is the lifecycle position of a Handle.
type State int

const (
	// StateCreated is the initial state before the process is spawned.
	StateCreated State = iota

	// StateStarting indicates the process is being spawned.
	StateStarting

	// StateRunning indicates the process is alive.
	StateRunning

	// StateExited indicates the process ended on its own.
	StateExited

	// StateStopped indicates the process was terminated by Stop.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive returns true while the process is starting or running.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning
}

// IsTerminal returns true once the process is gone.
func (s State) IsTerminal() bool {
	return s == StateExited || s == StateStopped
}
