package supervisor

// Process is a running child process owned by the supervisor.
type Process interface {
	Pid() int
	// Alive reports whether the process is still running.
	Alive() bool
	// Terminate asks the process (and its group) to exit.
	Terminate() error
	// Kill forcibly stops the process (and its group).
	Kill() error
	// Done is closed once the exit has been reaped.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed. -1 means killed by a signal.
	ExitCode() int
}

// SpawnSpec describes a process to start.
type SpawnSpec struct {
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
	// LogPath receives stdout and stderr, appended. Empty discards output.
	LogPath string
}

// Spawner starts processes.
type Spawner interface {
	Spawn(spec SpawnSpec) (Process, error)
}
