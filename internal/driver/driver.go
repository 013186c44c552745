package driver

import (
	"context"
	"time"
)

// State represents the lifecycle state of an engine process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// ProcessInfo holds runtime information about an engine process.
type ProcessInfo struct {
	PID       int
	State     State
	StartedAt time.Time
	ExitCode  int
	Error     string
}

// Driver is the process surface the engine supervisor drives. The engine
// talks line-delimited messages: Send writes one line to its stdin and Output
// yields its stdout line by line.
type Driver interface {
	// Start launches the process and returns once it has been forked.
	Start(ctx context.Context) error

	// Stop sends SIGTERM to the process group, waits up to timeout,
	// then force-kills.
	Stop(ctx context.Context, timeout time.Duration) error

	// Kill force-kills the process group without a grace period.
	Kill()

	// Info returns current process state and metadata.
	Info() ProcessInfo

	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}

	// Send writes line plus a newline to the process's stdin.
	Send(line []byte) error

	// Output yields stdout lines. It is closed when stdout reaches EOF.
	Output() <-chan []byte

	// LogLines returns the last n lines of stderr.
	LogLines(n int) []string
}
