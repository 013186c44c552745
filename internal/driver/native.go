package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/verifyd/internal/logbuf"
)

// maxLineSize bounds a single engine message. Verdicts for large files carry
// many diagnostics, so this is generous.
const maxLineSize = 16 << 20

// NativeDriver manages an engine running as a native (fork/exec) process.
type NativeDriver struct {
	command    string
	args       []string
	env        []string
	workingDir string

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	state     State
	startedAt time.Time
	exitCode  int
	exitErr   string
	buf       *logbuf.Ring
	out       chan []byte
	abandon   chan struct{} // closed once nobody is reading out any more
	abandoned bool
	done      chan struct{}

	sendMu sync.Mutex
}

// NativeConfig holds configuration for a native engine process.
type NativeConfig struct {
	Command    string
	Env        []string
	WorkingDir string
	BufSize    int          // stderr ring buffer size (lines), 0 for default
	Log        *logbuf.Ring // shared ring for stderr; overrides BufSize
}

// NewNative creates a new native process driver.
func NewNative(cfg NativeConfig) *NativeDriver {
	parts := strings.Fields(cfg.Command)
	var command string
	var args []string
	if len(parts) > 0 {
		command = parts[0]
		args = parts[1:]
	}

	buf := cfg.Log
	if buf == nil {
		bufSize := cfg.BufSize
		if bufSize <= 0 {
			bufSize = 500
		}
		buf = logbuf.New(bufSize)
	}

	return &NativeDriver{
		command:    command,
		args:       args,
		env:        cfg.Env,
		workingDir: cfg.WorkingDir,
		state:      StateStopped,
		buf:        buf,
	}
}

// Start forks the engine. The process is not tied to ctx: an engine outlives
// the request that started it. ctx only aborts a start that has not happened yet.
func (d *NativeDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateRunning || d.state == StateStarting {
		return errors.New("process already running")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.command == "" {
		d.state = StateFailed
		return errors.New("empty command")
	}

	d.cmd = exec.Command(d.command, d.args...)
	d.cmd.Env = d.env
	if d.workingDir != "" {
		d.cmd.Dir = d.workingDir
	}
	d.cmd.Stderr = d.buf.Writer("")

	// Set process group so we can kill the whole tree
	d.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	d.state = StateStarting

	if err := d.cmd.Start(); err != nil {
		d.state = StateFailed
		d.exitErr = err.Error()
		return fmt.Errorf("starting process: %w", err)
	}

	d.stdin = stdin
	d.state = StateRunning
	d.startedAt = time.Now()
	d.exitCode = 0
	d.exitErr = ""
	d.out = make(chan []byte, 64)
	d.abandon = make(chan struct{})
	d.abandoned = false
	d.done = make(chan struct{})

	go d.pump(stdout, d.out, d.abandon, d.done)

	return nil
}

// pump forwards stdout lines until EOF, then reaps the process. Reads must
// finish before Wait, so both happen on this goroutine.
func (d *NativeDriver) pump(stdout io.Reader, out chan<- []byte, abandon <-chan struct{}, done chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		select {
		case out <- line:
		case <-abandon:
		}
	}
	var readErr string
	if err := scanner.Err(); err != nil {
		// An unreadable line may have been a verdict: the engine is unusable
		if errors.Is(err, bufio.ErrTooLong) {
			readErr = fmt.Sprintf("engine wrote a stdout line over %d bytes", maxLineSize)
		} else {
			readErr = "reading engine stdout: " + err.Error()
		}
		d.buf.Add(readErr)
		d.mu.Lock()
		pid := d.cmd.Process.Pid
		d.mu.Unlock()
		_ = unix.Kill(-pid, unix.SIGKILL)
		io.Copy(io.Discard, stdout)
	}
	close(out)

	err := d.cmd.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateStopping {
		d.state = StateStopped
	} else {
		d.state = StateFailed
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			d.exitCode = exitErr.ExitCode()
		}
		d.exitErr = err.Error()
	} else {
		d.exitCode = 0
	}
	if readErr != "" {
		d.exitErr = readErr
	}

	close(done)
}

func (d *NativeDriver) Stop(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()

	if d.state != StateRunning {
		d.mu.Unlock()
		return nil
	}

	d.state = StateStopping
	d.abandonLocked()
	pid := d.cmd.Process.Pid
	done := d.done
	stdin := d.stdin
	d.mu.Unlock()

	// Closing stdin lets well-behaved engines exit on EOF
	_ = stdin.Close()
	_ = unix.Kill(-pid, unix.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		_ = unix.Kill(-pid, unix.SIGKILL)
		<-done
		return nil
	case <-ctx.Done():
		_ = unix.Kill(-pid, unix.SIGKILL)
		<-done
		return ctx.Err()
	}
}

func (d *NativeDriver) Kill() {
	d.mu.Lock()
	if d.state != StateRunning && d.state != StateStopping {
		d.mu.Unlock()
		return
	}
	d.state = StateStopping
	d.abandonLocked()
	pid := d.cmd.Process.Pid
	done := d.done
	stdin := d.stdin
	d.mu.Unlock()

	// Closing stdin also releases a Send blocked on a full pipe
	if stdin != nil {
		_ = stdin.Close()
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
	<-done
}

func (d *NativeDriver) abandonLocked() {
	if !d.abandoned {
		d.abandoned = true
		close(d.abandon)
	}
}

func (d *NativeDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := ProcessInfo{
		State:     d.state,
		StartedAt: d.startedAt,
		ExitCode:  d.exitCode,
		Error:     d.exitErr,
	}

	if d.cmd != nil && d.cmd.Process != nil {
		info.PID = d.cmd.Process.Pid
	}

	return info
}

func (d *NativeDriver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return d.done
}

func (d *NativeDriver) Send(line []byte) error {
	d.mu.Lock()
	stdin := d.stdin
	running := d.state == StateRunning
	d.mu.Unlock()

	if !running || stdin == nil {
		return errors.New("process not running")
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	msg := make([]byte, 0, len(line)+1)
	msg = append(msg, line...)
	msg = append(msg, '\n')
	if _, err := stdin.Write(msg); err != nil {
		return fmt.Errorf("writing to engine: %w", err)
	}
	return nil
}

func (d *NativeDriver) Output() <-chan []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out
}

func (d *NativeDriver) LogLines(n int) []string {
	return d.buf.Last(n)
}

// Alive reports whether a process with the given PID exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// KillGroup force-kills the process group led by pid, falling back to the
// single process if it is not a group leader.
func KillGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err == nil {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
