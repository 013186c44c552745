// Package task holds the per-document verification state machine.
//
//	Ready --Verify--> Verifying --verdict or failure--> Ready
//	Verifying --Abort--> Aborting --run acknowledged--> Ready
//
// A task never talks to the engine directly; it drives a Runner, which in
// production is the engine supervisor.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/benaskins/verifyd/internal/engine"
	"github.com/benaskins/verifyd/internal/errs"
)

// State is the verification state of one document.
type State string

const (
	Ready     State = "Ready"
	Verifying State = "Verifying"
	Aborting  State = "Aborting"
)

// Runner executes verification jobs.
type Runner interface {
	IsReady() bool
	RunVerification(ctx context.Context, job engine.Job) (engine.Result, error)
}

// Update is emitted on every externally visible state change.
type Update struct {
	URI         string
	State       State
	Completed   bool // a run finished, successfully or not
	Aborted     bool
	Success     bool
	Manual      bool
	Diagnostics []engine.Diagnostic
	Duration    time.Duration
	Err         error
}

// Config wires a task to its collaborators.
type Config struct {
	URI      string
	IsSource bool
	Runner   Runner
	Logger   *slog.Logger

	// Notify receives updates in order. It is called with the task lock held
	// and must not call back into the task.
	Notify func(Update)

	// OnEvent receives streamed stages and steps of the current run.
	OnEvent func(uri string, ev engine.Event)
}

// Snapshot is a read-only view of a task.
type Snapshot struct {
	URI         string              `json:"uri"`
	State       State               `json:"state"`
	Running     bool                `json:"running"`
	LastSuccess *engine.Result      `json:"last_success,omitempty"`
	Diagnostics []engine.Diagnostic `json:"diagnostics,omitempty"`
	Steps       int                 `json:"steps"`
	LastRun     time.Time           `json:"last_run,omitempty"`
}

// Task tracks verification of one open document.
type Task struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	text        string
	hasText     bool
	lastSuccess *engine.Result
	trace       []engine.Step
	diagnostics []engine.Diagnostic
	runID       uint64
	cancel      context.CancelFunc
	done        chan struct{}
	lastRun     time.Time
}

// New creates a task in the Ready state.
func New(cfg Config) *Task {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Notify == nil {
		cfg.Notify = func(Update) {}
	}
	return &Task{
		cfg:    cfg,
		logger: logger.With("component", "task", "uri", cfg.URI),
		state:  Ready,
	}
}

// URI returns the document this task verifies.
func (t *Task) URI() string {
	return t.cfg.URI
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Running reports whether a verification is in flight. It is derived from
// the state, never stored.
func (t *Task) Running() bool {
	return t.State() == Verifying
}

// SetText records the editor's copy of the document. Verification uses it in
// preference to the file on disk.
func (t *Task) SetText(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text = text
	t.hasText = true
}

// LastSuccess returns the result of the last successful run, or nil.
func (t *Task) LastSuccess() *engine.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSuccess
}

// Diagnostics returns the diagnostics of the last completed run.
func (t *Task) Diagnostics() []engine.Diagnostic {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]engine.Diagnostic(nil), t.diagnostics...)
}

// Verify starts a verification run. It returns an error, and changes
// nothing, if a run is already in flight, the document is not a source file,
// or the runner is not ready.
func (t *Task) Verify(manual bool) error {
	const op = "verify"

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Ready {
		return errs.New(errs.AlreadyRunning, op, "verification already running", nil)
	}
	if !t.cfg.IsSource {
		return errs.New(errs.NotSourceFile, op, "only source files can be verified", nil)
	}
	if !t.cfg.Runner.IsReady() {
		return errs.New(errs.BackendNotReady, op, "the verification backend is not ready yet", nil)
	}

	job, err := t.jobLocked()
	if err != nil {
		return err
	}

	t.runID++
	id := t.runID
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.state = Verifying
	t.trace = nil
	t.diagnostics = nil
	t.lastRun = time.Now()

	job.OnEvent = func(ev engine.Event) { t.onEvent(id, ev) }

	t.logger.Info("verification started", "manual", manual)
	t.cfg.Notify(Update{URI: t.cfg.URI, State: Verifying, Manual: manual})

	go t.run(ctx, id, job, manual, done)
	return nil
}

func (t *Task) jobLocked() (engine.Job, error) {
	job := engine.Job{URI: t.cfg.URI}
	if u, err := url.Parse(t.cfg.URI); err == nil && u.Scheme == "file" {
		job.File = u.Path
	}
	if t.hasText {
		job.Source = t.text
		return job, nil
	}
	if job.File == "" {
		return job, errs.New(errs.Internal, "verify", "no document text and not a local file", nil)
	}
	data, err := os.ReadFile(job.File)
	if err != nil {
		return job, errs.New(errs.Internal, "verify", "reading source", err)
	}
	job.Source = string(data)
	return job, nil
}

func (t *Task) run(ctx context.Context, id uint64, job engine.Job, manual bool, done chan struct{}) {
	defer close(done)

	res, err := t.cfg.Runner.RunVerification(ctx, job)

	t.mu.Lock()
	defer t.mu.Unlock()

	// Aborted: Abort owns the transition back to Ready and the result is stale
	if t.runID != id || t.state != Verifying {
		t.logger.Debug("discarding result of aborted run")
		return
	}
	t.cancel()
	t.cancel = nil

	t.state = Ready
	if err != nil {
		t.logger.Warn("verification failed", "error", err)
		t.cfg.Notify(Update{URI: t.cfg.URI, State: Ready, Completed: true, Manual: manual, Err: err})
		return
	}

	t.diagnostics = res.Diagnostics
	if res.Success {
		r := res
		t.lastSuccess = &r
	}
	t.logger.Info("verification completed", "success", res.Success, "duration", res.Duration)
	t.cfg.Notify(Update{
		URI:         t.cfg.URI,
		State:       Ready,
		Completed:   true,
		Success:     res.Success,
		Manual:      manual,
		Diagnostics: res.Diagnostics,
		Duration:    res.Duration,
	})
}

func (t *Task) onEvent(id uint64, ev engine.Event) {
	t.mu.Lock()
	if t.runID != id || t.state != Verifying {
		t.mu.Unlock()
		return
	}
	if ev.Step != nil {
		t.trace = append(t.trace, *ev.Step)
	}
	t.mu.Unlock()

	if t.cfg.OnEvent != nil {
		t.cfg.OnEvent(t.cfg.URI, ev)
	}
}

// Abort cancels the run in flight and waits until it has let go of the
// engine. It is a no-op unless the task is Verifying, and reports whether
// there was anything to abort.
func (t *Task) Abort() bool {
	t.mu.Lock()
	if t.state != Verifying {
		t.mu.Unlock()
		return false
	}
	t.state = Aborting
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	t.logger.Info("aborting verification")
	cancel()
	<-done

	t.mu.Lock()
	t.trace = nil
	t.state = Ready
	t.mu.Unlock()
	return true
}

// ResetLastSuccess forgets the cached successful result.
func (t *Task) ResetLastSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSuccess = nil
}

// ResetDiagnostics clears diagnostics without touching the state.
func (t *Task) ResetDiagnostics() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.diagnostics = nil
}

// Step returns trace step i of the last run.
func (t *Task) Step(i int) (engine.Step, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.trace) {
		return engine.Step{}, errs.New(errs.StepNotFound, "show heap",
			fmt.Sprintf("step %d out of range (trace has %d steps)", i, len(t.trace)), nil)
	}
	return t.trace[i], nil
}

// Snapshot returns the task's current state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		URI:         t.cfg.URI,
		State:       t.state,
		Running:     t.state == Verifying,
		LastSuccess: t.lastSuccess,
		Diagnostics: append([]engine.Diagnostic(nil), t.diagnostics...),
		Steps:       len(t.trace),
		LastRun:     t.lastRun,
	}
}
