// Package orchestrator owns the task registry and the selected backend, and
// enforces that at most one verification runs at a time across all open
// documents.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/benaskins/verifyd/internal/engine"
	"github.com/benaskins/verifyd/internal/errs"
	"github.com/benaskins/verifyd/internal/settings"
	"github.com/benaskins/verifyd/internal/task"
)

// Supervisor is the engine surface the orchestrator drives.
type Supervisor interface {
	task.Runner
	Lifecycle() engine.Lifecycle
	StartIfNotRunning(ctx context.Context, profile *settings.BackendProfile) error
	Restart(ctx context.Context, profile *settings.BackendProfile) error
	Stop(ctx context.Context) error
	KillDaemon(ctx context.Context) error
}

// Orchestrator is the single writer of registry and supervisor state. Every
// exported method runs under one lock; verification runs themselves proceed
// in task goroutines that never take it.
type Orchestrator struct {
	sup    Supervisor
	logger *slog.Logger

	updateHooks []func(task.Update)
	eventHooks  []func(uri string, ev engine.Event)

	stages *StageLog

	mu          sync.Mutex
	settings    *settings.Settings
	settingsErr error
	preferred   string
	current     *settings.BackendProfile
	tasks       map[string]*task.Task
	workspace   string
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithUpdateHook registers fn for task state changes.
func WithUpdateHook(fn func(task.Update)) Option {
	return func(o *Orchestrator) {
		o.updateHooks = append(o.updateHooks, fn)
	}
}

// WithEventHook registers fn for stages and steps streamed by the engine.
func WithEventHook(fn func(uri string, ev engine.Event)) Option {
	return func(o *Orchestrator) {
		o.eventHooks = append(o.eventHooks, fn)
	}
}

// New creates an orchestrator with no settings and no open documents.
func New(sup Supervisor, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sup:    sup,
		logger: logger.With("component", "orchestrator"),
		stages: &StageLog{},
		tasks:  make(map[string]*task.Task),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) notify(u task.Update) {
	for _, fn := range o.updateHooks {
		fn(u)
	}
}

func (o *Orchestrator) onEvent(uri string, ev engine.Event) {
	if ev.Stage != nil {
		o.stages.Add(StageRecord{
			URI:     uri,
			JobID:   ev.JobID,
			Stage:   ev.Stage.Name,
			OK:      ev.Stage.OK,
			Message: ev.Stage.Message,
		})
	}
	for _, fn := range o.eventHooks {
		fn(uri, ev)
	}
}

// SetWorkspace records the workspace root reported by the editor.
func (o *Orchestrator) SetWorkspace(root string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if root != "" && root != o.workspace {
		o.logger.Info("workspace", "root", root)
		o.workspace = root
	}
}

// Workspace returns the workspace root.
func (o *Orchestrator) Workspace() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workspace
}

// ApplySettings validates s and makes it current. Invalid settings are
// rejected with ConfigInvalid and disable verification until valid settings
// arrive. The engine is restarted only if the selected backend changed.
func (o *Orchestrator) ApplySettings(ctx context.Context, s *settings.Settings) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := s.Validate(); err != nil {
		o.settingsErr = err
		o.logger.Warn("settings rejected", "error", err)
		return err
	}
	o.settings = s
	o.settingsErr = nil
	o.logger.Info("settings applied", "backends", len(s.Backends))

	return o.selectLocked(ctx, s.AutoSelect(o.preferred))
}

// RejectSettings records settings that could not even be parsed. Like
// settings that fail validation, they disable verification until valid
// settings arrive; the previous settings are kept. The returned error is
// err coded as ConfigInvalid.
func (o *Orchestrator) RejectSettings(err error) error {
	if !errs.Is(err, errs.ConfigInvalid) {
		err = errs.New(errs.ConfigInvalid, "apply settings", "unreadable settings", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settingsErr = err
	o.logger.Warn("settings rejected", "error", err)
	return err
}

// Settings returns the current settings, or nil if none were applied.
func (o *Orchestrator) Settings() *settings.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// SelectBackend makes profile the active backend. Selecting a profile equal
// to the current one does nothing. Otherwise every running verification is
// aborted, every cached success is forgotten, and the engine is restarted.
func (o *Orchestrator) SelectBackend(ctx context.Context, profile *settings.BackendProfile) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selectLocked(ctx, profile)
}

// SelectBackendByName records name as the user's preferred backend and
// selects it.
func (o *Orchestrator) SelectBackendByName(ctx context.Context, name string) error {
	const op = "select backend"

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.validLocked(op); err != nil {
		return err
	}
	if _, ok := o.settings.Backend(name); !ok {
		return errs.New(errs.ConfigInvalid, op, fmt.Sprintf("no backend named %q", name), nil)
	}
	o.preferred = name
	return o.selectLocked(ctx, o.settings.AutoSelect(name))
}

func (o *Orchestrator) selectLocked(ctx context.Context, profile *settings.BackendProfile) error {
	if settings.Equal(o.current, profile) {
		o.logger.Debug("backend unchanged, no restart needed", "backend", nameOf(profile))
		return nil
	}
	o.logger.Info("changing backend", "from", nameOf(o.current), "to", nameOf(profile))

	// A cached result is only valid for the engine that produced it
	o.abortAllLocked()
	for _, t := range o.tasks {
		t.ResetLastSuccess()
	}

	var err error
	if profile == nil {
		err = o.sup.Stop(ctx)
	} else {
		err = o.sup.Restart(ctx, profile)
	}
	// Recorded even on failure: the next verify retries the start
	o.current = profile
	if err != nil {
		return fmt.Errorf("switching to backend %s: %w", nameOf(profile), err)
	}
	return nil
}

// Current returns the selected backend, or nil.
func (o *Orchestrator) Current() *settings.BackendProfile {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// BackendNames lists the configured backends.
func (o *Orchestrator) BackendNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.settings == nil {
		return nil
	}
	return o.settings.BackendNames()
}

// StartOrRestartVerification verifies the document at uri, aborting any other
// verification first. A nil error means the run has started.
//
// If no backend is selected the configured default is picked, and a stopped
// engine is started before the run; this call then blocks for as long as the
// engine takes to come up.
func (o *Orchestrator) StartOrRestartVerification(ctx context.Context, uri string, manual bool) error {
	const op = "start verification"

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.isSourceLocked(uri) {
		return errs.New(errs.NotSourceFile, op, "only source files can be verified", nil)
	}
	if err := o.validLocked(op); err != nil {
		return err
	}
	t, ok := o.tasks[uri]
	if !ok {
		return errs.New(errs.TaskNotFound, op, "no verification task for "+uri, nil)
	}
	if t.Running() {
		return errs.New(errs.AlreadyRunning, op, "verification already running", nil)
	}

	// The engine cannot interleave jobs: stop everything before starting
	o.abortAllLocked()
	o.stages.Reset()

	if o.current == nil {
		o.current = o.settings.AutoSelect(o.preferred)
		o.logger.Debug("no backend selected, using default", "backend", nameOf(o.current))
	}
	if o.sup.Lifecycle() == engine.Stopped {
		if err := o.sup.StartIfNotRunning(ctx, o.current); err != nil {
			return err
		}
	}
	if !o.sup.IsReady() {
		return errs.New(errs.BackendNotReady, op, "the verification backend is not ready yet", nil)
	}

	o.logger.Info("start or restart verification", "uri", uri, "manual", manual)
	return t.Verify(manual)
}

// StopVerification aborts the verification of uri, if any.
func (o *Orchestrator) StopVerification(uri string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[uri]
	if !ok {
		return errs.New(errs.TaskNotFound, "stop verification", "no verification task for "+uri, nil)
	}
	t.Abort()
	return nil
}

// DocumentOpened creates the task for uri. It returns false, and does
// nothing, for documents that are not source files. Opening an already open
// document only refreshes its text.
func (o *Orchestrator) DocumentOpened(uri, text string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.isSourceLocked(uri) {
		return false
	}
	t, ok := o.tasks[uri]
	if !ok {
		t = task.New(task.Config{
			URI:      uri,
			IsSource: true,
			Runner:   o.sup,
			Logger:   o.logger,
			Notify:   o.notify,
			OnEvent:  o.onEvent,
		})
		o.tasks[uri] = t
		o.logger.Debug("document opened", "uri", uri)
	}
	t.SetText(text)
	return true
}

// DocumentChanged replaces the editor's copy of an open document.
func (o *Orchestrator) DocumentChanged(uri, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[uri]; ok {
		t.SetText(text)
	}
}

// DocumentClosed aborts and removes the task for uri. It returns false for
// documents that are not source files.
func (o *Orchestrator) DocumentClosed(uri string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.isSourceLocked(uri) {
		return false
	}
	if t, ok := o.tasks[uri]; ok {
		t.Abort()
		delete(o.tasks, uri)
		o.logger.Debug("document closed", "uri", uri)
	}
	return true
}

// Task returns the task for uri.
func (o *Orchestrator) Task(uri string) (*task.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[uri]
	if !ok {
		return nil, errs.New(errs.TaskNotFound, "lookup task", "no verification task for "+uri, nil)
	}
	return t, nil
}

// Step returns trace step i of the last verification of uri.
func (o *Orchestrator) Step(uri string, i int) (engine.Step, error) {
	t, err := o.Task(uri)
	if err != nil {
		return engine.Step{}, err
	}
	return t.Step(i)
}

// ResetDiagnostics clears the diagnostics recorded for uri.
func (o *Orchestrator) ResetDiagnostics(uri string) error {
	t, err := o.Task(uri)
	if err != nil {
		return err
	}
	t.ResetDiagnostics()
	return nil
}

// Tasks returns snapshots of every task, ordered by URI.
func (o *Orchestrator) Tasks() []task.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]task.Snapshot, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Stages returns the stages executed by the most recent run.
func (o *Orchestrator) Stages() []StageRecord {
	return o.stages.Records()
}

// Shutdown aborts every verification and stops the engine.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.abortAllLocked()
	if err := o.sup.Stop(ctx); err != nil {
		return fmt.Errorf("stopping engine: %w", err)
	}
	return nil
}

// Dispose shuts down and removes any engine left behind by this or an
// earlier verifyd.
func (o *Orchestrator) Dispose(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.abortAllLocked()
	if err := o.sup.Stop(ctx); err != nil {
		return fmt.Errorf("stopping engine: %w", err)
	}
	if err := o.sup.KillDaemon(ctx); err != nil {
		return fmt.Errorf("killing engine daemon: %w", err)
	}
	return nil
}

// abortAllLocked aborts every running verification and tells the editor
// about each one it stopped.
func (o *Orchestrator) abortAllLocked() {
	for uri, t := range o.tasks {
		if t.Abort() {
			o.notify(task.Update{URI: uri, State: task.Ready, Aborted: true})
		}
	}
}

func (o *Orchestrator) validLocked(op string) error {
	if o.settingsErr != nil {
		return errs.New(errs.ConfigInvalid, op, "settings are invalid, verification is disabled", o.settingsErr)
	}
	if o.settings == nil {
		return errs.New(errs.ConfigInvalid, op, "no settings received yet", nil)
	}
	return nil
}

func (o *Orchestrator) isSourceLocked(uri string) bool {
	if o.settings == nil {
		return (&settings.Settings{}).IsSourceFile(uri)
	}
	return o.settings.IsSourceFile(uri)
}

func nameOf(p *settings.BackendProfile) string {
	if p == nil {
		return "none"
	}
	return p.Name
}
