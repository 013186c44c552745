// Package engine supervises the external verification engine: it starts,
// restarts and stops the process, speaks its line protocol, and runs one
// verification job at a time against it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/benaskins/verifyd/internal/driver"
	"github.com/benaskins/verifyd/internal/errs"
	"github.com/benaskins/verifyd/internal/health"
	"github.com/benaskins/verifyd/internal/logbuf"
	"github.com/benaskins/verifyd/internal/port"
	"github.com/benaskins/verifyd/internal/settings"
)

// Lifecycle is the supervisor's view of the engine.
type Lifecycle string

const (
	Stopped    Lifecycle = "stopped"
	Starting   Lifecycle = "starting"
	Ready      Lifecycle = "ready"
	Busy       Lifecycle = "busy"
	Restarting Lifecycle = "restarting"
	Stopping   Lifecycle = "stopping"
)

const defaultCancelGrace = 2 * time.Second

// Job is one verification request.
type Job struct {
	URI    string
	File   string // local path, if the document is a file
	Source string

	// OnEvent receives stages and trace steps as they stream in. It is called
	// from the supervisor's reader goroutine and must not block.
	OnEvent func(Event)
}

// Transition is delivered to observers on every lifecycle change.
type Transition struct {
	From    Lifecycle
	To      Lifecycle
	Backend string
	Err     error
	At      time.Time
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	Lifecycle Lifecycle `json:"lifecycle"`
	Backend   string    `json:"backend,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Restarts  int       `json:"restarts"`
	Health    string    `json:"health,omitempty"`
}

type activeJob struct {
	id      string
	uri     string
	onEvent func(Event)
	verdict chan inbound
	aborted chan struct{}
	once    sync.Once
	reason  string // set when the engine is torn down under the job
}

// Supervisor owns the engine process. Lifecycle operations are serialized;
// RunVerification may run concurrently with them and observes teardown as
// an engine exit.
type Supervisor struct {
	logger      *slog.Logger
	logs        *logbuf.Ring
	ports       *port.Allocator
	limiter     *rate.Limiter
	cancelGrace time.Duration
	record      *daemonRecord
	observers   []func(Transition)

	opMu sync.Mutex // serializes Start, Restart, Stop and KillDaemon

	mu        sync.Mutex
	lifecycle Lifecycle
	profile   *settings.BackendProfile
	drv       driver.Driver
	gen       uint64 // bumped whenever the current engine is abandoned
	port      int
	startedAt time.Time
	lastErr   string
	restarts  int
	job       *activeJob
	monitor   *health.Monitor
	pending   []Transition
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithStateDir enables the engine record and lock in dir.
func WithStateDir(dir string) Option {
	return func(s *Supervisor) {
		if dir != "" {
			s.record = newDaemonRecord(dir)
		}
	}
}

// WithPorts sets the allocator used for engines that need a port.
func WithPorts(a *port.Allocator) Option {
	return func(s *Supervisor) {
		s.ports = a
	}
}

// WithStartLimit bounds how often the engine may be spawned.
func WithStartLimit(every time.Duration, burst int) Option {
	return func(s *Supervisor) {
		s.limiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

// WithCancelGrace sets how long a cancelled job may take to acknowledge
// before the engine is killed.
func WithCancelGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.cancelGrace = d
	}
}

// WithObserver registers fn for lifecycle transitions. Observers run on the
// goroutine that caused the transition, after the supervisor lock is released.
func WithObserver(fn func(Transition)) Option {
	return func(s *Supervisor) {
		s.observers = append(s.observers, fn)
	}
}

// WithLogSize sets how many engine log lines are kept.
func WithLogSize(n int) Option {
	return func(s *Supervisor) {
		s.logs = logbuf.New(n)
	}
}

// New creates a supervisor with the engine stopped.
func New(logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:      logger.With("component", "engine"),
		logs:        logbuf.New(1000),
		ports:       port.NewAllocator(20000, 32000),
		limiter:     rate.NewLimiter(rate.Every(2*time.Second), 3),
		cancelGrace: defaultCancelGrace,
		lifecycle:   Stopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// unlock releases s.mu and then notifies observers of the transitions
// recorded while it was held.
func (s *Supervisor) unlock() {
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, t := range pending {
		for _, fn := range s.observers {
			fn(t)
		}
	}
}

func (s *Supervisor) setLocked(to Lifecycle, err error) {
	if s.lifecycle == to {
		return
	}
	t := Transition{From: s.lifecycle, To: to, Err: err, At: time.Now()}
	if s.profile != nil {
		t.Backend = s.profile.Name
	}
	if err != nil {
		s.lastErr = err.Error()
	}
	s.lifecycle = to
	s.pending = append(s.pending, t)
	s.logger.Debug("engine lifecycle", "from", t.From, "to", to, "backend", t.Backend)
}

// IsReady reports whether the engine can accept a job.
func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle == Ready
}

// Lifecycle returns the current lifecycle state.
func (s *Supervisor) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Profile returns the active profile, or nil when stopped.
func (s *Supervisor) Profile() *settings.BackendProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Status returns a snapshot for the admin API.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Lifecycle: s.lifecycle,
		Port:      s.port,
		StartedAt: s.startedAt,
		LastError: s.lastErr,
		Restarts:  s.restarts,
	}
	if s.profile != nil {
		st.Backend = s.profile.Name
	}
	if s.drv != nil {
		st.PID = s.drv.Info().PID
	}
	if s.job != nil {
		st.JobID = s.job.id
	}
	if s.monitor != nil {
		st.Health = string(s.monitor.CurrentStatus())
	}
	return st
}

// Logs returns the last n lines of engine output that were not protocol
// messages.
func (s *Supervisor) Logs(n int) []string {
	return s.logs.Last(n)
}

// StartIfNotRunning spawns the engine for profile unless it is already
// running it. It blocks until the engine is ready or the start deadline
// passes; on any failure the supervisor is left Stopped.
func (s *Supervisor) StartIfNotRunning(ctx context.Context, profile *settings.BackendProfile) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	lc, current := s.lifecycle, s.profile
	s.mu.Unlock()

	switch lc {
	case Ready, Busy:
		if settings.Equal(current, profile) {
			return nil
		}
		return s.restartLocked(ctx, profile)
	case Stopped:
		return s.startLocked(ctx, profile)
	default:
		return errs.New(errs.InvalidState, "start engine", fmt.Sprintf("engine is %s", lc), nil)
	}
}

// Restart kills the running engine, if any, and starts profile. A job in
// flight fails with BackendCrashed.
func (s *Supervisor) Restart(ctx context.Context, profile *settings.BackendProfile) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.restartLocked(ctx, profile)
}

func (s *Supervisor) restartLocked(ctx context.Context, profile *settings.BackendProfile) error {
	s.mu.Lock()
	lc := s.lifecycle
	if lc != Ready && lc != Busy && lc != Stopped {
		s.mu.Unlock()
		return errs.New(errs.InvalidState, "restart engine", fmt.Sprintf("engine is %s", lc), nil)
	}
	s.restarts++
	s.unlock()

	if lc != Stopped {
		s.teardown(ctx, Restarting, "restarted", true)
	}
	return s.startLocked(ctx, profile)
}

// Stop terminates the engine. It is a no-op when already stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	lc := s.lifecycle
	s.mu.Unlock()
	if lc == Stopped {
		return nil
	}
	s.teardown(ctx, Stopping, "engine stopped", false)
	return nil
}

// KillDaemon stops the engine and removes every trace of it from the state
// dir: an engine recorded there by any verifyd is killed, the record is
// deleted and the lock released. The next start is guaranteed to spawn.
func (s *Supervisor) KillDaemon(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	lc := s.lifecycle
	s.mu.Unlock()
	if lc != Stopped {
		s.teardown(ctx, Stopping, "engine killed", true)
	}

	if s.record == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, err := s.record.reap(s.logger)
	if pid != 0 {
		s.logger.Info("killed engine daemon", "pid", pid)
	}
	if rerr := s.record.release(); rerr != nil && err == nil {
		err = fmt.Errorf("releasing engine lock: %w", rerr)
	}
	return err
}

// teardown takes the current engine away from the supervisor, passing
// through via (Stopping or Restarting), and ends Stopped.
func (s *Supervisor) teardown(ctx context.Context, via Lifecycle, reason string, force bool) {
	s.mu.Lock()
	drv, mon, profile := s.drv, s.monitor, s.profile
	if s.job != nil {
		s.job.reason = reason
		s.job = nil
	}
	s.setLocked(via, nil)
	s.gen++
	s.drv = nil
	s.monitor = nil
	s.unlock()

	if mon != nil {
		mon.Stop()
	}
	if drv != nil {
		if force {
			drv.Kill()
		} else if err := drv.Stop(ctx, profile.StopTimeout.Duration); err != nil {
			s.logger.Warn("engine did not stop cleanly", "error", err)
		}
	}

	s.mu.Lock()
	s.cleanupLocked()
	s.profile = nil
	s.setLocked(Stopped, nil)
	s.unlock()
}

// cleanupLocked releases what a running engine holds besides its process.
func (s *Supervisor) cleanupLocked() {
	if s.profile != nil && s.port != 0 {
		s.ports.Release(s.profile.Name)
	}
	s.port = 0
	s.startedAt = time.Time{}
	if s.record != nil {
		if err := s.record.remove(); err != nil {
			s.logger.Warn("removing engine record", "error", err)
		}
		if err := s.record.release(); err != nil {
			s.logger.Warn("releasing engine lock", "error", err)
		}
	}
}

func (s *Supervisor) startLocked(ctx context.Context, profile *settings.BackendProfile) error {
	const op = "start engine"
	if profile == nil {
		return errs.New(errs.BackendStartFailed, op, "no backend selected", nil)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return errs.New(errs.BackendStartFailed, op, "start rate limit", err)
	}

	log := s.logger.With("backend", profile.Name)

	if s.record != nil {
		if err := s.record.acquire(); err != nil {
			return errs.New(errs.BackendStartFailed, op, "engine lock", err)
		}
		if _, err := s.record.reap(log); err != nil {
			log.Warn("reaping stale engine", "error", err)
		}
	}

	p := 0
	if profile.NeedsPort() {
		var err error
		if p, err = s.ports.Allocate(profile.Name); err != nil {
			s.releaseRecord()
			return errs.New(errs.BackendStartFailed, op, "allocating port", err)
		}
	} else if profile.Readiness != nil && profile.Readiness.Port != 0 {
		p = profile.Readiness.Port
	}

	drv := driver.NewNative(driver.NativeConfig{
		Command:    profile.Command,
		Env:        buildEnv(profile, p),
		WorkingDir: profile.WorkingDir,
		Log:        s.logs,
	})

	s.mu.Lock()
	s.profile = profile
	s.port = p
	s.setLocked(Starting, nil)
	s.unlock()

	if err := drv.Start(ctx); err != nil {
		return s.failStart(log, nil, errs.New(errs.BackendStartFailed, op, "spawning engine", err))
	}

	ready := make(chan struct{})
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.drv = drv
	s.unlock()
	go s.route(gen, drv, ready)

	info := drv.Info()
	log.Info("engine spawned", "pid", info.PID, "port", p)
	if s.record != nil {
		rec := Record{
			PID:       info.PID,
			Backend:   profile.Name,
			Command:   profile.Command,
			Port:      p,
			StartedAt: info.StartedAt.Unix(),
			Owner:     os.Getpid(),
		}
		if st, err := driver.ProcessStartTime(info.PID); err == nil {
			rec.ProcStart = st
		}
		if err := s.record.save(rec); err != nil {
			log.Warn("writing engine record", "error", err)
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, profile.StartTimeout.Duration)
	defer cancel()
	if err := s.waitReady(startCtx, profile, p, drv, ready); err != nil {
		switch {
		case ctx.Err() != nil:
			err = errs.New(errs.BackendStartFailed, op, "start abandoned", ctx.Err())
		case startCtx.Err() != nil:
			err = errs.New(errs.BackendTimeout, op,
				fmt.Sprintf("engine not ready after %s", profile.StartTimeout.Duration), s.tailErr())
		default:
			err = errs.New(errs.BackendStartFailed, op, err.Error(), s.tailErr())
		}
		return s.failStart(log, drv, err)
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.setLocked(Ready, nil)
	if profile.Health != nil {
		s.monitor = health.NewMonitor(probeConfig(profile.Health, p), log, func() {
			go s.fail(gen, nil, errs.New(errs.BackendCrashed, "engine health", "engine stopped answering health checks", nil))
		})
		s.monitor.Start(context.Background())
	}
	s.unlock()

	log.Info("engine ready", "pid", info.PID)
	return nil
}

func (s *Supervisor) waitReady(ctx context.Context, profile *settings.BackendProfile, p int, drv driver.Driver, ready <-chan struct{}) error {
	r := profile.Readiness
	if r == nil || r.Type == "message" {
		select {
		case <-ready:
			return nil
		case <-drv.Done():
			return fmt.Errorf("engine exited during startup (code %d)", drv.Info().ExitCode)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return health.WaitReady(ctx, probeConfig(r, p), drv.Done())
}

// failStart abandons a start attempt and leaves the supervisor Stopped.
func (s *Supervisor) failStart(log *slog.Logger, drv driver.Driver, err error) error {
	s.mu.Lock()
	s.gen++
	s.drv = nil
	s.unlock()

	if drv != nil {
		drv.Kill()
	}

	s.mu.Lock()
	s.cleanupLocked()
	s.setLocked(Stopped, err)
	s.profile = nil
	s.unlock()

	log.Error("engine failed to start", "error", err)
	return err
}

func (s *Supervisor) releaseRecord() {
	if s.record == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record.release(); err != nil {
		s.logger.Warn("releasing engine lock", "error", err)
	}
}

// fail moves a Ready or Busy engine of generation gen to Stopped with err and
// kills it. It is a no-op if that engine has already been abandoned.
func (s *Supervisor) fail(gen uint64, drv driver.Driver, err error) {
	s.mu.Lock()
	if gen != s.gen || (s.lifecycle != Ready && s.lifecycle != Busy) {
		s.mu.Unlock()
		return
	}
	if drv == nil {
		drv = s.drv
	}
	mon := s.monitor
	s.gen++
	s.drv = nil
	s.job = nil
	s.monitor = nil
	s.cleanupLocked()
	s.setLocked(Stopped, err)
	s.profile = nil
	s.unlock()

	s.logger.Error("engine failed", "error", err)
	if mon != nil {
		mon.Stop()
	}
	if drv != nil {
		drv.Kill()
	}
}

// route reads engine output for one generation until the engine exits.
func (s *Supervisor) route(gen uint64, drv driver.Driver, ready chan struct{}) {
	var readyOnce sync.Once
	for line := range drv.Output() {
		msg, err := decodeInbound(line)
		if err != nil {
			s.logs.Add(string(line))
			continue
		}
		switch msg.Type {
		case msgReady:
			readyOnce.Do(func() { close(ready) })
		case msgLog:
			s.logs.Add(msg.Message)
		default:
			s.dispatch(gen, msg)
		}
	}

	<-drv.Done()
	info := drv.Info()
	msg := fmt.Sprintf("engine exited unexpectedly (code %d)", info.ExitCode)
	if info.Error != "" {
		msg += ": " + info.Error
	}
	s.fail(gen, nil, errs.New(errs.BackendCrashed, "engine", msg, s.tailErr()))
}

func (s *Supervisor) dispatch(gen uint64, msg inbound) {
	s.mu.Lock()
	j := s.job
	current := gen == s.gen && j != nil && j.id == msg.ID
	s.mu.Unlock()

	if !current {
		s.logger.Debug("discarding engine message for stale job", "type", msg.Type, "id", msg.ID)
		return
	}

	switch msg.Type {
	case msgStage:
		if j.onEvent != nil {
			j.onEvent(Event{JobID: j.id, Stage: &Stage{Name: msg.Stage, OK: msg.OK, Message: msg.Message}})
		}
	case msgStep:
		if j.onEvent != nil && msg.Step != nil {
			j.onEvent(Event{JobID: j.id, Step: msg.Step})
		}
	case msgVerdict:
		select {
		case j.verdict <- msg:
		default:
		}
	case msgAborted:
		j.once.Do(func() { close(j.aborted) })
	default:
		s.logger.Debug("unknown engine message", "type", msg.Type)
	}
}

// RunVerification submits job to the ready engine and waits for its verdict.
//
// Cancelling ctx asks the engine to drop the job; the call then returns the
// cancellation error and never a result. The engine is killed if it does not
// acknowledge within the cancel grace. A deadline (ctx's or the profile
// timeout) kills the engine and fails with BackendTimeout; an engine exit
// fails with BackendCrashed. Both leave the supervisor Stopped.
func (s *Supervisor) RunVerification(ctx context.Context, job Job) (Result, error) {
	const op = "run verification"

	s.mu.Lock()
	if s.lifecycle != Ready {
		lc := s.lifecycle
		s.mu.Unlock()
		return Result{}, errs.New(errs.BackendNotReady, op, fmt.Sprintf("engine is %s", lc), nil)
	}
	j := &activeJob{
		id:      uuid.NewString(),
		uri:     job.URI,
		onEvent: job.OnEvent,
		verdict: make(chan inbound, 1),
		aborted: make(chan struct{}),
	}
	s.job = j
	drv, gen, profile := s.drv, s.gen, s.profile
	s.setLocked(Busy, nil)
	s.unlock()

	log := s.logger.With("job", j.id, "uri", job.URI)
	start := time.Now()

	line, err := encodeVerify(j.id, job, profile.Args)
	if err != nil {
		s.finish(gen, j)
		return Result{}, errs.New(errs.Internal, op, "encoding job", err)
	}

	timeout := profile.Timeout.Duration
	if timeout <= 0 {
		timeout = settings.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := send(runCtx, drv, line); err != nil {
		if runCtx.Err() == nil {
			err = errs.New(errs.BackendCrashed, op, "submitting job", err)
			s.fail(gen, drv, err)
			return Result{}, err
		}
		// The engine stopped reading its input; killing it unblocks the write
		err = errs.New(errs.BackendTimeout, op,
			fmt.Sprintf("engine did not accept the job within %s", time.Since(start).Round(time.Millisecond)), runCtx.Err())
		s.fail(gen, drv, err)
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, fmt.Errorf("verification %s cancelled: %w", j.id, ctx.Err())
		}
		return Result{}, err
	}
	log.Debug("job submitted")

	select {
	case v := <-j.verdict:
		s.finish(gen, j)
		res := Result{
			JobID:       j.id,
			Success:     v.Success,
			Diagnostics: v.Diagnostics,
			Duration:    time.Since(start),
			Backend:     profile.Name,
		}
		log.Info("verification finished", "success", res.Success, "diagnostics", len(res.Diagnostics), "duration", res.Duration)
		return res, nil

	case <-drv.Done():
		s.mu.Lock()
		reason := j.reason
		s.mu.Unlock()
		if reason != "" {
			// Torn down by Stop or Restart, not a crash of the engine itself
			return Result{}, errs.New(errs.BackendCrashed, op, reason, nil)
		}
		err := errs.New(errs.BackendCrashed, op,
			fmt.Sprintf("engine exited (code %d)", drv.Info().ExitCode), s.tailErr())
		s.fail(gen, drv, err)
		return Result{}, err

	case <-runCtx.Done():
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return Result{}, s.cancelJob(ctx, log, gen, drv, j)
	}

	err = errs.New(errs.BackendTimeout, op, fmt.Sprintf("no verdict after %s", time.Since(start).Round(time.Millisecond)), runCtx.Err())
	s.fail(gen, drv, err)
	return Result{}, err
}

// cancelJob asks the engine to drop j and waits for the acknowledgement.
func (s *Supervisor) cancelJob(ctx context.Context, log *slog.Logger, gen uint64, drv driver.Driver, j *activeJob) error {
	cancelled := fmt.Errorf("verification %s cancelled: %w", j.id, ctx.Err())

	graceCtx, stop := context.WithTimeout(context.Background(), s.cancelGrace)
	defer stop()

	line, _ := encodeCancel(j.id)
	if err := send(graceCtx, drv, line); err != nil {
		if graceCtx.Err() != nil {
			log.Warn("engine not reading cancel, killing it", "grace", s.cancelGrace)
			s.fail(gen, drv, errs.New(errs.BackendTimeout, "cancel verification",
				fmt.Sprintf("engine did not accept cancel within %s", s.cancelGrace), nil))
		} else {
			s.fail(gen, drv, errs.New(errs.BackendCrashed, "cancel verification", "sending cancel", err))
		}
		return cancelled
	}

	select {
	case <-j.aborted:
		log.Debug("engine acknowledged cancel")
		s.finish(gen, j)
	case <-j.verdict:
		// The verdict crossed the cancel; the engine is idle again
		log.Debug("discarding verdict of cancelled job")
		s.finish(gen, j)
	case <-drv.Done():
		s.fail(gen, drv, errs.New(errs.BackendCrashed, "cancel verification", "engine exited during cancel", s.tailErr()))
	case <-graceCtx.Done():
		log.Warn("engine ignored cancel, killing it", "grace", s.cancelGrace)
		s.fail(gen, drv, errs.New(errs.BackendTimeout, "cancel verification",
			fmt.Sprintf("no cancel acknowledgement after %s", s.cancelGrace), nil))
	}
	return cancelled
}

// send writes line to drv, giving up once ctx is done. An abandoned write
// stays blocked until the engine is killed.
func send(ctx context.Context, drv driver.Driver, line []byte) error {
	sent := make(chan error, 1)
	go func() { sent <- drv.Send(line) }()
	select {
	case err := <-sent:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish detaches j and, if the engine is still the one the job ran on,
// returns it from Busy to Ready.
func (s *Supervisor) finish(gen uint64, j *activeJob) {
	s.mu.Lock()
	if s.job == j {
		s.job = nil
	}
	if gen == s.gen && s.lifecycle == Busy {
		s.setLocked(Ready, nil)
	}
	s.unlock()
}

func (s *Supervisor) tailErr() error {
	tail := s.logs.Tail(10)
	if tail == "" {
		return nil
	}
	return errors.New(tail)
}

func probeConfig(p *settings.Probe, allocated int) health.Config {
	cfg := health.Config{
		Type:               p.Type,
		Path:               p.Path,
		Port:               p.Port,
		Command:            p.Command,
		Interval:           p.Interval.Duration,
		Timeout:            p.Timeout.Duration,
		UnhealthyThreshold: p.UnhealthyThreshold,
	}
	if cfg.Port == 0 {
		cfg.Port = allocated
	}
	return cfg
}

// buildEnv layers the profile environment and PORT over verifyd's own.
func buildEnv(profile *settings.BackendProfile, p int) []string {
	env := os.Environ()
	keys := make([]string, 0, len(profile.Env))
	for k := range profile.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+profile.Env[k])
	}
	if p != 0 {
		env = append(env, "PORT="+strconv.Itoa(p))
	}
	return env
}
