package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benaskins/verifyd/internal/driver"
	"github.com/benaskins/verifyd/internal/errs"
	"github.com/benaskins/verifyd/internal/settings"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(t *testing.T, opts ...Option) *Supervisor {
	t.Helper()
	opts = append([]Option{
		WithStateDir(t.TempDir()),
		WithStartLimit(time.Millisecond, 100),
		WithCancelGrace(time.Second),
	}, opts...)
	s := New(testLogger(), opts...)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func startEngine(t *testing.T, s *Supervisor, p *settings.BackendProfile) {
	t.Helper()
	if err := s.StartIfNotRunning(context.Background(), p); err != nil {
		t.Fatalf("StartIfNotRunning: %v", err)
	}
	if !s.IsReady() {
		t.Fatalf("expected ready, got %v", s.Lifecycle())
	}
}

func TestStartAndVerify(t *testing.T) {
	s := newTestSupervisor(t)
	startEngine(t, s, fakeProfile("silicon"))

	var mu sync.Mutex
	var events []Event
	res, err := s.RunVerification(context.Background(), Job{
		URI:    "file:///tmp/a.vpr",
		Source: "ok",
		OnEvent: func(e Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("RunVerification: %v", err)
	}
	if !res.Success || res.Backend != "silicon" || res.JobID == "" {
		t.Errorf("unexpected result %+v", res)
	}
	if s.Lifecycle() != Ready {
		t.Errorf("expected ready after verdict, got %v", s.Lifecycle())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0].Stage == nil || events[1].Step == nil {
		t.Fatalf("expected stage then step, got %+v", events)
	}
	if events[0].Stage.Name != "parse" || !events[0].Stage.OK {
		t.Errorf("unexpected stage %+v", events[0].Stage)
	}
	if events[1].Step.Position != "1:1" {
		t.Errorf("unexpected step %+v", events[1].Step)
	}

	logs := strings.Join(s.Logs(50), "\n")
	for _, want := range []string{"fake engine booting", "fake engine stderr", "verifying " + res.JobID} {
		if !strings.Contains(logs, want) {
			t.Errorf("engine logs missing %q:\n%s", want, logs)
		}
	}
}

func TestVerifyFailureDiagnostics(t *testing.T) {
	s := newTestSupervisor(t)
	startEngine(t, s, fakeProfile("silicon"))

	res, err := s.RunVerification(context.Background(), Job{URI: "file:///tmp/a.vpr", Source: "fail"})
	if err != nil {
		t.Fatalf("RunVerification: %v", err)
	}
	if res.Success {
		t.Fatal("expected failing verdict")
	}
	if len(res.Diagnostics) != 1 || res.Diagnostics[0].Line != 3 || res.Diagnostics[0].Column != 5 {
		t.Errorf("unexpected diagnostics %+v", res.Diagnostics)
	}
}

func TestJobArgsFromProfile(t *testing.T) {
	s := newTestSupervisor(t)
	p := fakeProfile("silicon")
	p.Args = []string{"--z3Exe", "/usr/bin/z3"}
	startEngine(t, s, p)

	res, err := s.RunVerification(context.Background(), Job{URI: "file:///tmp/a.vpr", Source: "args"})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Diagnostics[0].Message; got != "--z3Exe /usr/bin/z3" {
		t.Errorf("expected args echoed, got %q", got)
	}
}

func TestStartIfNotRunningSameProfile(t *testing.T) {
	s := newTestSupervisor(t)
	startEngine(t, s, fakeProfile("silicon"))
	pid := s.Status().PID

	startEngine(t, s, fakeProfile("silicon"))
	if got := s.Status().PID; got != pid {
		t.Errorf("same profile respawned the engine: pid %d -> %d", pid, got)
	}
	if s.Status().Restarts != 0 {
		t.Errorf("expected no restarts, got %d", s.Status().Restarts)
	}
}

func TestRestartWithNewProfile(t *testing.T) {
	s := newTestSupervisor(t)
	startEngine(t, s, fakeProfile("silicon"))
	pid := s.Status().PID

	if err := s.Restart(context.Background(), fakeProfile("carbon")); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	st := s.Status()
	if st.Lifecycle != Ready || st.Backend != "carbon" {
		t.Errorf("expected ready with carbon, got %+v", st)
	}
	if st.PID == pid {
		t.Error("expected a new engine process")
	}
	if driver.Alive(pid) {
		t.Error("old engine still alive after restart")
	}
	if st.Restarts != 1 {
		t.Errorf("expected 1 restart, got %d", st.Restarts)
	}
}

func TestStartTimeout(t *testing.T) {
	s := newTestSupervisor(t)
	p := fakeProfile("silicon", "FAKE_NO_READY=1")
	p.StartTimeout = settings.Duration{Duration: 300 * time.Millisecond}

	err := s.StartIfNotRunning(context.Background(), p)
	if !errs.Is(err, errs.BackendTimeout) {
		t.Fatalf("expected backend timeout, got %v", err)
	}
	st := s.Status()
	if st.Lifecycle != Stopped || st.Backend != "" || st.PID != 0 {
		t.Errorf("expected clean stopped state, got %+v", st)
	}
	if st.LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestStartFailure(t *testing.T) {
	s := newTestSupervisor(t)
	p := fakeProfile("silicon")
	p.Command = "/nonexistent/verification-engine"

	err := s.StartIfNotRunning(context.Background(), p)
	if !errs.Is(err, errs.BackendStartFailed) {
		t.Fatalf("expected start failure, got %v", err)
	}
	if s.Lifecycle() != Stopped {
		t.Errorf("expected stopped, got %v", s.Lifecycle())
	}

	// The failure must not wedge the supervisor
	startEngine(t, s, fakeProfile("silicon"))
}

func TestEngineCrashDuringRun(t *testing.T) {
	s := newTestSupervisor(t)
	startEngine(t, s, fakeProfile("silicon"))

	_, err := s.RunVerification(context.Background(), Job{URI: "file:///tmp/a.vpr", Source: "crash"})
	if !errs.Is(err, errs.BackendCrashed) {
		t.Fatalf("expected crash, got %v", err)
	}
	if s.Lifecycle() != Stopped {
		t.Errorf("expected stopped after crash, got %v", s.Lifecycle())
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected engine stderr in error, got %v", err)
	}

	// Next start is fresh
	startEngine(t, s, fakeProfile("silicon"))
}

func TestRunTimeout(t *testing.T) {
	s := newTestSupervisor(t)
	p := fakeProfile("silicon")
	p.Timeout = settings.Duration{Duration: 300 * time.Millisecond}
	startEngine(t, s, p)
	pid := s.Status().PID

	_, err := s.RunVerification(context.Background(), Job{URI: "file:///tmp/a.vpr", Source: "slow"})
	if !errs.Is(err, errs.BackendTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if s.Lifecycle() != Stopped {
		t.Errorf("expected stopped after timeout, got %v", s.Lifecycle())
	}
	if driver.Alive(pid) {
		t.Error("timed out engine still alive")
	}
}

func TestCancelAcknowledged(t *testing.T) {
	s := newTestSupervisor(t)
	startEngine(t, s, fakeProfile("silicon"))
	pid := s.Status().PID

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := s.RunVerification(ctx, Job{URI: "file:///tmp/a.vpr", Source: "slow"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if res.JobID != "" {
		t.Errorf("cancelled run must not return a result, got %+v", res)
	}
	if s.Lifecycle() != Ready {
		t.Fatalf("expected ready after acknowledged cancel, got %v", s.Lifecycle())
	}
	if s.Status().PID != pid {
		t.Error("acknowledged cancel should keep the engine")
	}

	if _, err := s.RunVerification(context.Background(), Job{URI: "file:///tmp/a.vpr", Source: "ok"}); err != nil {
		t.Errorf("engine unusable after cancel: %v", err)
	}
}

func TestCancelIgnored(t *testing.T) {
	s := newTestSupervisor(t, WithCancelGrace(200*time.Millisecond))
	startEngine(t, s, fakeProfile("silicon"))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := s.RunVerification(ctx, Job{URI: "file:///tmp/a.vpr", Source: "deaf"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if s.Lifecycle() != Stopped {
		t.Errorf("expected engine killed after ignored cancel, got %v", s.Lifecycle())
	}
}

// runWithin runs job and fails the test if RunVerification has not returned
// after limit.
func runWithin(t *testing.T, s *Supervisor, ctx context.Context, job Job, limit time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := s.RunVerification(ctx, job)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(limit):
		t.Fatalf("RunVerification still blocked after %s; lifecycle=%s", limit, s.Lifecycle())
		return nil
	}
}

func TestRunTimeoutWhileEngineNotReading(t *testing.T) {
	s := newTestSupervisor(t)
	p := fakeProfile("silicon", "FAKE_STOP_READING=1")
	p.Timeout = settings.Duration{Duration: 500 * time.Millisecond}
	startEngine(t, s, p)
	pid := s.Status().PID

	// Larger than any pipe buffer, so the write cannot complete
	source := strings.Repeat("x", 4<<20)
	err := runWithin(t, s, context.Background(), Job{URI: "file:///tmp/a.vpr", Source: source}, 5*time.Second)
	if !errs.Is(err, errs.BackendTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if s.Lifecycle() != Stopped {
		t.Errorf("expected stopped, got %v", s.Lifecycle())
	}
	if driver.Alive(pid) {
		t.Error("engine still alive")
	}
}

func TestCancelWhileEngineNotReading(t *testing.T) {
	s := newTestSupervisor(t)
	startEngine(t, s, fakeProfile("silicon", "FAKE_STOP_READING=1"))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	source := strings.Repeat("x", 4<<20)
	err := runWithin(t, s, ctx, Job{URI: "file:///tmp/a.vpr", Source: source}, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if s.Lifecycle() != Stopped {
		t.Errorf("expected stopped, got %v", s.Lifecycle())
	}

	// The next start spawns a fresh engine
	startEngine(t, s, fakeProfile("silicon"))
}

func TestOversizedLineStopsEngine(t *testing.T) {
	s := newTestSupervisor(t)
	startEngine(t, s, fakeProfile("silicon"))

	err := runWithin(t, s, context.Background(), Job{URI: "file:///tmp/a.vpr", Source: "huge"}, 5*time.Second)
	if !errs.Is(err, errs.BackendCrashed) {
		t.Fatalf("expected crash, got %v", err)
	}
	if !strings.Contains(err.Error(), "stdout line over") {
		t.Errorf("expected the oversized line named in %v", err)
	}
	if s.Lifecycle() != Stopped {
		t.Errorf("expected stopped, got %v", s.Lifecycle())
	}
}

func TestRunVerificationNotReady(t *testing.T) {
	s := newTestSupervisor(t)
	_, err := s.RunVerification(context.Background(), Job{URI: "file:///tmp/a.vpr", Source: "ok"})
	if !errs.Is(err, errs.BackendNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
}

func TestRestartDuringRun(t *testing.T) {
	s := newTestSupervisor(t)
	startEngine(t, s, fakeProfile("silicon"))

	errc := make(chan error, 1)
	go func() {
		_, err := s.RunVerification(context.Background(), Job{URI: "file:///tmp/a.vpr", Source: "slow"})
		errc <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for s.Lifecycle() != Busy {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := s.Restart(context.Background(), fakeProfile("carbon")); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	select {
	case err := <-errc:
		if !errs.Is(err, errs.BackendCrashed) || !strings.Contains(err.Error(), "restarted") {
			t.Errorf("expected restarted crash, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight job did not return after restart")
	}
	if st := s.Status(); st.Lifecycle != Ready || st.Backend != "carbon" {
		t.Errorf("expected ready with carbon, got %+v", st)
	}
}

func TestStopIdempotent(t *testing.T) {
	s := newTestSupervisor(t)
	startEngine(t, s, fakeProfile("silicon"))
	pid := s.Status().PID

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Lifecycle() != Stopped || s.Profile() != nil {
		t.Errorf("expected stopped without profile, got %v", s.Status())
	}
	if driver.Alive(pid) {
		t.Error("engine still alive after stop")
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []Lifecycle
	s := newTestSupervisor(t, WithObserver(func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr.To)
		mu.Unlock()
	}))

	startEngine(t, s, fakeProfile("silicon"))
	if _, err := s.RunVerification(context.Background(), Job{URI: "file:///tmp/a.vpr", Source: "ok"}); err != nil {
		t.Fatal(err)
	}
	s.Stop(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []Lifecycle{Starting, Ready, Busy, Ready, Stopping, Stopped}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestDynamicPortReadiness(t *testing.T) {
	s := newTestSupervisor(t)
	p := fakeProfile("silicon", "FAKE_LISTEN=1")
	p.Readiness = &settings.Probe{Type: "tcp", Interval: settings.Duration{Duration: 50 * time.Millisecond}}
	startEngine(t, s, p)

	if s.Status().Port == 0 {
		t.Error("expected an allocated port")
	}
	if _, err := s.RunVerification(context.Background(), Job{URI: "file:///tmp/a.vpr", Source: "ok"}); err != nil {
		t.Errorf("RunVerification: %v", err)
	}
}

func TestHealthFailureStopsEngine(t *testing.T) {
	s := newTestSupervisor(t)
	p := fakeProfile("silicon")
	p.Health = &settings.Probe{
		Type:               "exec",
		Command:            "false",
		Interval:           settings.Duration{Duration: 30 * time.Millisecond},
		UnhealthyThreshold: 2,
	}
	startEngine(t, s, p)

	deadline := time.Now().Add(5 * time.Second)
	for s.Lifecycle() != Stopped {
		if time.Now().After(deadline) {
			t.Fatal("unhealthy engine was not stopped")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(s.Status().LastError, "health") {
		t.Errorf("expected health failure recorded, got %q", s.Status().LastError)
	}
}

func TestKillDaemonReapsRecordedEngine(t *testing.T) {
	dir := t.TempDir()
	orphan := driver.NewNative(driver.NativeConfig{Command: "sleep 60"})
	if err := orphan.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer orphan.Kill()
	pid := orphan.Info().PID

	rec := newDaemonRecord(dir)
	if err := rec.save(Record{PID: pid, Backend: "silicon", Owner: 1}); err != nil {
		t.Fatal(err)
	}

	s := New(testLogger(), WithStateDir(dir))
	if err := s.KillDaemon(context.Background()); err != nil {
		t.Fatalf("KillDaemon: %v", err)
	}

	select {
	case <-orphan.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("recorded engine not killed")
	}
	if got, _ := ReadRecord(dir); got != nil {
		t.Errorf("expected record removed, got %+v", got)
	}
}

func TestStartReapsStaleRecord(t *testing.T) {
	dir := t.TempDir()
	orphan := driver.NewNative(driver.NativeConfig{Command: "sleep 60"})
	if err := orphan.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer orphan.Kill()

	if err := newDaemonRecord(dir).save(Record{PID: orphan.Info().PID, Backend: "old", Owner: 1}); err != nil {
		t.Fatal(err)
	}

	s := newTestSupervisor(t, WithStateDir(dir))
	startEngine(t, s, fakeProfile("silicon"))

	select {
	case <-orphan.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stale engine not reaped on start")
	}
	rec, err := ReadRecord(dir)
	if err != nil || rec == nil {
		t.Fatalf("expected a record for the new engine, got %v, %v", rec, err)
	}
	if rec.PID != s.Status().PID || rec.Owner != os.Getpid() {
		t.Errorf("record does not describe the new engine: %+v", rec)
	}
}

func TestEngineLockExcludesSecondSupervisor(t *testing.T) {
	dir := t.TempDir()
	a := newTestSupervisor(t, WithStateDir(dir))
	startEngine(t, a, fakeProfile("silicon"))

	b := newTestSupervisor(t, WithStateDir(dir))
	err := b.StartIfNotRunning(context.Background(), fakeProfile("silicon"))
	if !errs.Is(err, errs.BackendStartFailed) {
		t.Fatalf("expected lock conflict, got %v", err)
	}

	a.Stop(context.Background())
	startEngine(t, b, fakeProfile("silicon"))
}
