package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/verifyd/internal/engine"
	"github.com/benaskins/verifyd/internal/errs"
	"github.com/benaskins/verifyd/internal/metrics"
	"github.com/benaskins/verifyd/internal/orchestrator"
	"github.com/benaskins/verifyd/internal/settings"
	"github.com/benaskins/verifyd/internal/task"
)

const (
	srcURI   = "file:///ws/list.vpr"
	otherURI = "file:///ws/tree.vpr"
)

// fakeEngine is a supervisor whose runs stream the configured steps and then
// wait for an outcome or cancellation.
type fakeEngine struct {
	mu        sync.Mutex
	lifecycle engine.Lifecycle
	steps     []engine.Step
	stops     int
	kills     int

	started chan engine.Job
	results chan engine.Result
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		lifecycle: engine.Stopped,
		started:   make(chan engine.Job, 8),
		results:   make(chan engine.Result, 8),
	}
}

func (f *fakeEngine) Lifecycle() engine.Lifecycle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lifecycle
}

func (f *fakeEngine) IsReady() bool { return f.Lifecycle() == engine.Ready }

func (f *fakeEngine) up() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifecycle = engine.Ready
	return nil
}

func (f *fakeEngine) StartIfNotRunning(context.Context, *settings.BackendProfile) error {
	return f.up()
}
func (f *fakeEngine) Restart(context.Context, *settings.BackendProfile) error { return f.up() }

func (f *fakeEngine) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.lifecycle = engine.Stopped
	return nil
}

func (f *fakeEngine) KillDaemon(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	return nil
}

func (f *fakeEngine) RunVerification(ctx context.Context, job engine.Job) (engine.Result, error) {
	f.mu.Lock()
	f.lifecycle = engine.Busy
	steps := append([]engine.Step(nil), f.steps...)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.lifecycle = engine.Ready
		f.mu.Unlock()
	}()

	job.OnEvent(engine.Event{Stage: &engine.Stage{Name: "typecheck", OK: true}})
	for i := range steps {
		job.OnEvent(engine.Event{Step: &steps[i]})
	}
	f.started <- job
	select {
	case r := <-f.results:
		return r, nil
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	}
}

type fakeDebugger struct {
	mu      sync.Mutex
	started int
	stopped int
	heaps   []engine.Step
}

func (d *fakeDebugger) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started++
	return nil
}

func (d *fakeDebugger) StopDebugging() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
}

func (d *fakeDebugger) ShowHeap(_ string, _ int, step engine.Step) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heaps = append(d.heaps, step)
	return nil
}

type notification struct {
	Method string
	Params json.RawMessage
}

// editor is the client end of the connection. Notifications are recorded in
// arrival order.
type editor struct {
	conn  *jsonrpc2.Conn
	notes chan notification
}

func (e *editor) Handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) {
	n := notification{Method: req.Method}
	if req.Params != nil {
		n.Params = *req.Params
	}
	e.notes <- n
}

func (e *editor) call(t *testing.T, method string, params, result any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.conn.Call(ctx, method, params, result)
}

func (e *editor) send(t *testing.T, method string, params any) {
	t.Helper()
	require.NoError(t, e.conn.Notify(context.Background(), method, params))
}

// expect skips notifications until one with method arrives.
func (e *editor) expect(t *testing.T, method string, v any) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-e.notes:
			if n.Method != method {
				continue
			}
			if v != nil {
				require.NoError(t, json.Unmarshal(n.Params, v))
			}
			return
		case <-timeout:
			t.Fatalf("no %s notification", method)
		}
	}
}

// quiet asserts that no notification with method arrives shortly.
func (e *editor) quiet(t *testing.T, method string) {
	t.Helper()
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case n := <-e.notes:
			if n.Method == method {
				t.Fatalf("unexpected %s notification: %s", method, n.Params)
			}
		case <-timeout:
			return
		}
	}
}

type harness struct {
	med    *Mediator
	orch   *orchestrator.Orchestrator
	engine *fakeEngine
	debug  *fakeDebugger
	ed     *editor
	served chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{engine: newFakeEngine(), debug: &fakeDebugger{}, served: make(chan error, 1)}

	h.orch = orchestrator.New(h.engine, logger,
		orchestrator.WithUpdateHook(func(u task.Update) { h.med.OnUpdate(u) }),
		orchestrator.WithEventHook(func(uri string, ev engine.Event) { h.med.OnEvent(uri, ev) }),
	)
	h.med = New(h.orch, logger, WithDebugger(h.debug), WithMetrics(metrics.New()), WithVersion("test"))

	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.served <- h.med.Serve(ctx, server) }()

	h.ed = &editor{notes: make(chan notification, 256)}
	h.ed.conn = jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(client, jsonrpc2.VSCodeObjectCodec{}), h.ed)

	t.Cleanup(func() {
		h.orch.Shutdown(context.Background())
		h.ed.conn.Close()
		cancel()
	})
	return h
}

func configure(t *testing.T, h *harness, names ...string) {
	t.Helper()
	var backends []map[string]any
	for _, n := range names {
		backends = append(backends, map[string]any{"name": n, "command": n + " --ide"})
	}
	h.ed.send(t, MethodDidChangeConfig, map[string]any{
		"settings": map[string]any{"verifyd": map[string]any{"verificationBackends": backends}},
	})
	// Notifications are handled in order; a request round trip flushes them
	require.NoError(t, h.ed.call(t, MethodInitialize, InitializeParams{}, new(InitializeResult)))
	require.Equal(t, names, h.orch.BackendNames())
}

func open(t *testing.T, h *harness, uri, text string) {
	t.Helper()
	h.ed.send(t, MethodDidOpen, DidOpenParams{TextDocument: TextDocumentItem{URI: uri, Text: text}})
}

func TestInitialize(t *testing.T) {
	h := newHarness(t)

	var res InitializeResult
	require.NoError(t, h.ed.call(t, MethodInitialize, InitializeParams{RootURI: "file:///home/dev/proj"}, &res))
	assert.Equal(t, 1, res.Capabilities.TextDocumentSync)
	assert.Equal(t, "verifyd", res.ServerInfo.Name)
	assert.Equal(t, "/home/dev/proj", h.orch.Workspace())
	assert.Equal(t, 1, h.debug.started)
}

func TestVerifyReportsStateChanges(t *testing.T) {
	h := newHarness(t)
	configure(t, h, "silicon")
	open(t, h, srcURI, "method m() {}")
	h.ed.expect(t, NotifyFileOpened, nil)

	var started bool
	require.NoError(t, h.ed.call(t, MethodVerify, VerifyParams{URI: srcURI, ManuallyTriggered: true}, &started))
	assert.True(t, started)

	var sc StateChangeParams
	h.ed.expect(t, NotifyStateChange, &sc)
	assert.Equal(t, task.Verifying, sc.NewState)
	assert.True(t, sc.ManuallyTriggered)

	job := <-h.engine.started
	assert.Equal(t, "method m() {}", job.Source)
	h.engine.results <- engine.Result{Success: true, Duration: 1500 * time.Millisecond}

	h.ed.expect(t, NotifyStateChange, &sc)
	assert.Equal(t, task.Ready, sc.NewState)
	assert.True(t, sc.VerificationCompleted)
	assert.True(t, sc.Success)
	assert.InDelta(t, 1.5, sc.Time, 0.001)
}

func TestVerifyWhileRunningIsRejected(t *testing.T) {
	h := newHarness(t)
	configure(t, h, "silicon")
	open(t, h, srcURI, "x")

	var started bool
	require.NoError(t, h.ed.call(t, MethodVerify, VerifyParams{URI: srcURI}, &started))
	<-h.engine.started

	require.NoError(t, h.ed.call(t, MethodVerify, VerifyParams{URI: srcURI, ManuallyTriggered: true}, &started))
	assert.False(t, started)

	var p URIParams
	h.ed.expect(t, NotifyVerificationNotStarted, &p)
	assert.Equal(t, srcURI, p.URI)
	var hint HintParams
	h.ed.expect(t, NotifyHint, &hint)
	assert.Contains(t, hint.Message, "already being verified")

	tk, err := h.orch.Task(srcURI)
	require.NoError(t, err)
	assert.Equal(t, task.Verifying, tk.State())
}

func TestVerifyAbortsOtherDocument(t *testing.T) {
	h := newHarness(t)
	configure(t, h, "silicon")
	open(t, h, srcURI, "a")
	open(t, h, otherURI, "b")

	var started bool
	require.NoError(t, h.ed.call(t, MethodVerify, VerifyParams{URI: srcURI}, &started))
	<-h.engine.started
	require.NoError(t, h.ed.call(t, MethodVerify, VerifyParams{URI: otherURI}, &started))
	<-h.engine.started

	var sc StateChangeParams
	h.ed.expect(t, NotifyStateChange, &sc) // srcURI Verifying
	h.ed.expect(t, NotifyStateChange, &sc)
	assert.Equal(t, srcURI, sc.URI)
	assert.Equal(t, task.Ready, sc.NewState)
	assert.True(t, sc.Aborted)
	assert.False(t, sc.VerificationCompleted)
	h.ed.expect(t, NotifyStateChange, &sc)
	assert.Equal(t, otherURI, sc.URI)
	assert.Equal(t, task.Verifying, sc.NewState)
}

func TestStopVerificationAlwaysReportsReady(t *testing.T) {
	h := newHarness(t)
	configure(t, h, "silicon")
	open(t, h, srcURI, "x")

	var ok bool
	require.NoError(t, h.ed.call(t, MethodStopVerification, srcURI, &ok))
	assert.True(t, ok)

	var sc StateChangeParams
	h.ed.expect(t, NotifyStateChange, &sc)
	assert.Equal(t, srcURI, sc.URI)
	assert.Equal(t, task.Ready, sc.NewState)
	assert.False(t, sc.VerificationCompleted)
	assert.False(t, sc.VerificationNeeded)

	// Object form, unknown document: still reported
	require.NoError(t, h.ed.call(t, MethodStopVerification, URIParams{URI: otherURI}, &ok))
	assert.False(t, ok)
	h.ed.expect(t, NotifyStateChange, &sc)
	assert.Equal(t, otherURI, sc.URI)
}

func TestNonSourceDocuments(t *testing.T) {
	h := newHarness(t)
	configure(t, h, "silicon")

	open(t, h, "file:///ws/README.md", "# notes")
	h.ed.quiet(t, NotifyFileOpened)

	var started bool
	require.NoError(t, h.ed.call(t, MethodVerify, VerifyParams{URI: "file:///ws/README.md", ManuallyTriggered: true}, &started))
	assert.False(t, started)
	h.ed.expect(t, NotifyVerificationNotStarted, nil)

	var hint HintParams
	h.ed.expect(t, NotifyHint, &hint)
	assert.Contains(t, hint.Message, "source files")
}

func TestDocumentOpenClose(t *testing.T) {
	h := newHarness(t)
	configure(t, h, "silicon")

	open(t, h, srcURI, "old")
	h.ed.send(t, MethodDidChange, DidChangeParams{
		TextDocument:   TextDocumentIdentifier{URI: srcURI},
		ContentChanges: []ContentChange{{Text: "new"}},
	})
	var started bool
	require.NoError(t, h.ed.call(t, MethodVerify, VerifyParams{URI: srcURI}, &started))
	job := <-h.engine.started
	assert.Equal(t, "new", job.Source)

	h.ed.send(t, MethodDidClose, DidCloseParams{TextDocument: TextDocumentIdentifier{URI: srcURI}})
	var p URIParams
	h.ed.expect(t, NotifyFileClosed, &p)
	assert.Equal(t, srcURI, p.URI)
	_, err := h.orch.Task(srcURI)
	assert.True(t, errs.Is(err, errs.TaskNotFound))
}

func TestRequestBackendNames(t *testing.T) {
	t.Run("several backends", func(t *testing.T) {
		h := newHarness(t)
		configure(t, h, "silicon", "carbon")
		var names []string
		require.NoError(t, h.ed.call(t, MethodRequestBackends, nil, &names))
		assert.Equal(t, []string{"silicon", "carbon"}, names)
		var p BackendNamesParams
		h.ed.expect(t, NotifyAskUserToSelectBackend, &p)
		assert.Equal(t, []string{"silicon", "carbon"}, p.Names)

		var ok bool
		require.NoError(t, h.ed.call(t, MethodSelectBackend, "carbon", &ok))
		assert.True(t, ok)
		assert.Equal(t, "carbon", h.orch.Current().Name)
	})

	t.Run("single backend", func(t *testing.T) {
		h := newHarness(t)
		configure(t, h, "silicon")
		require.NoError(t, h.ed.call(t, MethodRequestBackends, nil, new([]string)))
		var hint HintParams
		h.ed.expect(t, NotifyHint, &hint)
		assert.Contains(t, hint.Message, "less than two backends")
		h.ed.quiet(t, NotifyAskUserToSelectBackend)
	})
}

func TestSelectUnknownBackendIsAnError(t *testing.T) {
	h := newHarness(t)
	configure(t, h, "silicon", "carbon")

	var ok bool
	err := h.ed.call(t, MethodSelectBackend, map[string]string{"name": "gobra"}, &ok)
	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)
	require.NotNil(t, rpcErr.Data)
	var data ErrorData
	require.NoError(t, json.Unmarshal(*rpcErr.Data, &data))
	assert.Equal(t, string(errs.ConfigInvalid), data.Kind)
}

func TestInvalidConfigurationDisablesVerification(t *testing.T) {
	h := newHarness(t)
	h.ed.send(t, MethodDidChangeConfig, map[string]any{
		"settings": map[string]any{"verifyd": map[string]any{"verificationBackends": []any{}}},
	})
	var hint HintParams
	h.ed.expect(t, NotifyHint, &hint)
	assert.Contains(t, hint.Message, "Invalid verifyd settings")

	open(t, h, srcURI, "x")
	var started bool
	require.NoError(t, h.ed.call(t, MethodVerify, VerifyParams{URI: srcURI}, &started))
	assert.False(t, started)
	h.ed.expect(t, NotifyVerificationNotStarted, nil)
}

func TestUnreadableConfigurationDisablesVerification(t *testing.T) {
	h := newHarness(t)
	configure(t, h, "silicon")
	open(t, h, srcURI, "x")

	h.ed.send(t, MethodDidChangeConfig, map[string]any{
		"settings": map[string]any{"verifyd": map[string]any{"verificationBackends": "oops"}},
	})
	var hint HintParams
	h.ed.expect(t, NotifyHint, &hint)
	assert.Contains(t, hint.Message, "verification is disabled")

	var started bool
	require.NoError(t, h.ed.call(t, MethodVerify, VerifyParams{URI: srcURI, ManuallyTriggered: true}, &started))
	assert.False(t, started)
	h.ed.expect(t, NotifyVerificationNotStarted, nil)

	// Readable settings re-enable verification
	configure(t, h, "silicon")
	require.NoError(t, h.ed.call(t, MethodVerify, VerifyParams{URI: srcURI}, &started))
	assert.True(t, started)
}

func TestShowHeap(t *testing.T) {
	h := newHarness(t)
	configure(t, h, "silicon")
	open(t, h, srcURI, "x")

	var view HeapView
	err := h.ed.call(t, MethodShowHeap, ShowHeapParams{URI: otherURI}, &view)
	assertErrorKind(t, err, errs.TaskNotFound)

	err = h.ed.call(t, MethodShowHeap, ShowHeapParams{URI: srcURI, ClientIndex: 0}, &view)
	assertErrorKind(t, err, errs.StepNotFound)

	h.engine.steps = []engine.Step{{Index: 0, Position: "3:4"}, {Index: 1, Position: "5:2"}}
	var started bool
	require.NoError(t, h.ed.call(t, MethodVerify, VerifyParams{URI: srcURI}, &started))
	<-h.engine.started

	require.NoError(t, h.ed.call(t, MethodShowHeap, ShowHeapParams{URI: srcURI, ClientIndex: 1}, &view))
	assert.Equal(t, "5:2", view.Step.Position)
	assert.Equal(t, 1, view.ClientIndex)
	require.Len(t, h.debug.heaps, 1)
	assert.Equal(t, "5:2", h.debug.heaps[0].Position)

	h.ed.send(t, MethodStopDebugging, nil)
	require.NoError(t, h.ed.call(t, MethodInitialize, InitializeParams{}, new(InitializeResult)))
	assert.Equal(t, 1, h.debug.stopped)
}

func assertErrorKind(t *testing.T, err error, code errs.Code) {
	t.Helper()
	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	require.NotNil(t, rpcErr.Data)
	var data ErrorData
	require.NoError(t, json.Unmarshal(*rpcErr.Data, &data))
	assert.Equal(t, string(code), data.Kind)
}

func TestHandlerFaultsAreIsolated(t *testing.T) {
	h := newHarness(t)
	h.med.handlers["Boom"] = func(context.Context, *jsonrpc2.Conn, json.RawMessage) (any, error) {
		panic("kaboom")
	}

	err := h.ed.call(t, "Boom", nil, nil)
	assertErrorKind(t, err, errs.Internal)

	// A panicking notification becomes a hint
	h.ed.send(t, "Boom", nil)
	var hint HintParams
	h.ed.expect(t, NotifyHint, &hint)
	assert.Contains(t, hint.Message, "kaboom")

	// Malformed params are an error response, not a crash
	err = h.ed.call(t, MethodVerify, "not an object", nil)
	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)

	err = h.ed.call(t, "NoSuchMethod", nil, nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)

	// The mediator keeps serving
	var res InitializeResult
	require.NoError(t, h.ed.call(t, MethodInitialize, nil, &res))
}

func TestTransitionsReachEditor(t *testing.T) {
	h := newHarness(t)
	// Make sure the connection is up before pushing from outside a handler
	require.NoError(t, h.ed.call(t, MethodInitialize, nil, new(InitializeResult)))

	h.med.OnTransition(engine.Transition{From: engine.Starting, To: engine.Ready, Backend: "silicon"})
	var p BackendStartedParams
	h.ed.expect(t, NotifyBackendStarted, &p)
	assert.Equal(t, "silicon", p.Name)

	h.med.OnTransition(engine.Transition{From: engine.Busy, To: engine.Stopped, Backend: "silicon", Err: errors.New("engine exited (code 1)")})
	var hint HintParams
	h.ed.expect(t, NotifyHint, &hint)
	assert.Contains(t, hint.Message, "engine exited")
}

func TestDisposeAndExit(t *testing.T) {
	h := newHarness(t)
	configure(t, h, "silicon")

	require.NoError(t, h.ed.call(t, MethodDispose, nil, nil))
	h.engine.mu.Lock()
	assert.Equal(t, 1, h.engine.kills)
	assert.GreaterOrEqual(t, h.engine.stops, 1)
	h.engine.mu.Unlock()

	require.NoError(t, h.ed.call(t, MethodShutdown, nil, nil))
	h.ed.send(t, MethodExit, nil)

	select {
	case err := <-h.served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after exit")
	}
	select {
	case <-h.med.Exited():
	default:
		t.Error("Exited not closed")
	}
}
