// Package protocol mediates between the editor and the orchestrator over
// JSON-RPC. Messages are handled one at a time; a failing or panicking
// handler is logged, counted and reported, and never takes the process down.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"runtime/debug"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/benaskins/verifyd/internal/engine"
	"github.com/benaskins/verifyd/internal/errs"
	"github.com/benaskins/verifyd/internal/metrics"
	"github.com/benaskins/verifyd/internal/orchestrator"
	"github.com/benaskins/verifyd/internal/settings"
	"github.com/benaskins/verifyd/internal/task"
)

// Debugger is the debug subsystem as seen by the mediator.
type Debugger interface {
	Start() error
	StopDebugging()
	ShowHeap(uri string, index int, step engine.Step) error
}

type handlerFunc func(ctx context.Context, conn *jsonrpc2.Conn, params json.RawMessage) (any, error)

// Mediator implements jsonrpc2.Handler.
type Mediator struct {
	orch     *orchestrator.Orchestrator
	logger   *slog.Logger
	debugger Debugger
	metrics  *metrics.Metrics
	setLevel func(string) error
	version  string
	handlers map[string]handlerFunc

	mu   sync.Mutex
	conn *jsonrpc2.Conn
	exit chan struct{}
	once sync.Once
}

// Option configures the mediator.
type Option func(*Mediator)

// WithDebugger attaches the debug subsystem.
func WithDebugger(d Debugger) Option {
	return func(m *Mediator) { m.debugger = d }
}

// WithMetrics records handled messages and runs.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mediator) { m.metrics = mt }
}

// WithLevelSetter applies the log_level setting whenever settings change.
func WithLevelSetter(fn func(string) error) Option {
	return func(m *Mediator) { m.setLevel = fn }
}

// WithVersion sets the version reported on initialize.
func WithVersion(v string) Option {
	return func(m *Mediator) { m.version = v }
}

// New creates a mediator for orch.
func New(orch *orchestrator.Orchestrator, logger *slog.Logger, opts ...Option) *Mediator {
	m := &Mediator{
		orch:   orch,
		logger: logger.With("component", "protocol"),
		exit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.handlers = map[string]handlerFunc{
		MethodInitialize:       m.initialize,
		MethodInitialized:      noop,
		MethodShutdown:         m.shutdown,
		MethodExit:             m.exitServer,
		MethodDidChangeConfig:  m.didChangeConfiguration,
		MethodDidOpen:          m.didOpen,
		MethodDidChange:        m.didChange,
		MethodDidClose:         m.didClose,
		MethodSelectBackend:    m.selectBackend,
		MethodRequestBackends:  m.requestBackendNames,
		MethodVerify:           m.verify,
		MethodStopVerification: m.stopVerification,
		MethodStopDebugging:    m.stopDebugging,
		MethodShowHeap:         m.showHeap,
		MethodDispose:          m.dispose,
	}
	return m
}

// Serve runs the protocol over rwc with VS Code header framing until the
// editor sends exit, the connection drops, or ctx is cancelled.
func (m *Mediator) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	conn := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}), m)
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.logger.Info("protocol connection open")
	select {
	case <-conn.DisconnectNotify():
		m.logger.Info("editor disconnected")
	case <-m.exit:
		conn.Close()
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
	return nil
}

// Exited is closed once the editor has sent exit.
func (m *Mediator) Exited() <-chan struct{} {
	return m.exit
}

// Handle implements jsonrpc2.Handler. It is invoked for one message at a time.
func (m *Mediator) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	m.mu.Lock()
	if m.conn == nil {
		m.conn = conn
	}
	m.mu.Unlock()

	h, ok := m.handlers[req.Method]
	if !ok {
		if req.Notif {
			m.logger.Debug("ignoring notification", "method", req.Method)
			return
		}
		m.replyError(ctx, conn, req, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: "method not found: " + req.Method,
		})
		return
	}

	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	result, err := m.safeCall(ctx, conn, req.Method, h, params)
	m.metrics.ObserveRequest(req.Method, err)

	if req.Notif {
		if err != nil {
			m.logger.Error("notification failed", "method", req.Method, "error", err)
			m.hint(ctx, fmt.Sprintf("%s failed: %v", req.Method, err))
		}
		return
	}
	if err != nil {
		m.logger.Warn("request failed", "method", req.Method, "error", err)
		m.replyError(ctx, conn, req, toRPCError(err))
		return
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		m.logger.Warn("sending reply", "method", req.Method, "error", err)
	}
}

func (m *Mediator) safeCall(ctx context.Context, conn *jsonrpc2.Conn, method string, h handlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panicked", "method", method, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = errs.New(errs.Internal, method, fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	return h(ctx, conn, params)
}

func (m *Mediator) replyError(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, rpcErr *jsonrpc2.Error) {
	if err := conn.ReplyWithError(ctx, req.ID, rpcErr); err != nil {
		m.logger.Warn("sending error reply", "method", req.Method, "error", err)
	}
}

func toRPCError(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	code := errs.CodeOf(err)
	rpcCode := int64(jsonrpc2.CodeInternalError)
	switch code {
	case errs.TaskNotFound, errs.StepNotFound, errs.NotSourceFile, errs.ConfigInvalid:
		rpcCode = jsonrpc2.CodeInvalidParams
	}
	data, _ := json.Marshal(ErrorData{Kind: string(code)})
	raw := json.RawMessage(data)
	return &jsonrpc2.Error{Code: rpcCode, Message: err.Error(), Data: &raw}
}

func invalidParams(err error) error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return invalidParams(errors.New("missing params"))
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

// notify sends a notification on the current connection, if any. Failures
// are logged; the editor may already be gone.
func (m *Mediator) notify(ctx context.Context, method string, params any) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Notify(ctx, method, params); err != nil {
		m.logger.Debug("notification not delivered", "method", method, "error", err)
	}
}

func (m *Mediator) hint(ctx context.Context, msg string) {
	m.notify(ctx, NotifyHint, HintParams{Message: msg})
}

// OnUpdate forwards task state changes to the editor. It is registered as an
// orchestrator update hook.
func (m *Mediator) OnUpdate(u task.Update) {
	m.metrics.ObserveUpdate(u)
	p := StateChangeParams{
		URI:                   u.URI,
		NewState:              u.State,
		VerificationCompleted: u.Completed,
		VerificationNeeded:    u.Completed && u.Err != nil,
		Success:               u.Success,
		ManuallyTriggered:     u.Manual,
		Aborted:               u.Aborted,
		Diagnostics:           u.Diagnostics,
		Time:                  u.Duration.Seconds(),
	}
	if u.Err != nil {
		p.Error = u.Err.Error()
		p.ErrorKind = string(errs.CodeOf(u.Err))
	}
	m.notify(context.Background(), NotifyStateChange, p)
}

// OnEvent forwards engine stages to the editor log.
func (m *Mediator) OnEvent(uri string, ev engine.Event) {
	if ev.Stage == nil {
		return
	}
	level, status := "info", "ok"
	if !ev.Stage.OK {
		level, status = "warn", "failed"
	}
	msg := fmt.Sprintf("%s: stage %s %s", uri, ev.Stage.Name, status)
	if ev.Stage.Message != "" {
		msg += ": " + ev.Stage.Message
	}
	m.notify(context.Background(), NotifyLog, LogParams{Message: msg, Level: level})
}

// OnTransition reports engine lifecycle changes. It is registered as a
// supervisor observer.
func (m *Mediator) OnTransition(tr engine.Transition) {
	m.metrics.ObserveTransition(tr)
	ctx := context.Background()
	switch {
	case tr.To == engine.Ready && tr.From == engine.Starting:
		m.notify(ctx, NotifyBackendStarted, BackendStartedParams{Name: tr.Backend})
	case tr.To == engine.Stopped && tr.Err != nil:
		m.hint(ctx, fmt.Sprintf("Verification backend %s stopped: %v", tr.Backend, tr.Err))
	}
}

func noop(context.Context, *jsonrpc2.Conn, json.RawMessage) (any, error) {
	return nil, nil
}

func (m *Mediator) initialize(ctx context.Context, _ *jsonrpc2.Conn, params json.RawMessage) (any, error) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
	}
	root := p.RootPath
	if u, err := url.Parse(p.RootURI); err == nil && u.Scheme == "file" {
		root = u.Path
	}
	m.orch.SetWorkspace(root)

	if m.debugger != nil {
		if err := m.debugger.Start(); err != nil {
			// Verification works without a debugger
			m.logger.Warn("debug subsystem unavailable", "error", err)
		}
	}
	return InitializeResult{
		Capabilities: ServerCapabilities{TextDocumentSync: 1},
		ServerInfo:   ServerInfo{Name: "verifyd", Version: m.version},
	}, nil
}

func (m *Mediator) shutdown(ctx context.Context, _ *jsonrpc2.Conn, _ json.RawMessage) (any, error) {
	if err := m.orch.Shutdown(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *Mediator) exitServer(context.Context, *jsonrpc2.Conn, json.RawMessage) (any, error) {
	m.once.Do(func() { close(m.exit) })
	return nil, nil
}

func (m *Mediator) didChangeConfiguration(ctx context.Context, _ *jsonrpc2.Conn, params json.RawMessage) (any, error) {
	s, err := settings.FromChange(params)
	if err != nil {
		err = m.orch.RejectSettings(err)
	} else {
		err = m.orch.ApplySettings(ctx, s)
	}
	if errs.Is(err, errs.ConfigInvalid) {
		m.hint(ctx, "Invalid verifyd settings, verification is disabled: "+err.Error())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.setLevel != nil && s.LogLevel != "" {
		if err := m.setLevel(s.LogLevel); err != nil {
			m.logger.Warn("ignoring log level", "error", err)
		}
	}
	return nil, nil
}

func (m *Mediator) didOpen(ctx context.Context, _ *jsonrpc2.Conn, params json.RawMessage) (any, error) {
	var p DidOpenParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if m.orch.DocumentOpened(p.TextDocument.URI, p.TextDocument.Text) {
		m.metrics.SetOpenDocuments(len(m.orch.Tasks()))
		m.notify(ctx, NotifyFileOpened, URIParams{URI: p.TextDocument.URI})
	}
	return nil, nil
}

func (m *Mediator) didChange(_ context.Context, _ *jsonrpc2.Conn, params json.RawMessage) (any, error) {
	var p DidChangeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	// Full sync: the last change carries the whole document
	if n := len(p.ContentChanges); n > 0 {
		m.orch.DocumentChanged(p.TextDocument.URI, p.ContentChanges[n-1].Text)
	}
	return nil, nil
}

func (m *Mediator) didClose(ctx context.Context, _ *jsonrpc2.Conn, params json.RawMessage) (any, error) {
	var p DidCloseParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if m.orch.DocumentClosed(p.TextDocument.URI) {
		m.metrics.SetOpenDocuments(len(m.orch.Tasks()))
		m.notify(ctx, NotifyFileClosed, URIParams{URI: p.TextDocument.URI})
	}
	return nil, nil
}

func (m *Mediator) selectBackend(ctx context.Context, _ *jsonrpc2.Conn, params json.RawMessage) (any, error) {
	name, err := nameParam(params)
	if err != nil {
		return nil, invalidParams(err)
	}
	if err := m.orch.SelectBackendByName(ctx, name); err != nil {
		return nil, err
	}
	return true, nil
}

func (m *Mediator) requestBackendNames(ctx context.Context, _ *jsonrpc2.Conn, _ json.RawMessage) (any, error) {
	names := m.orch.BackendNames()
	if len(names) > 1 {
		m.notify(ctx, NotifyAskUserToSelectBackend, BackendNamesParams{Names: names})
	} else {
		m.hint(ctx, "There are less than two backends, selecting does not make sense.")
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (m *Mediator) verify(ctx context.Context, _ *jsonrpc2.Conn, params json.RawMessage) (any, error) {
	var p VerifyParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Workspace != "" {
		m.orch.SetWorkspace(p.Workspace)
	}

	err := m.orch.StartOrRestartVerification(ctx, p.URI, p.ManuallyTriggered)
	if err == nil {
		return true, nil
	}

	m.logger.Info("verification not started", "uri", p.URI, "reason", err)
	m.notify(ctx, NotifyVerificationNotStarted, URIParams{URI: p.URI})
	if msg := hintFor(err); msg != "" && p.ManuallyTriggered {
		m.hint(ctx, msg)
	}
	return false, nil
}

func hintFor(err error) string {
	switch errs.CodeOf(err) {
	case errs.AlreadyRunning:
		return "This file is already being verified."
	case errs.NotSourceFile:
		return "Only verifiable source files can be verified."
	case errs.BackendNotReady:
		return "The verification backend is not ready yet."
	case errs.ConfigInvalid:
		return "Verification is disabled until the verifyd settings are fixed."
	}
	return "Verification could not be started: " + err.Error()
}

func (m *Mediator) stopVerification(ctx context.Context, _ *jsonrpc2.Conn, params json.RawMessage) (any, error) {
	uri, err := uriParam(params)
	if err != nil {
		return nil, invalidParams(err)
	}
	err = m.orch.StopVerification(uri)
	if err != nil {
		m.logger.Debug("stop verification", "uri", uri, "error", err)
	}
	m.notify(ctx, NotifyStateChange, StateChangeParams{
		URI:                   uri,
		NewState:              task.Ready,
		VerificationCompleted: false,
		VerificationNeeded:    false,
	})
	return err == nil, nil
}

func (m *Mediator) stopDebugging(context.Context, *jsonrpc2.Conn, json.RawMessage) (any, error) {
	if m.debugger != nil {
		m.debugger.StopDebugging()
	}
	return nil, nil
}

func (m *Mediator) showHeap(_ context.Context, _ *jsonrpc2.Conn, params json.RawMessage) (any, error) {
	var p ShowHeapParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	step, err := m.orch.Step(p.URI, p.ClientIndex)
	if err != nil {
		return nil, err
	}
	if m.debugger != nil {
		if err := m.debugger.ShowHeap(p.URI, p.ClientIndex, step); err != nil {
			m.logger.Warn("forwarding heap view", "error", err)
		}
	}
	return HeapView{URI: p.URI, ClientIndex: p.ClientIndex, Step: step}, nil
}

func (m *Mediator) dispose(ctx context.Context, _ *jsonrpc2.Conn, _ json.RawMessage) (any, error) {
	if err := m.orch.Dispose(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}
