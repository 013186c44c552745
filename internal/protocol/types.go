package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/benaskins/verifyd/internal/engine"
	"github.com/benaskins/verifyd/internal/task"
)

// Editor -> server.
const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "initialized"
	MethodShutdown         = "shutdown"
	MethodExit             = "exit"
	MethodDidChangeConfig  = "workspace/didChangeConfiguration"
	MethodDidOpen          = "textDocument/didOpen"
	MethodDidChange        = "textDocument/didChange"
	MethodDidClose         = "textDocument/didClose"
	MethodSelectBackend    = "SelectBackend"
	MethodRequestBackends  = "RequestBackendNames"
	MethodVerify           = "Verify"
	MethodStopVerification = "StopVerification"
	MethodStopDebugging    = "StopDebugging"
	MethodShowHeap         = "ShowHeap"
	MethodDispose          = "Dispose"
)

// Server -> editor.
const (
	NotifyStateChange            = "StateChange"
	NotifyVerificationNotStarted = "VerificationNotStarted"
	NotifyFileOpened             = "FileOpened"
	NotifyFileClosed             = "FileClosed"
	NotifyHint                   = "Hint"
	NotifyAskUserToSelectBackend = "AskUserToSelectBackend"
	NotifyBackendStarted         = "BackendStarted"
	NotifyLog                    = "Log"
)

type InitializeParams struct {
	RootURI  string `json:"rootUri,omitempty"`
	RootPath string `json:"rootPath,omitempty"`
}

type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   ServerInfo         `json:"serverInfo"`
}

type ServerCapabilities struct {
	// TextDocumentSync 1 is full-text sync.
	TextDocumentSync int `json:"textDocumentSync"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId,omitempty"`
	Version    int    `json:"version,omitempty"`
	Text       string `json:"text"`
}

type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

type DidOpenParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

type ContentChange struct {
	Text string `json:"text"`
}

type DidChangeParams struct {
	TextDocument   TextDocumentIdentifier `json:"textDocument"`
	ContentChanges []ContentChange        `json:"contentChanges"`
}

type DidCloseParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

type VerifyParams struct {
	URI               string `json:"uri"`
	ManuallyTriggered bool   `json:"manuallyTriggered"`
	Workspace         string `json:"workspace,omitempty"`
}

type ShowHeapParams struct {
	URI         string `json:"uri"`
	ClientIndex int    `json:"clientIndex"`
}

// HeapView is the reply to ShowHeap.
type HeapView struct {
	URI         string      `json:"uri"`
	ClientIndex int         `json:"clientIndex"`
	Step        engine.Step `json:"step"`
}

type StateChangeParams struct {
	URI                   string              `json:"uri"`
	NewState              task.State          `json:"newState"`
	VerificationCompleted bool                `json:"verificationCompleted"`
	VerificationNeeded    bool                `json:"verificationNeeded"`
	Success               bool                `json:"success"`
	ManuallyTriggered     bool                `json:"manuallyTriggered"`
	Aborted               bool                `json:"aborted,omitempty"`
	Diagnostics           []engine.Diagnostic `json:"diagnostics,omitempty"`
	Time                  float64             `json:"time,omitempty"` // seconds
	Error                 string              `json:"error,omitempty"`
	ErrorKind             string              `json:"errorKind,omitempty"`
}

type URIParams struct {
	URI string `json:"uri"`
}

type HintParams struct {
	Message string `json:"message"`
}

type BackendNamesParams struct {
	Names []string `json:"names"`
}

type BackendStartedParams struct {
	Name string `json:"name"`
}

type LogParams struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// ErrorData is carried in the data field of error responses.
type ErrorData struct {
	Kind string `json:"kind"`
}

// uriParam accepts either a bare string or an object with a uri field.
func uriParam(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var p URIParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("expected a uri: %w", err)
	}
	return p.URI, nil
}

// nameParam accepts either a bare string or an object with a name field.
func nameParam(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var p BackendStartedParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("expected a backend name: %w", err)
	}
	return p.Name, nil
}
