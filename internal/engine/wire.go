package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types on the engine's stdin/stdout.
const (
	msgVerify  = "verify"
	msgCancel  = "cancel"
	msgReady   = "ready"
	msgStage   = "stage"
	msgStep    = "step"
	msgVerdict = "verdict"
	msgAborted = "aborted"
	msgLog     = "log"
)

// Diagnostic is one error or warning reported by the engine.
type Diagnostic struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
	Tag     string `json:"tag,omitempty"`
}

// Step is one entry of an execution trace. The core only stores and
// forwards steps; Heap is opaque.
type Step struct {
	Index    int             `json:"index"`
	Position string          `json:"position,omitempty"`
	Formula  string          `json:"formula,omitempty"`
	Heap     json.RawMessage `json:"heap,omitempty"`
}

// Stage reports progress of one verification phase.
type Stage struct {
	Name    string `json:"stage"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Result is the verdict of one verification job.
type Result struct {
	JobID       string        `json:"job_id"`
	Success     bool          `json:"success"`
	Diagnostics []Diagnostic  `json:"diagnostics,omitempty"`
	Duration    time.Duration `json:"duration"`
	Backend     string        `json:"backend"`
}

// Event is a partial result streamed while a job runs. Exactly one of Stage
// and Step is set.
type Event struct {
	JobID string
	Stage *Stage
	Step  *Step
}

type verifyRequest struct {
	Type   string   `json:"type"`
	ID     string   `json:"id"`
	URI    string   `json:"uri"`
	File   string   `json:"file,omitempty"`
	Source string   `json:"source"`
	Args   []string `json:"args,omitempty"`
}

type cancelRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// inbound is the union of everything the engine may print.
type inbound struct {
	Type        string       `json:"type"`
	ID          string       `json:"id,omitempty"`
	Stage       string       `json:"stage,omitempty"`
	OK          bool         `json:"ok,omitempty"`
	Message     string       `json:"message,omitempty"`
	Step        *Step        `json:"step,omitempty"`
	Success     bool         `json:"success,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

var errNotMessage = errors.New("not an engine message")

// decodeInbound parses one stdout line. Lines that are not JSON objects with
// a type are engine chatter and return errNotMessage.
func decodeInbound(line []byte) (inbound, error) {
	var msg inbound
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg, errNotMessage
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", errNotMessage, err)
	}
	if msg.Type == "" {
		return msg, errNotMessage
	}
	return msg, nil
}

func encodeVerify(id string, job Job, args []string) ([]byte, error) {
	return json.Marshal(verifyRequest{
		Type:   msgVerify,
		ID:     id,
		URI:    job.URI,
		File:   job.File,
		Source: job.Source,
		Args:   args,
	})
}

func encodeCancel(id string) ([]byte, error) {
	return json.Marshal(cancelRequest{Type: msgCancel, ID: id})
}
