// Package journal keeps an append-only history of verification runs.
//
// Every run that finishes, fails or is aborted, and every backend change, is
// recorded at ~/.verifyd/journal.log as newline-delimited JSON.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benaskins/verifyd/internal/engine"
	"github.com/benaskins/verifyd/internal/task"
)

// Action describes what happened.
type Action string

const (
	ActionVerified       Action = "verified"
	ActionFailed         Action = "failed"
	ActionErrored        Action = "errored"
	ActionAborted        Action = "aborted"
	ActionBackendChanged Action = "backend_changed"
)

// Entry is a single journal record.
type Entry struct {
	Timestamp   time.Time `json:"ts"`
	Action      Action    `json:"action"`
	URI         string    `json:"uri,omitempty"`
	Backend     string    `json:"backend,omitempty"`
	Manual      bool      `json:"manual,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Diagnostics int       `json:"diagnostics,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// FromUpdate builds the entry for a task update. It returns false for updates
// that do not end a run.
func FromUpdate(u task.Update, backend string) (Entry, bool) {
	e := Entry{
		URI:         u.URI,
		Backend:     backend,
		Manual:      u.Manual,
		DurationMS:  u.Duration.Milliseconds(),
		Diagnostics: len(u.Diagnostics),
	}
	switch {
	case u.Aborted:
		e.Action = ActionAborted
	case !u.Completed:
		return Entry{}, false
	case u.Err != nil:
		e.Action = ActionErrored
		e.Error = u.Err.Error()
	case u.Success:
		e.Action = ActionVerified
	default:
		e.Action = ActionFailed
	}
	return e, true
}

// FromTransition builds a backend_changed entry when the engine comes up on a
// backend other than last. Restarts of the same backend are not recorded.
func FromTransition(tr engine.Transition, last string) (Entry, bool) {
	if tr.From != engine.Starting || tr.To != engine.Ready || tr.Backend == last {
		return Entry{}, false
	}
	return Entry{Timestamp: tr.At, Action: ActionBackendChanged, Backend: tr.Backend}, true
}

// Journal writes entries to an append-only file.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates or opens a journal file for appending.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Journal{file: f, path: path}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Log writes an entry.
func (j *Journal) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	return j.file.Close()
}

// Tail returns the last n entries of the journal at path, oldest first.
// Unparseable lines are skipped. A missing journal has no entries.
func Tail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) > n {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("reading journal: %w", err)
	}
	return out, nil
}
