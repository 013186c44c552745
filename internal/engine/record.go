package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/benaskins/verifyd/internal/driver"
)

// Record is the persisted description of a running engine, used to find
// and kill engines orphaned by a verifyd that died without stopping them.
type Record struct {
	PID       int    `json:"pid"`
	Backend   string `json:"backend"`
	Command   string `json:"command,omitempty"`
	Port      int    `json:"port,omitempty"`
	StartedAt int64  `json:"started_at"`           // Unix timestamp
	ProcStart int64  `json:"proc_start,omitempty"` // OS start time, guards against PID reuse
	Owner     int    `json:"owner"`                // verifyd PID
}

// daemonRecord pairs the record file with the lock that marks its owner as
// alive. The lock is held for as long as this process runs an engine.
type daemonRecord struct {
	path string
	lock *flock.Flock
}

func newDaemonRecord(dir string) *daemonRecord {
	return &daemonRecord{
		path: filepath.Join(dir, "engine.json"),
		lock: flock.New(filepath.Join(dir, "engine.lock")),
	}
}

// acquire takes the engine lock. It fails if another live verifyd holds it.
func (r *daemonRecord) acquire() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	ok, err := r.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring engine lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("engine lock %s is held by another verifyd", r.lock.Path())
	}
	return nil
}

func (r *daemonRecord) release() error {
	if !r.lock.Locked() {
		return nil
	}
	return r.lock.Unlock()
}

func (r *daemonRecord) load() (*Record, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading engine record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing engine record: %w", err)
	}
	return &rec, nil
}

func (r *daemonRecord) save(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

func (r *daemonRecord) remove() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// reap kills the engine named by a leftover record, if it is still alive,
// and removes the record. It returns the PID it killed, or 0.
func (r *daemonRecord) reap(logger *slog.Logger) (int, error) {
	rec, err := r.load()
	if err != nil {
		// A corrupt record cannot name a process; drop it
		logger.Warn("discarding unreadable engine record", "path", r.path, "error", err)
		return 0, r.remove()
	}
	if rec == nil {
		return 0, nil
	}
	killed := 0
	if driver.SameProcess(rec.PID, rec.ProcStart) {
		logger.Warn("killing orphaned engine", "pid", rec.PID, "backend", rec.Backend, "owner", rec.Owner)
		if err := driver.KillGroup(rec.PID); err != nil {
			return 0, fmt.Errorf("killing orphaned engine %d: %w", rec.PID, err)
		}
		killed = rec.PID
	}
	if killed == 0 && driver.Alive(rec.PID) {
		logger.Info("recorded engine PID now belongs to another process, leaving it", "pid", rec.PID)
	}
	return killed, r.remove()
}

// ReadRecord returns the engine record in stateDir, or nil if there is none.
func ReadRecord(stateDir string) (*Record, error) {
	return newDaemonRecord(stateDir).load()
}
