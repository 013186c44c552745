package orchestrator

import (
	"sync"
	"time"
)

// StageRecord is one stage reported by the engine during a run.
type StageRecord struct {
	URI     string    `json:"uri"`
	JobID   string    `json:"job_id"`
	Stage   string    `json:"stage"`
	OK      bool      `json:"ok"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// StageLog is the diagnostic trail of the most recent run. It has its own
// lock because stages arrive from the engine reader while the orchestrator
// lock may be held.
type StageLog struct {
	mu      sync.Mutex
	records []StageRecord
}

// Add appends r, stamping it if At is unset.
func (l *StageLog) Add(r StageRecord) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
}

// Reset empties the log.
func (l *StageLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
}

// Records returns a copy of the log.
func (l *StageLog) Records() []StageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StageRecord(nil), l.records...)
}
