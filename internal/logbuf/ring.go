// Package logbuf keeps the most recent output lines of the verification engine
// so they can be shown when the engine fails to start or crashes.
package logbuf

import (
	"bytes"
	"strings"
	"sync"
)

// Ring is a thread-safe ring buffer of the last N lines written to it.
// Lines may arrive from several streams; each stream gets its own Writer so
// partial lines from different streams are never spliced together.
type Ring struct {
	mu    sync.Mutex
	lines []string
	size  int
	pos   int
	full  bool
}

// New creates a ring buffer that stores the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{
		lines: make([]string, n),
		size:  n,
	}
}

// Add appends a complete line.
func (r *Ring) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

// Lines returns all stored lines in order, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		result := make([]string, r.pos)
		copy(result, r.lines[:r.pos])
		return result
	}

	result := make([]string, r.size)
	copy(result, r.lines[r.pos:])
	copy(result[r.size-r.pos:], r.lines[:r.pos])
	return result
}

// Last returns the last n lines. If fewer lines exist, returns all of them.
func (r *Ring) Last(n int) []string {
	all := r.Lines()
	if n < 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Tail joins the last n lines, for embedding in error messages.
func (r *Ring) Tail(n int) string {
	return strings.Join(r.Last(n), "\n")
}

// Writer returns an io.Writer that splits its input into lines, prefixes each
// with prefix (if non-empty) and stores them.
func (r *Ring) Writer(prefix string) *StreamWriter {
	return &StreamWriter{ring: r, prefix: prefix}
}

// StreamWriter feeds one output stream into a Ring.
type StreamWriter struct {
	ring   *Ring
	prefix string

	mu      sync.Mutex
	partial bytes.Buffer
}

// Write implements io.Writer. Incomplete trailing lines are held until the
// next write completes them.
func (w *StreamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial.Write(p)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			w.partial.Reset()
			w.partial.WriteString(line)
			break
		}
		w.ring.Add(w.prefix + strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}
