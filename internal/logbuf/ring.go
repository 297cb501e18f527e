// Package logbuf keeps the tail of a child process's output in memory.
package logbuf

import (
	"bytes"
	"strings"
	"sync"
)

// DefaultLines is the ring size used when a caller passes n <= 0.
const DefaultLines = 1000

// Ring is a thread-safe ring buffer that stores the last N lines of output.
// It implements io.Writer so it can be attached to a process's stdout and
// stderr at the same time.
type Ring struct {
	mu    sync.Mutex
	lines []string
	pos   int
	full  bool
	total int
	// partial holds an incomplete line (no trailing newline yet)
	partial bytes.Buffer
	tee     func(line string)
}

// New creates a ring buffer that stores the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = DefaultLines
	}
	return &Ring{lines: make([]string, n)}
}

// Tee registers fn to receive every complete line as it is written. fn is
// called with the ring's lock held and must not call back into the ring.
func (r *Ring) Tee(fn func(line string)) {
	r.mu.Lock()
	r.tee = fn
	r.mu.Unlock()
}

// Write implements io.Writer. Splits input on newlines and stores each line.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partial.Write(p)
	for {
		line, err := r.partial.ReadString('\n')
		if err != nil {
			r.partial.Reset()
			r.partial.WriteString(line)
			break
		}
		r.add(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush stores any buffered partial line. Called once the writer side has
// closed so a final line without a newline is not lost.
func (r *Ring) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.partial.Len() == 0 {
		return
	}
	line := r.partial.String()
	r.partial.Reset()
	r.add(line)
}

func (r *Ring) add(line string) {
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % len(r.lines)
	if r.pos == 0 {
		r.full = true
	}
	r.total++
	if r.tee != nil {
		r.tee(line)
	}
}

// Lines returns all stored lines in order, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]string, r.pos)
		copy(out, r.lines[:r.pos])
		return out
	}

	size := len(r.lines)
	out := make([]string, size)
	copy(out, r.lines[r.pos:])
	copy(out[size-r.pos:], r.lines[:r.pos])
	return out
}

// Last returns the last n lines. If fewer lines exist, returns all of them.
func (r *Ring) Last(n int) []string {
	all := r.Lines()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Total returns the number of lines ever written, including evicted ones.
func (r *Ring) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
