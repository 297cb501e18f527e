// Package process spawns and terminates the supervisor's child processes.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tessera-app/supervisor/internal/logbuf"
	"github.com/tessera-app/supervisor/internal/plan"
)

const (
	// killWait bounds how long Terminate waits for a reap after SIGKILL.
	killWait = 5 * time.Second

	// outputDrain bounds how long Wait keeps copying output after exit,
	// in case a grandchild still holds the pipes open.
	outputDrain = 2 * time.Second
)

// Options carries launch-time settings that are not part of the plan.
type Options struct {
	Group    string
	Port     int // injected as PORT when non-zero
	Logger   *slog.Logger
	BufLines int // ring buffer size, 0 for default

	// ForwardRate limits forwarded output lines per second (forward_output).
	// Zero means 50 lines/s with a burst of 100.
	ForwardRate  rate.Limit
	ForwardBurst int
}

// Info is a point-in-time view of a handle.
type Info struct {
	Name      string    `json:"name"`
	Group     string    `json:"group"`
	PID       int       `json:"pid"`
	Port      int       `json:"port,omitempty"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Handle wraps one spawned OS process.
type Handle struct {
	name      string
	group     string
	pid       int
	port      int
	startedAt time.Time
	startTime int64 // OS start time, for ledger identity checks
	cmd       *exec.Cmd
	buf       *logbuf.Ring
	logger    *slog.Logger
	done      chan struct{}

	mu       sync.Mutex
	running  bool
	exitCode int
	exitErr  string
}

// Spawn launches the process described by spec. Its stdout and stderr are
// captured into an in-memory ring (or discarded) and never inherited.
func Spawn(spec plan.ProcessSpec, opts Options) (*Handle, error) {
	exe := spec.ResolveExecutable()
	fail := func(err error) (*Handle, error) {
		return nil, &SpawnError{Process: spec.Name, Group: opts.Group, Executable: exe, Err: err}
	}

	info, err := os.Stat(spec.WorkingDir)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrWorkingDir, err))
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("%w: %s is not a directory", ErrWorkingDir, spec.WorkingDir))
	}

	info, err = os.Stat(exe)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrExecutableNotFound, err))
	}
	if info.IsDir() {
		return fail(fmt.Errorf("%w: %s is a directory", ErrExecutableNotFound, exe))
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("process", spec.Name, "group", opts.Group)

	cmd := exec.Command(exe, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = buildEnv(spec.Env, opts.Port)
	cmd.WaitDelay = outputDrain
	setProcessGroup(cmd)

	var buf *logbuf.Ring
	if spec.Output != plan.OutputDiscard {
		buf = logbuf.New(opts.BufLines)
		if spec.ForwardOutput {
			buf.Tee(newForwarder(logger, opts.ForwardRate, opts.ForwardBurst).line)
		}
		// exec copies through a pipe when the writer is not an *os.File
		cmd.Stdout = buf
		cmd.Stderr = buf
	}

	if err := cmd.Start(); err != nil {
		return fail(err)
	}

	h := &Handle{
		name:      spec.Name,
		group:     opts.Group,
		pid:       cmd.Process.Pid,
		port:      opts.Port,
		startedAt: time.Now(),
		cmd:       cmd,
		buf:       buf,
		logger:    logger.With("pid", cmd.Process.Pid),
		done:      make(chan struct{}),
		running:   true,
	}
	if st, err := StartTime(h.pid); err == nil {
		h.startTime = st
	}

	go h.reap()
	return h, nil
}

func buildEnv(extra map[string]string, port int) []string {
	env := os.Environ()
	if port != 0 {
		env = append(env, "PORT="+strconv.Itoa(port))
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	if h.buf != nil {
		h.buf.Flush()
	}

	h.mu.Lock()
	h.running = false
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.exitCode = exitErr.ExitCode()
		}
		h.exitErr = err.Error()
	}
	code := h.exitCode
	h.mu.Unlock()

	h.logger.Debug("process exited", "exit_code", code)
	close(h.done)
}

// Terminate sends SIGTERM to the process group and waits up to timeout for
// the process to be reaped, then escalates to SIGKILL. A process that has
// already exited, or vanishes before it can be signalled, counts as success.
func (h *Handle) Terminate(timeout time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if timeout > 0 {
		if err := signalGroup(h.pid, sigTerm); err != nil && !isProcessGone(err) {
			h.logger.Warn("sending SIGTERM failed", "error", err)
		}
		select {
		case <-h.done:
			return nil
		case <-time.After(timeout):
			h.logger.Warn("process ignored SIGTERM, killing", "timeout", timeout)
		}
	}

	if err := signalGroup(h.pid, sigKill); err != nil && !isProcessGone(err) {
		h.logger.Warn("sending SIGKILL failed", "error", err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(killWait):
		return &TerminationError{Process: h.name, PID: h.pid, Err: fmt.Errorf("not reaped %s after SIGKILL", killWait)}
	}
}

func (h *Handle) Name() string         { return h.name }
func (h *Handle) Group() string        { return h.group }
func (h *Handle) PID() int             { return h.pid }
func (h *Handle) Port() int            { return h.port }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// StartTime returns the OS-reported start time recorded at spawn, or 0.
func (h *Handle) StartTime() int64 { return h.startTime }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Running reports whether the process is still alive.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Wait blocks until the process exits and returns its exit code.
func (h *Handle) Wait() int {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Info{
		Name:      h.name,
		Group:     h.group,
		PID:       h.pid,
		Port:      h.port,
		Running:   h.running,
		StartedAt: h.startedAt,
		ExitCode:  h.exitCode,
		Error:     h.exitErr,
	}
}

// LogLines returns the last n captured output lines. Nil when output is
// discarded.
func (h *Handle) LogLines(n int) []string {
	if h.buf == nil {
		return nil
	}
	return h.buf.Last(n)
}
