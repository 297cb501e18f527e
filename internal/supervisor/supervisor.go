// Package supervisor launches a plan's service groups in order, tracks every
// spawned process in a single table, and tears them all down on Stop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tessera-app/supervisor/internal/health"
	"github.com/tessera-app/supervisor/internal/journal"
	"github.com/tessera-app/supervisor/internal/notify"
	"github.com/tessera-app/supervisor/internal/plan"
	"github.com/tessera-app/supervisor/internal/port"
	"github.com/tessera-app/supervisor/internal/process"
)

const (
	// DefaultStopTimeout is the grace between SIGTERM and SIGKILL when the
	// plan does not set one.
	DefaultStopTimeout = 5 * time.Second

	notifyQueue = 16
)

// entry is one row of the process table.
type entry struct {
	spec    plan.ProcessSpec
	handle  *process.Handle
	monitor *health.Monitor
	seq     int

	terminating bool // guarded by Supervisor.mu
}

// Supervisor owns the process table. Every read or write of the table, the
// phase and the generation happens under mu.
type Supervisor struct {
	logger      *slog.Logger
	ports       *port.Allocator
	journal     *journal.Journal
	ledger      *ledger
	stopTimeout time.Duration

	mu         sync.Mutex
	plan       *plan.Plan
	phase      Phase
	gen        uint64 // bumped by Start and Stop; a launch only registers handles for its own generation
	table      map[string]*entry
	seq        int
	failed     []string
	current    *plan.Plan // plan of the latest run
	cancel     context.CancelFunc
	launchDone chan struct{}
	launchErr  error
	stopDone   chan struct{}
	sink       *notify.Async
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l.With("component", "supervisor") }
}

// WithPorts sets the allocator used for network.port: 0 processes.
func WithPorts(a *port.Allocator) Option {
	return func(s *Supervisor) { s.ports = a }
}

// WithJournal records lifecycle activity to j.
func WithJournal(j *journal.Journal) Option {
	return func(s *Supervisor) { s.journal = j }
}

// WithLedger persists live PIDs to dir/state.json so a later Start can clean
// up after a crash.
func WithLedger(dir string) Option {
	return func(s *Supervisor) { s.ledger = newLedger(dir) }
}

// WithStopTimeout sets the SIGTERM grace used when the plan has none.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.stopTimeout = d }
}

// New creates an idle supervisor for p. p may be nil and installed later
// with SetPlan.
func New(p *plan.Plan, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:      slog.With("component", "supervisor"),
		ports:       port.NewAllocator(port.DefaultMin, port.DefaultMax),
		stopTimeout: DefaultStopTimeout,
		plan:        p,
		phase:       PhaseIdle,
		table:       make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPlan replaces the plan used by the next Start. A launch already in
// progress keeps the plan it started with.
func (s *Supervisor) SetPlan(p *plan.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
}

func (s *Supervisor) Plan() *plan.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Start begins launching the plan's groups on a background goroutine and
// returns immediately. sink receives backend-ready once the last group has
// settled, or backend-failed if a rollback aborts the run. Delivery is
// asynchronous and failures are only logged.
func (s *Supervisor) Start(sink notify.Sink) error {
	s.mu.Lock()
	switch s.phase {
	case PhaseStarting, PhaseRunning:
		s.mu.Unlock()
		return ErrAlreadyRunning
	case PhaseStopping:
		s.mu.Unlock()
		return ErrStopping
	}
	if s.plan == nil {
		s.mu.Unlock()
		return ErrNoPlan
	}
	if err := s.plan.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid plan: %w", err)
	}
	groups, err := s.plan.StartOrder()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("resolving group order: %w", err)
	}

	if sink == nil {
		sink = notify.Discard
	}
	if old := s.sink; old != nil {
		go old.Close()
	}
	s.sink = notify.NewAsync(sink, notifyQueue, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.gen++
	run := &launchRun{
		s:      s,
		gen:    s.gen,
		ctx:    ctx,
		plan:   s.plan,
		groups: groups,
		logger: s.logger.With("run", s.gen),
	}
	s.phase = PhaseStarting
	s.current = s.plan
	s.failed = nil
	s.cancel = cancel
	s.launchErr = nil
	done := make(chan struct{})
	s.launchDone = done
	s.mu.Unlock()

	s.logger.Info("starting backend", "groups", len(groups), "processes", run.plan.ProcessCount(), "policy", run.plan.FailurePolicy)
	s.journal.Log(journal.Entry{Action: journal.ActionStart, Detail: run.plan.Hash()})

	go run.launch(done)
	return nil
}

// Wait blocks until the current launch sequence has finished and returns
// its spawn errors joined, or ctx's error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.launchDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launchErr
}

// Stop terminates every tracked process and leaves the supervisor Stopped.
// It is safe to call at any time from any goroutine, including while a
// launch is mid-flight; that launch registers nothing further. Concurrent
// callers all return once the teardown has finished.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	switch s.phase {
	case PhaseStopping:
		ch := s.stopDone
		s.mu.Unlock()
		<-ch
		return
	case PhaseIdle, PhaseStopped:
		s.phase = PhaseStopped
		s.mu.Unlock()
		return
	}
	s.phase = PhaseStopping
	s.gen++
	s.stopDone = make(chan struct{})
	stopDone := s.stopDone
	cancel, launchDone := s.cancel, s.launchDone
	timeout := s.timeoutLocked()
	s.mu.Unlock()

	s.logger.Info("stopping backend")

	// wake any settle delay, then let the launch goroutine notice the new
	// generation before taking the table
	cancel()
	<-launchDone

	s.mu.Lock()
	entries := s.entriesLocked()
	s.mu.Unlock()

	s.terminateAll(entries, timeout)

	if err := s.ledger.clear(); err != nil {
		s.logger.Warn("failed to clear state file", "error", err)
	}
	s.journal.Log(journal.Entry{Action: journal.ActionStop, Detail: fmt.Sprintf("%d processes", len(entries))})

	s.mu.Lock()
	s.phase = PhaseStopped
	close(stopDone)
	s.notifyLocked(notify.EventStopped, nil)
	s.mu.Unlock()

	s.logger.Info("backend stopped", "terminated", len(entries))
	s.journalEvent(notify.EventStopped, nil)
}

// Close flushes pending notifications. Call it after the final Stop.
func (s *Supervisor) Close() {
	s.mu.Lock()
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()
	if sink != nil {
		sink.Close()
	}
}

// CheckHealth reports Running when the backend is up and every tracked
// process is alive, and Degraded when any of them has exited, failed to
// spawn, or failed its health probe.
func (s *Supervisor) CheckHealth() HealthStatus {
	return s.Health().Status
}

// Health is CheckHealth with the details.
func (s *Supervisor) Health() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Report{Phase: s.phase, Processes: len(s.table)}
	switch s.phase {
	case PhaseStarting:
		r.Status = HealthStarting
		return r
	case PhaseStopping:
		r.Status = HealthStopping
		return r
	case PhaseIdle, PhaseStopped:
		r.Status = HealthStopped
		return r
	}

	for _, e := range s.entriesLocked() {
		if !e.handle.Running() {
			r.Exited = append(r.Exited, e.handle.Name())
		} else if e.monitor != nil && e.monitor.Status() == health.StatusUnhealthy {
			r.Unhealthy = append(r.Unhealthy, e.handle.Name())
		}
	}
	r.Failed = slices.Clone(s.failed)

	r.Status = HealthRunning
	if len(r.Exited) > 0 || len(r.Unhealthy) > 0 || len(r.Failed) > 0 {
		r.Status = HealthDegraded
	}
	return r
}

// ProcessStatus is the API view of a tracked process.
type ProcessStatus struct {
	process.Info
	Health        health.Status `json:"health,omitempty"`
	HealthMessage string        `json:"health_message,omitempty"`
}

// Processes lists tracked processes in spawn order.
func (s *Supervisor) Processes() []ProcessStatus {
	s.mu.Lock()
	entries := s.entriesLocked()
	s.mu.Unlock()

	out := make([]ProcessStatus, 0, len(entries))
	for _, e := range entries {
		ps := ProcessStatus{Info: e.handle.Info()}
		if e.monitor != nil {
			ps.Health = e.monitor.Status()
			if res := e.monitor.LastResult(); res != nil {
				ps.HealthMessage = res.Message
			}
		}
		out = append(out, ps)
	}
	return out
}

// Logs returns the last n captured output lines of a tracked process.
func (s *Supervisor) Logs(name string, n int) ([]string, error) {
	s.mu.Lock()
	e, ok := s.table[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	return e.handle.LogLines(n), nil
}

// caller holds s.mu
func (s *Supervisor) entriesLocked() []*entry {
	entries := make([]*entry, 0, len(s.table))
	for _, e := range s.table {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int { return a.seq - b.seq })
	return entries
}

// caller holds s.mu
func (s *Supervisor) timeoutLocked() time.Duration {
	if s.current != nil && s.current.StopTimeout.Duration > 0 {
		return s.current.StopTimeout.Duration
	}
	return s.stopTimeout
}

// terminateAll terminates entries in parallel. Each entry leaves the table
// only after its Terminate has returned.
func (s *Supervisor) terminateAll(entries []*entry, timeout time.Duration) {
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.terminate(e, timeout)
		}()
	}
	wg.Wait()
}

func (s *Supervisor) terminate(e *entry, timeout time.Duration) {
	h := e.handle
	s.mu.Lock()
	e.terminating = true
	s.mu.Unlock()
	if e.monitor != nil {
		e.monitor.Stop()
	}

	je := journal.Entry{Action: journal.ActionTerminate, Process: h.Name(), Group: h.Group(), PID: h.PID()}
	if err := h.Terminate(timeout); err != nil {
		s.logger.Error("failed to terminate process", "process", h.Name(), "pid", h.PID(), "error", err)
		je.Error = err.Error()
	} else {
		s.logger.Info("process terminated", "process", h.Name(), "pid", h.PID())
	}
	s.journal.Log(je)

	s.mu.Lock()
	if s.table[h.Name()] == e {
		delete(s.table, h.Name())
	}
	s.mu.Unlock()

	s.ports.Release(h.Name())
	if err := s.ledger.remove(h.Name()); err != nil {
		s.logger.Warn("failed to update state file", "process", h.Name(), "error", err)
	}
}

// watchExit logs a process that dies on its own while it is still tracked.
func (s *Supervisor) watchExit(e *entry) {
	h := e.handle
	<-h.Done()

	s.mu.Lock()
	tracked := s.table[h.Name()] == e && !e.terminating && s.phase != PhaseStopping
	s.mu.Unlock()
	if !tracked {
		return
	}

	info := h.Info()
	s.logger.Warn("process exited unexpectedly", "process", h.Name(), "pid", h.PID(), "exit_code", info.ExitCode)
	s.journal.Log(journal.Entry{Action: journal.ActionExit, Process: h.Name(), Group: h.Group(), PID: h.PID(), Error: info.Error})
}

// notifyLocked queues an event on the current run's sink. Async.Notify never
// blocks. Caller holds s.mu.
func (s *Supervisor) notifyLocked(event string, payload any) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Notify(event, payload); err != nil && !errors.Is(err, notify.ErrClosed) {
		s.logger.Warn("notification failed", "event", event, "error", err)
	}
}

func (s *Supervisor) journalEvent(event string, payload any) {
	if err := s.journal.Notify(event, payload); err != nil {
		s.logger.Warn("failed to journal event", "event", event, "error", err)
	}
}

// reapOrphans kills processes recorded by a supervisor that died without
// stopping them. They are never adopted into the table.
func (s *Supervisor) reapOrphans(timeout time.Duration) {
	records, err := s.ledger.load()
	if err != nil {
		s.logger.Warn("failed to read state file", "error", err)
	}
	for name, rec := range records {
		killed, err := process.KillOrphan(rec.PID, rec.StartTime, timeout)
		switch {
		case err != nil:
			s.logger.Error("failed to kill orphaned process", "process", name, "pid", rec.PID, "error", err)
		case killed:
			s.logger.Warn("killed orphaned process from previous run", "process", name, "pid", rec.PID)
			s.journal.Log(journal.Entry{Action: journal.ActionOrphan, Process: name, Group: rec.Group, PID: rec.PID})
		default:
			s.logger.Debug("stale state entry, process gone or pid reused", "process", name, "pid", rec.PID)
		}
	}
	if len(records) > 0 {
		if err := s.ledger.clear(); err != nil {
			s.logger.Warn("failed to clear state file", "error", err)
		}
	}
}
