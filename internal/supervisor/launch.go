package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tessera-app/supervisor/internal/health"
	"github.com/tessera-app/supervisor/internal/journal"
	"github.com/tessera-app/supervisor/internal/notify"
	"github.com/tessera-app/supervisor/internal/plan"
	"github.com/tessera-app/supervisor/internal/process"
)

// launchRun is one Start sequence. It owns nothing in the table; it only
// adds to it while its generation is current.
type launchRun struct {
	s      *Supervisor
	gen    uint64
	ctx    context.Context
	plan   *plan.Plan
	groups []plan.ServiceGroup
	logger *slog.Logger

	spawned []*entry
}

func (r *launchRun) launch(done chan struct{}) {
	defer close(done)
	s := r.s

	s.mu.Lock()
	timeout := s.timeoutLocked()
	s.mu.Unlock()
	s.reapOrphans(timeout)

	var errs []error
	for _, g := range r.groups {
		_, err := r.LaunchGroup(g)
		if errors.Is(err, errLaunchCancelled) {
			r.logger.Info("launch cancelled", "group", g.Name)
			r.finish(errors.Join(errs...))
			return
		}
		if err != nil {
			errs = append(errs, err)
			if r.plan.FailurePolicy == plan.PolicyRollback {
				r.rollback(err, timeout)
				return
			}
		}
	}

	err := errors.Join(errs...)
	s.mu.Lock()
	if s.gen != r.gen {
		s.launchErr = err
		s.mu.Unlock()
		return
	}
	s.phase = PhaseRunning
	s.launchErr = err
	n := len(s.table)
	s.notifyLocked(notify.EventReady, nil)
	s.mu.Unlock()

	if err != nil {
		r.logger.Warn("backend started with failures", "processes", n, "error", err)
	} else {
		r.logger.Info("backend ready", "processes", n)
	}
	s.journalEvent(notify.EventReady, nil)
}

func (r *launchRun) finish(err error) {
	r.s.mu.Lock()
	r.s.launchErr = err
	r.s.mu.Unlock()
}

// LaunchGroup spawns the group's processes in listed order, registers each
// one in the table, then waits out the group's settle delay. Under the
// continue policy every process is attempted and failures are collected into
// a *GroupError; under rollback the first failure returns immediately
// without settling. The returned handles are the ones spawned by this call.
func (r *launchRun) LaunchGroup(g plan.ServiceGroup) ([]*process.Handle, error) {
	logger := r.logger.With("group", g.Name)
	logger.Info("launching group", "processes", len(g.Processes))

	var handles []*process.Handle
	var failures []error
	for _, spec := range g.Processes {
		if r.ctx.Err() != nil {
			return handles, errLaunchCancelled
		}

		h, err := r.spawn(g.Name, spec, logger)
		if errors.Is(err, errLaunchCancelled) {
			return handles, err
		}
		if err != nil {
			failures = append(failures, err)
			if r.plan.FailurePolicy == plan.PolicyRollback {
				return handles, &GroupError{Group: g.Name, Total: len(g.Processes), Errs: failures}
			}
			continue
		}
		handles = append(handles, h)
	}

	var err error
	if len(failures) > 0 {
		err = &GroupError{Group: g.Name, Total: len(g.Processes), Errs: failures}
	}

	if g.Settle.Duration > 0 {
		t := time.NewTimer(g.Settle.Duration)
		defer t.Stop()
		select {
		case <-t.C:
		case <-r.ctx.Done():
			return handles, errLaunchCancelled
		}
	}
	return handles, err
}

func (r *launchRun) spawn(group string, spec plan.ProcessSpec, logger *slog.Logger) (*process.Handle, error) {
	s := r.s

	port, err := r.port(spec)
	if err != nil {
		return nil, r.spawnFailed(group, spec, &process.SpawnError{Process: spec.Name, Group: group, Executable: spec.ResolveExecutable(), Err: err}, logger)
	}

	h, err := process.Spawn(spec, process.Options{Group: group, Port: port, Logger: s.logger})
	if err != nil {
		s.ports.Release(spec.Name)
		return nil, r.spawnFailed(group, spec, err, logger)
	}

	e := &entry{spec: spec, handle: h}
	if spec.Health != nil {
		e.monitor = health.NewMonitor(health.FromPlan(spec, port), logger.With("process", spec.Name))
	}
	if err := r.register(e); err != nil {
		// never left running without a table entry
		logger.Info("discarding unregistered process", "process", spec.Name, "pid", h.PID(), "reason", err)
		if err := h.Terminate(0); err != nil {
			logger.Error("failed to kill discarded process", "process", spec.Name, "error", err)
		}
		if errors.Is(err, errLaunchCancelled) {
			s.ports.Release(spec.Name)
			return nil, err
		}
		// the port belongs to the tracked process of the same name
		return nil, r.spawnFailed(group, spec, &process.SpawnError{Process: spec.Name, Group: group, Executable: spec.ResolveExecutable(), Err: err}, logger)
	}

	logger.Info("process spawned", "process", spec.Name, "pid", h.PID(), "port", port)
	s.journal.Log(journal.Entry{Action: journal.ActionSpawn, Process: spec.Name, Group: group, PID: h.PID()})
	if err := s.ledger.set(spec.Name, ledgerRecord{
		PID:        h.PID(),
		Group:      group,
		Executable: spec.ResolveExecutable(),
		Port:       port,
		StartedAt:  h.StartedAt().Unix(),
		StartTime:  h.StartTime(),
	}); err != nil {
		logger.Warn("failed to update state file", "process", spec.Name, "error", err)
	}
	go s.watchExit(e)
	return h, nil
}

func (r *launchRun) port(spec plan.ProcessSpec) (int, error) {
	switch {
	case spec.Network == nil:
		return 0, nil
	case spec.NeedsDynamicPort():
		return r.s.ports.Allocate(spec.Name)
	default:
		return spec.Network.Port, r.s.ports.Reserve(spec.Name, spec.Network.Port)
	}
}

func (r *launchRun) spawnFailed(group string, spec plan.ProcessSpec, err error, logger *slog.Logger) error {
	logger.Error("failed to spawn process", "process", spec.Name, "error", err)
	r.s.journal.Log(journal.Entry{Action: journal.ActionSpawnFailed, Process: spec.Name, Group: group, Error: err.Error()})

	r.s.mu.Lock()
	if r.s.gen == r.gen {
		r.s.failed = append(r.s.failed, spec.Name)
	}
	r.s.mu.Unlock()
	return err
}

// register inserts e into the table unless a Stop has superseded this run
// or the name is already tracked.
func (r *launchRun) register(e *entry) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != r.gen || s.phase != PhaseStarting {
		return errLaunchCancelled
	}
	if _, ok := s.table[e.handle.Name()]; ok {
		return ErrDuplicateName
	}
	s.seq++
	e.seq = s.seq
	s.table[e.handle.Name()] = e
	r.spawned = append(r.spawned, e)
	if e.monitor != nil {
		e.monitor.Start(context.Background())
	}
	return nil
}

// rollback terminates everything this run spawned and reports the failure.
func (r *launchRun) rollback(cause error, timeout time.Duration) {
	s := r.s
	r.logger.Error("group failed, rolling back", "spawned", len(r.spawned), "error", cause)

	s.terminateAll(r.spawned, timeout)

	s.mu.Lock()
	s.launchErr = cause
	current := s.gen == r.gen
	if current {
		// a Start can record new PIDs as soon as the phase is published
		if err := s.ledger.clear(); err != nil {
			r.logger.Warn("failed to clear state file", "error", err)
		}
		s.phase = PhaseStopped
		s.notifyLocked(notify.EventFailed, cause.Error())
	}
	s.mu.Unlock()

	if current {
		s.journalEvent(notify.EventFailed, cause.Error())
	}
}
