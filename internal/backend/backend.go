// Package backend exposes the supervisor through the three string-returning
// operations a desktop shell calls, plus the shutdown hook it must run once.
package backend

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tessera-app/supervisor/internal/notify"
	"github.com/tessera-app/supervisor/internal/supervisor"
)

const (
	MsgStarting = "Backend services starting..."
	MsgStopped  = "Backend services stopped"
	MsgRunning  = "Services running"
)

var (
	ErrDegraded   = errors.New("services degraded")
	ErrNotRunning = errors.New("services not running")
	ErrStarting   = errors.New("services starting")
	ErrStopping   = errors.New("services stopping")
)

// Backend binds a supervisor to the sink that hears about readiness.
type Backend struct {
	sup  *supervisor.Supervisor
	sink notify.Sink
	once sync.Once
}

func New(sup *supervisor.Supervisor, sink notify.Sink) *Backend {
	return &Backend{sup: sup, sink: sink}
}

func (b *Backend) Supervisor() *supervisor.Supervisor { return b.sup }

// StartBackend kicks off the launch sequence and returns at once.
func (b *Backend) StartBackend() (string, error) {
	if err := b.sup.Start(b.sink); err != nil {
		return "", err
	}
	return MsgStarting, nil
}

// StopBackend terminates every process. It cannot fail.
func (b *Backend) StopBackend() string {
	b.sup.Stop()
	return MsgStopped
}

// CheckHealth returns MsgRunning when everything is up, or an error naming
// what is wrong.
func (b *Backend) CheckHealth() (string, error) {
	r := b.sup.Health()
	switch r.Status {
	case supervisor.HealthRunning:
		return MsgRunning, nil
	case supervisor.HealthDegraded:
		return "", fmt.Errorf("%w: %s", ErrDegraded, describe(r))
	case supervisor.HealthStarting:
		return "", ErrStarting
	case supervisor.HealthStopping:
		return "", ErrStopping
	default:
		return "", ErrNotRunning
	}
}

func describe(r supervisor.Report) string {
	var parts []string
	if len(r.Exited) > 0 {
		parts = append(parts, "exited: "+strings.Join(r.Exited, ", "))
	}
	if len(r.Unhealthy) > 0 {
		parts = append(parts, "unhealthy: "+strings.Join(r.Unhealthy, ", "))
	}
	if len(r.Failed) > 0 {
		parts = append(parts, "failed to start: "+strings.Join(r.Failed, ", "))
	}
	return strings.Join(parts, "; ")
}

// Shutdown stops the backend and flushes notifications. Only the first call
// does anything; hosts wire it to their close event.
func (b *Backend) Shutdown() {
	b.once.Do(func() {
		b.sup.Stop()
		b.sup.Close()
	})
}
