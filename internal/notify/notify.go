// Package notify delivers backend lifecycle events to whoever is listening:
// a UI, the API event stream, the journal.
package notify

import (
	"errors"
	"log/slog"
	"time"
)

const (
	EventReady   = "backend-ready"
	EventStopped = "backend-stopped"
	EventFailed  = "backend-failed"
)

// Sink receives lifecycle events. A returned error is logged by the caller
// and otherwise ignored.
type Sink interface {
	Notify(event string, payload any) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event string, payload any) error

func (f SinkFunc) Notify(event string, payload any) error { return f(event, payload) }

// Discard is a sink that drops everything.
var Discard Sink = SinkFunc(func(string, any) error { return nil })

// LogSink writes events to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(event string, payload any) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	if payload == nil {
		l.Info("backend event", "event", event)
	} else {
		l.Info("backend event", "event", event, "payload", payload)
	}
	return nil
}

// Multi delivers every event to each sink in order and joins their errors.
type Multi []Sink

func (m Multi) Notify(event string, payload any) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Event is a delivered notification.
type Event struct {
	Name    string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}
