package notify

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueFull is returned when an Async sink drops an event.
var ErrQueueFull = errors.New("notification queue full")

// ErrClosed is returned by a closed Async sink.
var ErrClosed = errors.New("notification sink closed")

// Async decouples the caller from a slow sink. Notify enqueues and returns
// immediately; a single goroutine delivers events in order.
type Async struct {
	next   Sink
	logger *slog.Logger
	queue  chan Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewAsync wraps next with a queue of the given capacity (minimum 1).
func NewAsync(next Sink, capacity int, logger *slog.Logger) *Async {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		logger: logger,
		queue:  make(chan Event, capacity),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) Notify(event string, payload any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- Event{Name: event, Payload: payload, Time: now()}:
		return nil
	default:
		a.logger.Warn("dropping notification, queue full", "event", event)
		return ErrQueueFull
	}
}

func (a *Async) loop() {
	defer close(a.done)
	for ev := range a.queue {
		if err := a.next.Notify(ev.Name, ev.Payload); err != nil {
			a.logger.Warn("notification delivery failed", "event", ev.Name, "error", err)
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
