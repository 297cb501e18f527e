package notify

import (
	"sync"
	"time"
)

var now = time.Now

// Broadcaster fans events out to subscribers. Slow subscribers lose events
// rather than stall the publisher.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	last *Event
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

func (b *Broadcaster) Notify(event string, payload any) error {
	ev := Event{Name: event, Payload: payload, Time: now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = &ev
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of future events and a function that ends the
// subscription and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Last returns the most recent event, if any.
func (b *Broadcaster) Last() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Event{}, false
	}
	return *b.last, true
}

// Subscribers reports the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
