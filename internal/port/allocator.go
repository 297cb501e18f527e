// Package port hands out loopback TCP ports to processes that ask for one.
package port

import (
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
)

const (
	DefaultMin = 20000
	DefaultMax = 29999
)

// Allocator tracks which process owns which port.
type Allocator struct {
	mu      sync.Mutex
	minPort int
	maxPort int
	byName  map[string]int
	byPort  map[int]string
}

// NewAllocator creates an allocator for the inclusive range [minPort, maxPort].
// A zero or inverted range falls back to the defaults.
func NewAllocator(minPort, maxPort int) *Allocator {
	if minPort <= 0 || maxPort < minPort {
		minPort, maxPort = DefaultMin, DefaultMax
	}
	return &Allocator{
		minPort: minPort,
		maxPort: maxPort,
		byName:  make(map[string]int),
		byPort:  make(map[int]string),
	}
}

// Range returns the inclusive port range.
func (a *Allocator) Range() (int, int) { return a.minPort, a.maxPort }

// Allocate picks a free port for the named process. Calling it again for the
// same name returns the same port until Release.
func (a *Allocator) Allocate(name string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byName[name]; ok {
		return p, nil
	}

	size := a.maxPort - a.minPort + 1
	if len(a.byPort) >= size {
		return 0, fmt.Errorf("port range exhausted (%d-%d)", a.minPort, a.maxPort)
	}

	// random probes first so restarts don't keep hitting a port in TIME_WAIT
	for range min(size, 64) {
		p := a.minPort + rand.IntN(size)
		if a.tryTake(name, p) {
			return p, nil
		}
	}
	for p := a.minPort; p <= a.maxPort; p++ {
		if a.tryTake(name, p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no available ports in range %d-%d", a.minPort, a.maxPort)
}

func (a *Allocator) tryTake(name string, p int) bool {
	if _, taken := a.byPort[p]; taken || !available(p) {
		return false
	}
	a.byName[name] = p
	a.byPort[p] = name
	return true
}

// Reserve records a fixed port for a process. It fails if another process
// already holds the port.
func (a *Allocator) Reserve(name string, p int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if owner, ok := a.byPort[p]; ok && owner != name {
		return fmt.Errorf("port %d already allocated to %q", p, owner)
	}
	if old, ok := a.byName[name]; ok && old != p {
		delete(a.byPort, old)
	}
	a.byName[name] = p
	a.byPort[p] = name
	return nil
}

// Release frees whatever port the process holds.
func (a *Allocator) Release(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byName[name]; ok {
		delete(a.byPort, p)
		delete(a.byName, name)
	}
}

// Port returns the port held by a process, or 0.
func (a *Allocator) Port(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byName[name]
}

// Len reports how many ports are currently held.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byPort)
}

func available(p int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
