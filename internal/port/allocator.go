// Package port hands out loopback ports to engines whose readiness probe
// listens on a port the profile leaves unspecified.
package port

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
)

// Allocator tracks which backend owns which port within [min, max].
type Allocator struct {
	mu      sync.Mutex
	minPort int
	maxPort int
	byName  map[string]int
	byPort  map[int]string
}

// NewAllocator creates a port allocator for the given range [min, max].
func NewAllocator(minPort, maxPort int) *Allocator {
	return &Allocator{
		minPort: minPort,
		maxPort: maxPort,
		byName:  make(map[string]int),
		byPort:  make(map[int]string),
	}
}

// Allocate returns a free port for the named backend. Asking again for the
// same name returns the port it already holds.
func (a *Allocator) Allocate(name string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byName[name]; ok {
		return p, nil
	}

	size := a.maxPort - a.minPort + 1
	if size <= 0 {
		return 0, fmt.Errorf("empty port range %d-%d", a.minPort, a.maxPort)
	}
	if len(a.byPort) >= size {
		return 0, fmt.Errorf("port range exhausted (%d-%d)", a.minPort, a.maxPort)
	}

	// Random probes first so concurrent verifyd instances rarely collide,
	// then a linear sweep.
	for i := 0; i < size; i++ {
		if p := a.minPort + rand.Intn(size); a.claimLocked(name, p) {
			return p, nil
		}
	}
	for p := a.minPort; p <= a.maxPort; p++ {
		if a.claimLocked(name, p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no available ports in range %d-%d", a.minPort, a.maxPort)
}

func (a *Allocator) claimLocked(name string, p int) bool {
	if _, taken := a.byPort[p]; taken || !Available(p) {
		return false
	}
	a.byName[name] = p
	a.byPort[p] = name
	return true
}

// Reserve records a port chosen elsewhere, for example a fixed port in a
// backend profile. It fails if another backend already holds it.
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

// Release frees the port held by name.
func (a *Allocator) Release(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byName[name]; ok {
		delete(a.byPort, p)
		delete(a.byName, name)
	}
}

// Port returns the port held by name, or 0.
func (a *Allocator) Port(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byName[name]
}

// Available reports whether nothing is listening on the loopback port.
func Available(p int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
