// Package ports hands out host ports for workspace containers.
package ports

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
)

// ErrPortsExhausted is returned when no free port could be found after the
// bounded number of probe attempts.
var ErrPortsExhausted = errors.New("no free port available in configured range")

// maxAttempts bounds the number of random candidates tried per acquisition.
const maxAttempts = 100

// Allocator draws random ports from a configured range, skipping ports that
// are claimed, reserved for the hub itself, or already bound by another
// process on the host.
type Allocator struct {
	mu      sync.Mutex
	min     int
	max     int
	claimed map[int]bool

	// probe reports whether a port is free on the host. Overridable in tests.
	probe func(port int) bool
}

// NewAllocator creates an Allocator over [min, max]. Reserved ports are
// pre-claimed and never handed out.
func NewAllocator(min, max int, reserved ...int) *Allocator {
	claimed := make(map[int]bool)
	for _, port := range reserved {
		claimed[port] = true
	}
	return &Allocator{
		min:     min,
		max:     max,
		claimed: claimed,
		probe:   probeFree,
	}
}

// Acquire claims and returns a free port. The claim is recorded before the
// port is returned, so no two concurrent acquisitions can hand out the same
// port. Returns ErrPortsExhausted when no candidate passes within the attempt
// bound.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < maxAttempts; i++ {
		port := a.min + rand.Intn(a.max-a.min+1)
		if a.claimed[port] {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.claimed[port] = true
		return port, nil
	}
	return 0, ErrPortsExhausted
}

// Claim marks a specific port as taken, for re-adopting containers found at
// startup. Returns false if the port is already claimed.
func (a *Allocator) Claim(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.claimed[port] {
		return false
	}
	a.claimed[port] = true
	return true
}

// Release returns a port to the pool. Releasing an unclaimed port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.claimed, port)
}

// probeFree attempts a local bind to detect ports occupied outside the hub.
func probeFree(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
