// Package ports hands out worker channel ports from a bounded range.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPortExhausted is returned when every port in the range is reserved.
var ErrPortExhausted = errors.New("port range exhausted")

// Allocator tracks reservations over an inclusive port range [Min, Max].
// Reserve always returns the lowest free port, so releases are reused
// promptly and test runs stay deterministic.
type Allocator struct {
	min, max int

	mu    sync.Mutex
	inUse map[int]bool
}

// NewAllocator creates an allocator for the inclusive range [min, max].
func NewAllocator(min, max int) (*Allocator, error) {
	if min <= 0 || max <= 0 {
		return nil, fmt.Errorf("port range bounds must be positive, got [%d, %d]", min, max)
	}
	if max < min {
		return nil, fmt.Errorf("invalid port range: max %d below min %d", max, min)
	}
	if max > 65535 {
		return nil, fmt.Errorf("port range max %d above 65535", max)
	}
	return &Allocator{
		min:   min,
		max:   max,
		inUse: make(map[int]bool),
	}, nil
}

// Reserve claims and returns the lowest free port in the range.
func (a *Allocator) Reserve() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		if !a.inUse[port] {
			a.inUse[port] = true
			return port, nil
		}
	}
	return 0, ErrPortExhausted
}

// Release returns a port to the pool. Releasing an already-free port or a
// port outside the range is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// Reserved returns the number of ports currently held.
func (a *Allocator) Reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Capacity returns the total number of ports in the range.
func (a *Allocator) Capacity() int {
	return a.max - a.min + 1
}
