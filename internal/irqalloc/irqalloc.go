// Package irqalloc hands out guest system interrupt lines for MMIO
// devices, modeled on the teacher's GSIAllocator
// (internal/linux/boot/irqalloc.go) but narrowed to the fixed
// last-used-counter design the spec requires.
package irqalloc

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// SerialIRQ is the legacy console-serial line; device IRQs start above it.
	SerialIRQ = 4
	// LastIRQ is the highest line an x86 PC-compatible IRQ chip can route.
	LastIRQ = 23
)

var (
	// ErrMaxIRQ is returned once every line up to LastIRQ has been handed out.
	ErrMaxIRQ = errors.New("irqalloc: no IRQ lines remain")
	// ErrOverflow is returned if the internal counter would wrap.
	ErrOverflow = errors.New("irqalloc: counter overflowed")
)

// Allocator hands out IRQ lines above a fixed starting point, never
// repeating a line within its own lifetime.
type Allocator struct {
	mu          sync.Mutex
	lastUsed    uint32
	lastAllowed uint32
}

// New constructs an Allocator. lastUsed is the highest line already
// considered in use (callers normally pass SerialIRQ); lastAllowed is the
// highest line the allocator may ever return (normally LastIRQ).
func New(lastUsed, lastAllowed uint32) (*Allocator, error) {
	if lastUsed >= lastAllowed {
		return nil, fmt.Errorf("irqalloc: invalid range: lastUsed=%d >= lastAllowed=%d", lastUsed, lastAllowed)
	}
	return &Allocator{lastUsed: lastUsed, lastAllowed: lastAllowed}, nil
}

// NewDefault constructs an Allocator using the spec's SERIAL_IRQ/23 bounds.
func NewDefault() *Allocator {
	a, err := New(SerialIRQ, LastIRQ)
	if err != nil {
		// SerialIRQ < LastIRQ always holds for the compiled-in constants.
		panic(err)
	}
	return a
}

// NextIRQ returns the next unused line, failing once the allowed range is
// exhausted.
func (a *Allocator) NextIRQ() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lastUsed == ^uint32(0) {
		return 0, ErrOverflow
	}
	next := a.lastUsed + 1
	if next > a.lastAllowed {
		return 0, ErrMaxIRQ
	}
	a.lastUsed = next
	return next, nil
}
