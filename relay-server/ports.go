package relayserver

import (
	"errors"
	"sync"
)

var ErrPortsExhausted = errors.New("no forwarding port left")

// PortAllocator hands out forwarding ports from [base, base+count), lowest
// free port first.
type PortAllocator struct {
	base int

	mu    sync.Mutex
	inUse []bool
}

func NewPortAllocator(base, count int) *PortAllocator {
	return &PortAllocator{base: base, inUse: make([]bool, count)}
}

func (a *PortAllocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, used := range a.inUse {
		if !used {
			a.inUse[i] = true
			return a.base + i, nil
		}
	}
	return 0, ErrPortsExhausted
}

// Release returns port to the pool. Ports outside the range are ignored.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i := port - a.base; i >= 0 && i < len(a.inUse) {
		a.inUse[i] = false
	}
}

func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, used := range a.inUse {
		if used {
			n++
		}
	}
	return n
}
