package jdwp

import (
	"sort"
	"sync"
)

// DefaultPortBase is the first debugger port handed out.
const DefaultPortBase = 8600

// PortPool hands out local debugger ports. It starts with only the base
// port and grows by one past the last port handed out, so freed ports are
// always reused before the range is extended.
type PortPool struct {
	mu   sync.Mutex
	free []int
}

// NewPortPool seeds a pool with base.
func NewPortPool(base int) *PortPool {
	return &PortPool{free: []int{base}}
}

// Next returns the lowest free port.
func (p *PortPool) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return -1
	}
	port := p.free[0]
	p.free = p.free[1:]
	if len(p.free) == 0 {
		p.free = append(p.free, port+1)
	}
	return port
}

// Free returns port to the pool. Non-positive ports and ports already in
// the pool are ignored.
func (p *PortPool) Free(port int) {
	if port <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := sort.SearchInts(p.free, port)
	if i < len(p.free) && p.free[i] == port {
		return
	}
	p.free = append(p.free, 0)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = port
}

// Available returns a copy of the free list, lowest first.
func (p *PortPool) Available() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.free...)
}
