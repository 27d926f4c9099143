package stats

import (
	"sync"
	"sync/atomic"
)

// Handle owns the active Statistics. Readers call Load and keep the returned
// snapshot for the duration of a query; a rebuild publishes with Swap.
type Handle struct {
	swapMu     sync.Mutex
	current    atomic.Pointer[Statistics]
	generation atomic.Uint64
}

func NewHandle() *Handle {
	h := &Handle{}
	h.current.Store(Empty())
	return h
}

// Load returns the active snapshot. It never returns nil.
func (h *Handle) Load() *Statistics {
	return h.current.Load()
}

// Swap publishes next and returns the generation assigned to it. The caller
// must not retain next; the handle stores a copy stamped with the generation.
func (h *Handle) Swap(next *Statistics) uint64 {
	h.swapMu.Lock()
	defer h.swapMu.Unlock()
	gen := h.generation.Add(1)
	stamped := &Statistics{counts: next.counts, meta: next.meta}
	stamped.meta.Generation = gen
	h.current.Store(stamped)
	return gen
}

// Generation is the number of swaps performed so far.
func (h *Handle) Generation() uint64 {
	return h.generation.Load()
}
